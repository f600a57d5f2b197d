// Package metrics implements a prometheus.Collector reporting Block and
// Replica counts and per-entity info gauges, adapted from the teacher's
// MachineCollector (which walks machine/machineset listers) to instead walk
// the entity store this module persists Blocks through.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/rancher/block-orchestrator/pkg/entitystore"
)

var (
	// BlockCountDesc is a metric about Block entity count in the store.
	BlockCountDesc = prometheus.NewDesc("block_orchestrator_block_items", "Count of block entities currently in the store", nil, nil)
	// BlockInfoDesc is a metric about a single Block's status.
	BlockInfoDesc = prometheus.NewDesc("block_orchestrator_block_created_timestamp_seconds", "Timestamp of a Block's creation time", []string{"name", "namespace", "node", "status", "locality"}, nil)
	// BlockOnlineDesc reports whether a Block's controller is online.
	BlockOnlineDesc = prometheus.NewDesc("block_orchestrator_block_online", "Whether a Block's controller reports online", []string{"name", "namespace"}, nil)
	// BlockReplicaCountDesc reports a Block's replica count vs target.
	BlockReplicaCountDesc = prometheus.NewDesc("block_orchestrator_block_replicas", "Current replica count for a Block", []string{"name", "namespace"}, nil)
	// BlockReplicaTargetDesc reports a Block's target replica count.
	BlockReplicaTargetDesc = prometheus.NewDesc("block_orchestrator_block_replicas_target", "Target replica count for a Block", []string{"name", "namespace"}, nil)
	// BlockUsedDesc reports a Block's used GiB as of the last Usage call.
	BlockUsedDesc = prometheus.NewDesc("block_orchestrator_block_used_gib", "Used GiB as of the last recorded Usage computation", []string{"name", "namespace"}, nil)

	// CollectorUp reflects successful collection and reporting of all the
	// metrics, mirroring mapi_mao_collector_up.
	CollectorUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "block_orchestrator_collector_up",
		Help: "Block orchestrator metrics are being collected and reported successfully",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(CollectorUp)
}

// BlockCollector implements prometheus.Collector over the entity store.
type BlockCollector struct {
	store     entitystore.Store
	namespace string
}

// NewBlockCollector builds a BlockCollector scoped to namespace (empty
// means all namespaces). The store is queried for every block and the
// per-block metrics are filtered by namespace afterwards; the block count
// covers every block regardless of namespace.
func NewBlockCollector(store entitystore.Store, namespace string) *BlockCollector {
	return &BlockCollector{store: store, namespace: namespace}
}

// Describe implements the prometheus.Collector interface.
func (c *BlockCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- BlockCountDesc
	ch <- BlockInfoDesc
	ch <- BlockOnlineDesc
	ch <- BlockReplicaCountDesc
	ch <- BlockReplicaTargetDesc
	ch <- BlockUsedDesc
}

// Collect implements the prometheus.Collector interface.
func (c *BlockCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectBlockMetrics(ch)
}

func (c *BlockCollector) collectBlockMetrics(ch chan<- prometheus.Metric) {
	blocks, err := c.store.Find(context.Background(), entitystore.Query{Node: ""})
	if err != nil {
		CollectorUp.With(prometheus.Labels{"kind": "block_items"}).Set(0)
		klog.Warningf("metrics: listing blocks failed: %v", err)
		return
	}
	CollectorUp.With(prometheus.Labels{"kind": "block_items"}).Set(1)

	ch <- prometheus.MustNewConstMetric(BlockCountDesc, prometheus.GaugeValue, float64(len(blocks)))

	for _, block := range blocks {
		if c.namespace != "" && block.Namespace != c.namespace {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			BlockInfoDesc,
			prometheus.GaugeValue,
			float64(block.CreatedAt.Unix()),
			block.Name, block.Namespace, block.Node, block.Status, block.Locality,
		)
		ch <- prometheus.MustNewConstMetric(
			BlockOnlineDesc,
			prometheus.GaugeValue,
			boolToFloat(block.Online),
			block.Name, block.Namespace,
		)
		ch <- prometheus.MustNewConstMetric(
			BlockReplicaCountDesc,
			prometheus.GaugeValue,
			float64(len(block.Replicas)),
			block.Name, block.Namespace,
		)
		ch <- prometheus.MustNewConstMetric(
			BlockReplicaTargetDesc,
			prometheus.GaugeValue,
			float64(block.ReplicaCount),
			block.Name, block.Namespace,
		)
		ch <- prometheus.MustNewConstMetric(
			BlockUsedDesc,
			prometheus.GaugeValue,
			float64(block.Used),
			block.Name, block.Namespace,
		)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
