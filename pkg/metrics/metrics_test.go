package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/entitystore/memstore"
)

func TestBoolToFloat(t *testing.T) {
	if boolToFloat(true) != 1 {
		t.Errorf("expected 1 for true")
	}
	if boolToFloat(false) != 0 {
		t.Errorf("expected 0 for false")
	}
}

func TestBlockCollectorCollect(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	if err := store.Create(ctx, &blockv1.Block{Name: "vol-a", Namespace: "storage", Node: "node-1", Status: "ready", Online: true, ReplicaCount: 3}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, &blockv1.Block{Name: "vol-b", Namespace: "storage", Node: "node-2", Status: "pending"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	collector := NewBlockCollector(store, "")
	ch := make(chan prometheus.Metric, 64)
	collector.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	// 1 BlockCountDesc + 5 per-block gauges * 2 blocks
	if count != 11 {
		t.Errorf("expected 11 metrics, got %d", count)
	}
}
