// Package enginecontroller implements C2: owning controller-pod
// creation/teardown and the frontend start/shutdown/expand/info protocol.
// Its composition mirrors the teacher's actuator/scope split — a Driver
// is the actuator, a Scope-free call pattern since the Block itself (not
// a cluster-api resource) carries the controller pod reference.
package enginecontroller

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/blockerrors"
	"github.com/rancher/block-orchestrator/pkg/commandgateway"
	"github.com/rancher/block-orchestrator/pkg/orchestrator"
	"github.com/rancher/block-orchestrator/pkg/substrate"
	"github.com/rancher/block-orchestrator/pkg/types"
)

// Options carries the conditional CreateController flags of spec.md §4.2,
// consumed in the fixed order the spec names: Upgrade, DisableRevCounter,
// SalvageRequested, UnmapMarkSnapChainRemoved, SnapshotMaxCount,
// SnapshotMaxSize, EngineReplicaTimeout, DataServerProtocol,
// FileSyncHTTPClientTimeout.
type Options struct {
	Upgrade                   bool
	DisableRevCounter         bool
	SalvageRequested          bool
	UnmapMarkSnapChainRemoved bool
	SnapshotMaxCount          int
	SnapshotMaxSize           string
	EngineReplicaTimeout      string
	DataServerProtocol        string
	FileSyncHTTPClientTimeout string
}

// Config is the static configuration the Driver needs to build pod specs.
type Config struct {
	EngineImage string
	Frontend    string
}

// Follower lets the Driver trigger the Format/Mount/Unmount follow-ons
// UpdateFrontendState performs while still holding the block lock
// (spec.md §4.2), without importing the reconciler package (which in turn
// depends on this one) — avoids an import cycle.
type Follower interface {
	OnFrontendUp(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error)
	OnFrontendDown(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error)
}

// Persister is the subset of entitystore.Store the Driver needs.
type Persister interface {
	Update(ctx context.Context, b *blockv1.Block) (*blockv1.Block, error)
}

// EventEmitter is the subset of domain-event emission the Driver needs —
// FrontendStateUp/Down per spec.md §4.2.
type EventEmitter interface {
	Emit(event string, block *blockv1.Block)
}

// Driver is C2's implementation.
type Driver struct {
	client    orchestrator.Client
	gateway   *commandgateway.Gateway
	nodes     substrate.NodeService
	store     Persister
	events    EventEmitter
	follower  Follower
	config    Config
}

// New builds a Driver.
func New(client orchestrator.Client, gateway *commandgateway.Gateway, nodes substrate.NodeService, store Persister, events EventEmitter, follower Follower, config Config) *Driver {
	return &Driver{client: client, gateway: gateway, nodes: nodes, store: store, events: events, follower: follower, config: config}
}

// CreateController submits the controller pod spec of spec.md §4.2.
func (d *Driver) CreateController(ctx context.Context, block *blockv1.Block, opts Options) (*blockv1.Block, error) {
	if block.Controller != nil {
		return nil, blockerrors.New(blockerrors.KindControllerExists, "block %s", block.Name)
	}

	node, err := d.nodes.Get(ctx, block.Node)
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindNodeNotFound, "resolving node %s", block.Node)
	}

	argv := []string{
		"controller",
		"--listen", "0.0.0.0:9501",
		"--size", commandgateway.SizeArg(block.Size),
		"--current-size", commandgateway.SizeArg(block.Size),
		"--frontend", d.config.Frontend,
	}
	for _, r := range block.Replicas {
		if r.Endpoint != nil {
			argv = append(argv, "--replica", *r.Endpoint)
		}
	}
	argv = appendConditionalFlags(argv, opts)
	argv = append(argv, block.Name)

	privileged := true
	hostPathDir := corev1.HostPathDirectory
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      block.Name,
			Namespace: block.Namespace,
			Labels:    map[string]string{"block": block.ID, "role": "controller"},
		},
		Spec: corev1.PodSpec{
			NodeName:      node.Hostname,
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    block.Name,
					Image:   d.config.EngineImage,
					Command: append([]string{"longhorn"}, argv...),
					SecurityContext: &corev1.SecurityContext{
						Privileged: &privileged,
					},
					Ports: []corev1.ContainerPort{
						{ContainerPort: 9501, Protocol: corev1.ProtocolTCP},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "mnt", MountPath: "/mnt"},
						{Name: "dev", MountPath: "/host/dev"},
						{Name: "proc", MountPath: "/host/proc"},
					},
				},
			},
			Volumes: []corev1.Volume{
				hostPathVolume("mnt", "/mnt", &hostPathDir),
				hostPathVolume("dev", "/dev", &hostPathDir),
				hostPathVolume("proc", "/proc", &hostPathDir),
			},
		},
	}

	created, err := d.client.CreatePod(ctx, block.Namespace, pod)
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindPodCreationError, "creating controller pod %s", block.Name)
	}

	updated := block.DeepCopy()
	updated.Controller = &blockv1.PodHandle{UID: string(created.UID), Name: created.Name, Namespace: created.Namespace}
	return d.store.Update(ctx, updated)
}

func appendConditionalFlags(argv []string, opts Options) []string {
	if opts.Upgrade {
		argv = append(argv, "--upgrade")
	}
	if opts.DisableRevCounter {
		argv = append(argv, "--disableRevCounter")
	}
	if opts.SalvageRequested {
		argv = append(argv, "--salvageRequested")
	}
	if opts.UnmapMarkSnapChainRemoved {
		argv = append(argv, "--unmap-mark-snap-chain-removed")
	}
	if opts.SnapshotMaxCount > 0 {
		argv = append(argv, "--snapshot-max-count", fmt.Sprintf("%d", opts.SnapshotMaxCount))
	}
	if opts.SnapshotMaxSize != "" {
		argv = append(argv, "--snapshot-max-size", opts.SnapshotMaxSize)
	}
	if opts.EngineReplicaTimeout != "" {
		argv = append(argv, "--engine-replica-timeout", opts.EngineReplicaTimeout)
	}
	if opts.DataServerProtocol != "" {
		argv = append(argv, "--data-server-protocol", opts.DataServerProtocol)
	}
	if opts.FileSyncHTTPClientTimeout != "" {
		argv = append(argv, "--file-sync-http-client-timeout", opts.FileSyncHTTPClientTimeout)
	}
	return argv
}

func hostPathVolume(name, path string, t *corev1.HostPathType) corev1.Volume {
	return corev1.Volume{
		Name: name,
		VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: path, Type: t},
		},
	}
}

// StartFrontend issues `longhorn frontend start <frontend>` then reruns
// UpdateFrontendState, per spec.md §4.2.
func (d *Driver) StartFrontend(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	if _, err := d.gateway.Exec(ctx, block, []string{"frontend", "start", d.config.Frontend}); err != nil {
		return nil, err
	}
	return d.UpdateFrontendState(ctx, block)
}

// ShutdownFrontend issues `longhorn frontend shutdown` then reruns
// UpdateFrontendState.
func (d *Driver) ShutdownFrontend(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	if _, err := d.gateway.Exec(ctx, block, []string{"frontend", "shutdown"}); err != nil {
		return nil, err
	}
	return d.UpdateFrontendState(ctx, block)
}

// ControllerInfo is the subset of `longhorn info`'s JSON document the
// orchestrator cares about.
type ControllerInfo struct {
	FrontendState string `json:"frontendState"`
	Endpoint      string `json:"endpoint"`
}

// GetControllerInfo runs `longhorn info` and parses its JSON stdout.
func (d *Driver) GetControllerInfo(ctx context.Context, block *blockv1.Block) (*ControllerInfo, error) {
	res, err := d.gateway.Exec(ctx, block, []string{"info"})
	if err != nil {
		return nil, err
	}
	var info ControllerInfo
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "parsing longhorn info output")
	}
	return &info, nil
}

// Expand issues `longhorn expand --size <N>gb`.
func (d *Driver) Expand(ctx context.Context, block *blockv1.Block) error {
	_, err := d.gateway.Exec(ctx, block, []string{"expand", "--size", commandgateway.SizeArg(block.Size)})
	return err
}

// DeleteController tears down the controller pod. Fails ControllerMounted
// if the block is mounted.
func (d *Driver) DeleteController(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	if block.Mounted {
		return nil, blockerrors.New(blockerrors.KindControllerMounted, "block %s is mounted", block.Name)
	}
	if block.Controller == nil {
		return block, nil
	}
	if err := d.client.DeletePod(ctx, block.Namespace, block.Name); err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "deleting controller pod %s", block.Name)
	}
	updated := block.DeepCopy()
	updated.Controller = nil
	updated.Online = false
	return d.store.Update(ctx, updated)
}

// UpdateFrontendState implements spec.md §4.2's merge-then-follow-on
// sequence: read GetControllerInfo, merge derived fields, emit a
// transition event, then run Format/Mount/Unmount follow-ons under the
// same lock the caller already holds.
func (d *Driver) UpdateFrontendState(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	info, err := d.GetControllerInfo(ctx, block)
	if err != nil {
		klog.Warningf("%s: UpdateFrontendState: GetControllerInfo failed, leaving state unchanged: %v", block.Name, err)
		return block, nil
	}

	wasUp := block.FrontendState
	updated := block.DeepCopy()
	updated.FrontendState = info.FrontendState == "up"
	if info.Endpoint != "" {
		ep := info.Endpoint
		updated.Device = &ep
	} else {
		updated.Device = nil
	}
	updated.Locality = computeLocality(updated)
	updated.Healthy = allReplicasHealthy(updated)

	persisted, err := d.store.Update(ctx, updated)
	if err != nil {
		return nil, err
	}

	if persisted.FrontendState != wasUp {
		if persisted.FrontendState {
			d.events.Emit("FrontendStateUp", persisted)
		} else {
			d.events.Emit("FrontendStateDown", persisted)
		}
	}

	if persisted.FrontendState && !persisted.Mounted {
		return d.follower.OnFrontendUp(ctx, persisted)
	}
	if !persisted.FrontendState && persisted.Mounted {
		return d.follower.OnFrontendDown(ctx, persisted)
	}
	return persisted, nil
}

func computeLocality(b *blockv1.Block) string {
	for _, r := range b.Replicas {
		if r.Healthy && r.Node == b.Node {
			return string(types.LocalityLocal)
		}
	}
	if len(b.Replicas) == 0 {
		return string(types.LocalityUnknown)
	}
	return string(types.LocalityRemote)
}

func allReplicasHealthy(b *blockv1.Block) bool {
	if len(b.Replicas) == 0 {
		return false
	}
	for _, r := range b.Replicas {
		if !r.Healthy {
			return false
		}
	}
	return true
}
