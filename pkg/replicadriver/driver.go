// Package replicadriver implements C3: replica pod lifecycle and the
// add/remove-from-frontend protocol, grounded in the same actuator shape
// as pkg/enginecontroller — one Driver, one method per operation, each
// expecting the caller already holds the block lock.
package replicadriver

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

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

// FrontendUpdater lets the Driver trigger UpdateFrontendState after any
// replica-attach mutation, without importing pkg/enginecontroller (which
// would make an import cycle with a Driver that also needs replica ops).
type FrontendUpdater interface {
	UpdateFrontendState(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error)
}

// Persister is the subset of entitystore.Store the Driver needs.
type Persister interface {
	Update(ctx context.Context, b *blockv1.Block) (*blockv1.Block, error)
}

// Config is the static configuration the Driver needs to build pod specs.
type Config struct {
	EngineImage string
}

// Driver is C3's implementation.
type Driver struct {
	client   orchestrator.Client
	gateway  *commandgateway.Gateway
	folders  substrate.FolderService
	nodes    substrate.NodeService
	disks    substrate.DiskService
	store    Persister
	frontend FrontendUpdater
	config   Config
}

// New builds a Driver.
func New(client orchestrator.Client, gateway *commandgateway.Gateway, folders substrate.FolderService, nodes substrate.NodeService, disks substrate.DiskService, store Persister, frontend FrontendUpdater, config Config) *Driver {
	return &Driver{client: client, gateway: gateway, folders: folders, nodes: nodes, disks: disks, store: store, frontend: frontend, config: config}
}

// CreateReplica provisions a folder on disk, submits the replica pod, and
// appends the new Replica to block.Replicas, per spec.md §4.3.
func (d *Driver) CreateReplica(ctx context.Context, block *blockv1.Block, disk substrate.Disk) (*blockv1.Block, error) {
	folder, err := d.folders.Provision(ctx, disk.ID, "block-replica")
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindNodeStorageNotFound, "provisioning folder on disk %s", disk.ID)
	}

	node, err := d.nodes.Get(ctx, disk.NodeID)
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindNodeNotFound, "resolving disk node %s", disk.NodeID)
	}

	name := fmt.Sprintf("block-replica-%s-%s", block.Name, moniker())

	privileged := true
	hostPathDir := corev1.HostPathDirectory
	var ports []corev1.ContainerPort
	for p := 10000; p <= 10014; p++ {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p), Protocol: corev1.ProtocolTCP})
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: block.Namespace,
			Labels:    map[string]string{"block": block.ID, "role": "replica"},
		},
		Spec: corev1.PodSpec{
			NodeName:      node.Hostname,
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  name,
					Image: d.config.EngineImage,
					Command: append([]string{"longhorn"}, "replica", "/mnt/",
						"--size", commandgateway.SizeArg(block.Size),
						"--replica-instance-name", name,
						"--listen", "0.0.0.0:10000",
						"--data-server-protocol", "tcp",
						"--snapshot-max-count", "250",
						"--snapshot-max-size", "1gb",
					),
					SecurityContext: &corev1.SecurityContext{Privileged: &privileged},
					Ports:           ports,
					VolumeMounts: []corev1.VolumeMount{
						{Name: "mnt", MountPath: "/mnt"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "mnt",
					VolumeSource: corev1.VolumeSource{
						HostPath: &corev1.HostPathVolumeSource{Path: folder.Path, Type: &hostPathDir},
					},
				},
			},
		},
	}

	created, err := d.client.CreatePod(ctx, block.Namespace, pod)
	if err != nil {
		_ = d.folders.Deprovision(ctx, folder.ID)
		return nil, blockerrors.Wrap(err, blockerrors.KindPodCreationError, "creating replica pod %s", name)
	}

	replica := blockv1.Replica{
		ID:     name,
		Name:   name,
		Pod:    &blockv1.PodHandle{UID: string(created.UID), Name: created.Name, Namespace: created.Namespace},
		Disk:   disk.ID,
		Node:   disk.NodeID,
		Folder: folder.ID,
		Status: string(types.ReplicaStatusPending),
		Mode:   string(types.ReplicaModeRW),
	}

	updated := block.DeepCopy()
	updated.Replicas = append(updated.Replicas, replica)
	return d.store.Update(ctx, updated)
}

// AddOptions carries the optional add-replica flags.
type AddOptions struct {
	Restore                   bool
	FastSync                  bool
	FileSyncHTTPClientTimeout string
}

// AddReplicaToFrontend registers a ready replica with the controller.
func (d *Driver) AddReplicaToFrontend(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica, opts AddOptions) (*blockv1.Block, error) {
	if !replica.Healthy || !block.Online {
		klog.V(2).Infof("%s: skipping AddReplicaToFrontend for %s (healthy=%v online=%v)", block.Name, replica.Name, replica.Healthy, block.Online)
		return block, nil
	}
	if replica.Endpoint == nil {
		return nil, blockerrors.New(blockerrors.KindNoReplicaEndpoint, "replica %s has no endpoint", replica.Name)
	}

	argv := []string{"add-replica",
		"--replica-instance-name", replica.Name,
		"--size", commandgateway.SizeArg(block.Size),
		"--current-size", commandgateway.SizeArg(block.Size),
	}
	if opts.Restore {
		argv = append(argv, "--restore")
	}
	if opts.FastSync {
		argv = append(argv, "--fast-sync")
	}
	if opts.FileSyncHTTPClientTimeout != "" {
		argv = append(argv, "--file-sync-http-client-timeout", opts.FileSyncHTTPClientTimeout)
	}
	argv = append(argv, *replica.Endpoint)

	res, err := d.gateway.Exec(ctx, block, argv)
	if err != nil {
		return nil, err
	}
	if commandgateway.ContainsError(res.Stderr, "Error running add replica command") {
		return nil, blockerrors.New(blockerrors.KindAddReplicaError, "%s", res.Stderr)
	}

	updated := block.DeepCopy()
	r := updated.ReplicaByID(replica.ID)
	if r != nil {
		r.Attached = true
	}
	persisted, err := d.store.Update(ctx, updated)
	if err != nil {
		return nil, err
	}
	return d.frontend.UpdateFrontendState(ctx, persisted)
}

// RemoveReplicaFromFrontend detaches replica from the controller.
func (d *Driver) RemoveReplicaFromFrontend(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica) (*blockv1.Block, error) {
	if replica.Endpoint == nil {
		return nil, blockerrors.New(blockerrors.KindNoReplicaEndpoint, "replica %s has no endpoint", replica.Name)
	}

	res, err := d.gateway.Exec(ctx, block, []string{"rm-replica", *replica.Endpoint})
	if err != nil {
		return nil, err
	}
	if commandgateway.ContainsError(res.Stderr, "cannot remove last replica if volume is up") {
		return nil, blockerrors.New(blockerrors.KindCannotRemoveLastReplica, "%s", res.Stderr)
	}

	updated := block.DeepCopy()
	r := updated.ReplicaByID(replica.ID)
	if r != nil {
		r.Attached = false
	}
	persisted, err := d.store.Update(ctx, updated)
	if err != nil {
		return nil, err
	}
	return d.frontend.UpdateFrontendState(ctx, persisted)
}

// RemoveReplicaFromBlock tears a replica down entirely: best-effort
// detach, pod delete, folder deprovision — each step catches and logs its
// own failure per spec.md §4.3 — then drops it from block.Replicas.
func (d *Driver) RemoveReplicaFromBlock(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica) (*blockv1.Block, error) {
	current := block
	if updated, err := d.RemoveReplicaFromFrontend(ctx, current, replica); err != nil {
		klog.Warningf("%s: RemoveReplicaFromBlock: detach %s failed: %v", block.Name, replica.Name, err)
	} else {
		current = updated
	}

	if replica.Pod != nil {
		if err := d.client.DeletePod(ctx, replica.Pod.Namespace, replica.Pod.Name); err != nil {
			klog.Warningf("%s: RemoveReplicaFromBlock: deleting pod %s failed: %v", block.Name, replica.Pod.Name, err)
		}
	}
	if replica.Folder != "" {
		if err := d.folders.Deprovision(ctx, replica.Folder); err != nil {
			klog.Warningf("%s: RemoveReplicaFromBlock: deprovisioning folder %s failed: %v", block.Name, replica.Folder, err)
		}
	}

	updated := current.DeepCopy()
	kept := updated.Replicas[:0]
	for _, r := range updated.Replicas {
		if r.ID != replica.ID {
			kept = append(kept, r)
		}
	}
	updated.Replicas = kept

	persisted, err := d.store.Update(ctx, updated)
	if err != nil {
		return nil, err
	}
	return d.frontend.UpdateFrontendState(ctx, persisted)
}

// ListReplicas runs `longhorn ls-replica` and returns the parsed rows as
// they are; the rows are not joined against block.Replicas.
func (d *Driver) ListReplicas(ctx context.Context, block *blockv1.Block) ([]commandgateway.ReplicaRow, error) {
	res, err := d.gateway.Exec(ctx, block, []string{"ls-replica"})
	if err != nil {
		return nil, err
	}
	return commandgateway.ParseListReplicas(res.Stdout), nil
}

// UpdateReplica sets a replica's mode on the controller.
func (d *Driver) UpdateReplica(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica, mode string) error {
	validModes := []types.ReplicaMode{types.ReplicaModeRW, types.ReplicaModeRO, types.ReplicaModeErr}
	valid := false
	for _, m := range validModes {
		if string(m) == mode {
			valid = true
			break
		}
	}
	if !valid {
		return blockerrors.New(blockerrors.KindInvalidMode, "mode %q", mode)
	}
	if replica.Endpoint == nil {
		return blockerrors.New(blockerrors.KindNoReplicaEndpoint, "replica %s has no endpoint", replica.Name)
	}
	_, err := d.gateway.Exec(ctx, block, []string{"update-replica", "--mode", mode, *replica.Endpoint})
	return err
}

// RebuildStatus runs `longhorn replica-rebuild-status <endpoint>`.
func (d *Driver) RebuildStatus(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica) (commandgateway.Result, error) {
	if replica.Endpoint == nil {
		return commandgateway.Result{}, blockerrors.New(blockerrors.KindNoReplicaEndpoint, "replica %s has no endpoint", replica.Name)
	}
	res, err := d.gateway.Exec(ctx, block, []string{"replica-rebuild-status", *replica.Endpoint})
	return res, err
}

// VerifyRebuild runs `longhorn verify-rebuild-replica --replica-instance-name <id> <endpoint>`.
func (d *Driver) VerifyRebuild(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica) (commandgateway.Result, error) {
	if replica.Endpoint == nil {
		return commandgateway.Result{}, blockerrors.New(blockerrors.KindNoReplicaEndpoint, "replica %s has no endpoint", replica.Name)
	}
	res, err := d.gateway.Exec(ctx, block, []string{"verify-rebuild-replica", "--replica-instance-name", replica.ID, *replica.Endpoint})
	return res, err
}

var monikerAdjectives = []string{"amber", "quiet", "brisk", "lunar", "cedar", "violet", "crimson", "hollow", "solar", "nimble"}
var monikerNouns = []string{"ridge", "harbor", "falcon", "ember", "willow", "cobalt", "meadow", "grove", "summit", "delta"}

// moniker generates a three-token human-readable replica name suffix, the
// idiom spec.md §4.3 calls for in place of a raw UID.
func moniker() string {
	a := monikerAdjectives[rand.Intn(len(monikerAdjectives))]
	n := monikerNouns[rand.Intn(len(monikerNouns))]
	s := rand.Intn(10000)
	return strings.Join([]string{a, n, fmt.Sprintf("%04d", s)}, "-")
}
