// Package reconciler implements C5: the volume state machine. It
// composes C2 (enginecontroller) and C3 (replicadriver) through narrow
// interfaces; C4 (snapshot) is not used here and is driven by the HTTP
// facade directly. The collaborators are held rather than embedded, so each
// collaborator stays independently testable — the composition-by-interface
// idiom the teacher uses to wire its actuator/scope/reconciler triad,
// applied here instead of a mixin/prototype merge.
package reconciler

import (
	"context"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/blockerrors"
	"github.com/rancher/block-orchestrator/pkg/commandgateway"
	"github.com/rancher/block-orchestrator/pkg/enginecontroller"
	"github.com/rancher/block-orchestrator/pkg/entitystore"
	"github.com/rancher/block-orchestrator/pkg/lockmanager"
	"github.com/rancher/block-orchestrator/pkg/replicadriver"
	"github.com/rancher/block-orchestrator/pkg/substrate"
	"github.com/rancher/block-orchestrator/pkg/types"
)

// ControllerDriver is the subset of pkg/enginecontroller.Driver the
// Reconciler drives. enginecontroller doesn't import this package — it
// depends only on its own Follower interface, which Reconciler
// implements — so the dependency runs one way.
type ControllerDriver interface {
	CreateController(ctx context.Context, block *blockv1.Block, opts enginecontroller.Options) (*blockv1.Block, error)
	DeleteController(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error)
	UpdateFrontendState(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error)
}

// ReplicaDriver is the subset of pkg/replicadriver.Driver the Reconciler
// drives. It carries the same AddReplicaToFrontend/RemoveReplicaFromFrontend
// pair pkg/eventmux's own ReplicaDriver requires, since CheckPods (spec.md
// §4.5) attaches and detaches replicas exactly like the event dispatch path
// does.
type ReplicaDriver interface {
	CreateReplica(ctx context.Context, block *blockv1.Block, disk substrate.Disk) (*blockv1.Block, error)
	RemoveReplicaFromBlock(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica) (*blockv1.Block, error)
	AddReplicaToFrontend(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica, opts replicadriver.AddOptions) (*blockv1.Block, error)
	RemoveReplicaFromFrontend(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica) (*blockv1.Block, error)
}

// NodeTerminal is the collaborator used for host-level mkfs/mount/umount/
// df/fstrim, per spec.md §1's "Node terminal" substrate interface.
type NodeTerminal interface {
	Run(ctx context.Context, nodeID string, argv []string) (stdout, stderr string, err error)
}

// Store is the subset of entitystore.Store the Reconciler needs directly
// (beyond what C2/C3 already persist through).
type Store interface {
	Get(ctx context.Context, id string, includeDeleted bool) (*blockv1.Block, error)
	Find(ctx context.Context, q entitystore.Query) ([]*blockv1.Block, error)
	Create(ctx context.Context, b *blockv1.Block) error
	Update(ctx context.Context, b *blockv1.Block) (*blockv1.Block, error)
	SoftRemove(ctx context.Context, id string) error
}

// Config carries the recognised options of spec.md §6.
type Config struct {
	ReplicaCount            int
	ReplicaSoftAntiAffinity bool
	DefaultSize             int64
	Namespace               string
	StaleReplicaTimeout     time.Duration
}

// Reconciler is C5's implementation.
type Reconciler struct {
	store      Store
	controller ControllerDriver
	replicas   ReplicaDriver
	folders    substrate.FolderService
	disks      substrate.DiskService
	nodes      substrate.NodeService
	terminal   NodeTerminal
	locks      lockmanager.Locker
	config     Config
}

// New builds a Reconciler. locks is the same per-block lock the HTTP
// facade and the event multiplexer acquire (spec.md invariant 4); Provision
// takes it itself, keyed by the new block's ID, since it's the one mutating
// path that creates a block rather than being routed to an existing one.
func New(store Store, controller ControllerDriver, replicas ReplicaDriver, folders substrate.FolderService, disks substrate.DiskService, nodes substrate.NodeService, terminal NodeTerminal, locks lockmanager.Locker, config Config) *Reconciler {
	return &Reconciler{store: store, controller: controller, replicas: replicas, folders: folders, disks: disks, nodes: nodes, terminal: terminal, locks: locks, config: config}
}

// ProvisionRequest is the input to Provision.
type ProvisionRequest struct {
	Name         string
	Node         string
	Cluster      string
	Size         int64
	ReplicaCount int
}

// Provision creates a new Block, its controller pod, and its initial
// replica set, per spec.md §4.5.
func (r *Reconciler) Provision(ctx context.Context, req ProvisionRequest) (*blockv1.Block, error) {
	existing, err := r.store.Find(ctx, entitystore.Query{Name: req.Name})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, blockerrors.New(blockerrors.KindBlockExists, "block %s", req.Name)
	}

	node, err := r.nodes.Get(ctx, req.Node)
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindNodeNotFound, "resolving node %s", req.Node)
	}

	size := req.Size
	if size == 0 {
		size = r.config.DefaultSize
	}
	replicaCount := req.ReplicaCount
	if replicaCount == 0 {
		replicaCount = r.config.ReplicaCount
	}

	disks, err := r.disks.Disks(ctx, node.ID)
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindNodeStorageNotFound, "resolving disks on node %s", req.Node)
	}
	if len(disks) == 0 {
		return nil, blockerrors.New(blockerrors.KindNodeStorageNotFound, "node %s has no disks", req.Node)
	}

	folder, err := r.folders.Provision(ctx, disks[0].ID, "block")
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindNodeStorageNotFound, "provisioning mount point on node %s", req.Node)
	}

	block := &blockv1.Block{
		Name:         req.Name,
		Cluster:      req.Cluster,
		Namespace:    r.config.Namespace,
		Node:         req.Node,
		Size:         size,
		ReplicaCount: replicaCount,
		MountPoint:   folder.Path,
		Status:       string(types.BlockStatusPending),
		Replicas:     []blockv1.Replica{},
	}
	if err := r.store.Create(ctx, block); err != nil {
		return nil, err
	}

	// block.ID is now visible to the HTTP facade and the event multiplexer,
	// so everything past this point runs under the same per-block lock
	// they acquire before mutating it (spec.md invariant 4).
	err = r.locks.WithLock(block.ID, func() error {
		created, err := r.controller.CreateController(ctx, block, enginecontroller.Options{})
		if err != nil {
			return err
		}
		block = created

		budget := size * 1024
		var excludeDisks []string
		available, err := r.disks.AvailableDisks(ctx, req.Cluster, budget, excludeDisks, replicaCount)
		if err != nil {
			return blockerrors.Wrap(err, blockerrors.KindNodeStorageNotFound, "resolving available disks for block %s", req.Name)
		}

		for _, d := range available {
			next, err := r.replicas.CreateReplica(ctx, block, d)
			if err != nil {
				klog.Warningf("%s: Provision: CreateReplica on disk %s failed: %v", req.Name, d.ID, err)
				continue
			}
			block = next
		}
		if len(block.Replicas) < replicaCount {
			klog.Warningf("%s: Provision: only allocated %d/%d replicas", req.Name, len(block.Replicas), replicaCount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return block, nil
}

// Deprovision tears a Block down entirely: best-effort delete controller,
// remove every replica, deprovision the mount-point folder, soft-delete
// the entity. Fails BlockMounted if mounted.
func (r *Reconciler) Deprovision(ctx context.Context, block *blockv1.Block) error {
	if block.Mounted {
		return blockerrors.New(blockerrors.KindBlockMounted, "block %s is mounted", block.Name)
	}

	if block.Controller != nil {
		if updated, err := r.controller.DeleteController(ctx, block); err != nil {
			klog.Warningf("%s: Deprovision: DeleteController failed: %v", block.Name, err)
		} else {
			block = updated
		}
	}

	for _, replica := range append([]blockv1.Replica(nil), block.Replicas...) {
		replica := replica
		updated, err := r.replicas.RemoveReplicaFromBlock(ctx, block, &replica)
		if err != nil {
			klog.Warningf("%s: Deprovision: RemoveReplicaFromBlock %s failed: %v", block.Name, replica.Name, err)
			continue
		}
		block = updated
	}

	if block.MountPoint != "" {
		if err := r.folders.Deprovision(ctx, block.MountPoint); err != nil {
			klog.Warningf("%s: Deprovision: deprovisioning mount point failed: %v", block.Name, err)
		}
	}

	return r.store.SoftRemove(ctx, block.ID)
}

// OnFrontendUp implements enginecontroller.Follower: format (if needed)
// then mount, per spec.md §4.2's UpdateFrontendState follow-on.
func (r *Reconciler) OnFrontendUp(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	if !block.Formatted {
		formatted, err := r.Format(ctx, block, FormatOptions{})
		if err != nil {
			klog.Warningf("%s: OnFrontendUp: Format failed: %v", block.Name, err)
			return block, nil
		}
		block = formatted
	}
	mounted, err := r.Mount(ctx, block, MountOptions{})
	if err != nil {
		klog.Warningf("%s: OnFrontendUp: Mount failed: %v", block.Name, err)
		return block, nil
	}
	return mounted, nil
}

// OnFrontendDown implements enginecontroller.Follower: unmount, per
// spec.md §4.2's UpdateFrontendState follow-on.
func (r *Reconciler) OnFrontendDown(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	unmounted, err := r.Unmount(ctx, block, UnmountOptions{Force: true})
	if err != nil {
		klog.Warningf("%s: OnFrontendDown: Unmount failed: %v", block.Name, err)
		return block, nil
	}
	return unmounted, nil
}

// FormatOptions configures Format.
type FormatOptions struct {
	Force   bool
	Type    string
	Reserve int
}

// Format runs mkfs on the block device via the node terminal. Fails
// BlockFormatted unless force, BlockMounted if mounted.
func (r *Reconciler) Format(ctx context.Context, block *blockv1.Block, opts FormatOptions) (*blockv1.Block, error) {
	if block.Formatted && !opts.Force {
		return nil, blockerrors.New(blockerrors.KindBlockFormatted, "block %s is already formatted", block.Name)
	}
	if block.Mounted {
		return nil, blockerrors.New(blockerrors.KindBlockMounted, "block %s is mounted", block.Name)
	}
	if block.Device == nil {
		return nil, blockerrors.New(blockerrors.KindNoController, "block %s has no device", block.Name)
	}
	fsType := opts.Type
	if fsType == "" {
		fsType = "ext4"
	}

	argv := []string{"mkfs", "-t", fsType, "-m", strconv.Itoa(opts.Reserve), "-L", block.Name, *block.Device}
	_, stderr, err := r.terminal.Run(ctx, block.Node, argv)
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "mkfs: %s", stderr)
	}

	updated := block.DeepCopy()
	updated.Formatted = true
	return r.store.Update(ctx, updated)
}

// MountOptions configures Mount.
type MountOptions struct {
	Force bool
}

// Mount mounts the block device at its folder's path. Fails BlockMounted
// unless force, BlockNotFormatted otherwise.
func (r *Reconciler) Mount(ctx context.Context, block *blockv1.Block, opts MountOptions) (*blockv1.Block, error) {
	if block.Mounted && !opts.Force {
		return nil, blockerrors.New(blockerrors.KindBlockMounted, "block %s is already mounted", block.Name)
	}
	if !block.Formatted {
		return nil, blockerrors.New(blockerrors.KindBlockNotFormatted, "block %s is not formatted", block.Name)
	}
	if block.Device == nil {
		return nil, blockerrors.New(blockerrors.KindNoController, "block %s has no device", block.Name)
	}

	argv := []string{"mount", *block.Device, block.MountPoint}
	_, stderr, err := r.terminal.Run(ctx, block.Node, argv)
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "mount: %s", stderr)
	}

	updated := block.DeepCopy()
	updated.Mounted = true
	return r.store.Update(ctx, updated)
}

// UnmountOptions configures Unmount.
type UnmountOptions struct {
	Force bool
}

// Unmount unmounts the block device. Fails BlockNotMounted unless force.
func (r *Reconciler) Unmount(ctx context.Context, block *blockv1.Block, opts UnmountOptions) (*blockv1.Block, error) {
	if !block.Mounted && !opts.Force {
		return nil, blockerrors.New(blockerrors.KindBlockNotMounted, "block %s is not mounted", block.Name)
	}

	argv := []string{"umount", block.MountPoint}
	_, stderr, err := r.terminal.Run(ctx, block.Node, argv)
	if err != nil {
		return nil, blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "umount: %s", stderr)
	}

	updated := block.DeepCopy()
	updated.Mounted = false
	return r.store.Update(ctx, updated)
}

// Usage reports df/du-derived usage. The struct mirrors the HTTP
// response shape of spec.md §6.
type Usage struct {
	SizeGiB      int64              `json:"size"`
	UsedGiB      float64            `json:"used"`
	AvailableGiB float64            `json:"available"`
	UsedPercent  float64            `json:"usedPercent"`
	Replicas     []ReplicaUsage     `json:"replicas"`
}

// ReplicaUsage reports one replica's folder size, -1 when unhealthy.
type ReplicaUsage struct {
	ReplicaID string  `json:"replicaId"`
	UsedGiB   float64 `json:"used"`
}

// Usage runs `df <mountPoint>` plus `du -s <folder>` per replica.
func (r *Reconciler) Usage(ctx context.Context, block *blockv1.Block) (*Usage, *blockv1.Block, error) {
	stdout, stderr, err := r.terminal.Run(ctx, block.Node, []string{"df", block.MountPoint})
	if err != nil {
		return nil, nil, blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "df: %s", stderr)
	}
	df, err := commandgateway.ParseDF(stdout)
	if err != nil {
		return nil, nil, blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "parsing df output")
	}

	usage := &Usage{SizeGiB: block.Size, UsedGiB: df.UsedGiB, AvailableGiB: df.AvailGiB, UsedPercent: df.UsedPercent}
	for _, replica := range block.Replicas {
		if !replica.Healthy {
			usage.Replicas = append(usage.Replicas, ReplicaUsage{ReplicaID: replica.ID, UsedGiB: -1})
			continue
		}
		folder, err := r.folders.GetFolder(ctx, replica.Folder)
		if err != nil {
			usage.Replicas = append(usage.Replicas, ReplicaUsage{ReplicaID: replica.ID, UsedGiB: -1})
			continue
		}
		out, _, err := r.terminal.Run(ctx, replica.Node, []string{"du", "-s", folder.Path})
		if err != nil {
			usage.Replicas = append(usage.Replicas, ReplicaUsage{ReplicaID: replica.ID, UsedGiB: -1})
			continue
		}
		gib, err := commandgateway.ParseDU(out)
		if err != nil {
			usage.Replicas = append(usage.Replicas, ReplicaUsage{ReplicaID: replica.ID, UsedGiB: -1})
			continue
		}
		usage.Replicas = append(usage.Replicas, ReplicaUsage{ReplicaID: replica.ID, UsedGiB: gib})
	}

	updated := block.DeepCopy()
	updated.Used = int64(df.UsedGiB)
	persisted, err := r.store.Update(ctx, updated)
	if err != nil {
		return nil, nil, err
	}
	return usage, persisted, nil
}

// Trim runs `fstrim <mountPoint>`.
func (r *Reconciler) Trim(ctx context.Context, block *blockv1.Block) error {
	_, stderr, err := r.terminal.Run(ctx, block.Node, []string{"fstrim", block.MountPoint})
	if err != nil {
		return blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "fstrim: %s", stderr)
	}
	return nil
}

// PodStatus is the minimal pod-status view CheckPods needs, decoupled
// from corev1.Pod so this package stays free of the orchestrator import.
type PodStatus struct {
	Exists  bool
	Running bool
	IP      string
}

// PodLookup resolves the current status of a controller or replica pod.
type PodLookup interface {
	Status(ctx context.Context, namespace, name string) (PodStatus, error)
}

// CheckPods reconciles block/replica status against current pod state,
// per spec.md §4.5: CheckController then CheckReplicas, finishing with
// UpdateFrontendState.
func (r *Reconciler) CheckPods(ctx context.Context, block *blockv1.Block, pods PodLookup) (*blockv1.Block, error) {
	block, err := r.checkController(ctx, block, pods)
	if err != nil {
		return nil, err
	}
	block, err = r.checkReplicas(ctx, block, pods)
	if err != nil {
		return nil, err
	}
	return r.controller.UpdateFrontendState(ctx, block)
}

func (r *Reconciler) checkController(ctx context.Context, block *blockv1.Block, pods PodLookup) (*blockv1.Block, error) {
	if block.Controller == nil {
		return nil, blockerrors.New(blockerrors.KindControllerNotFound, "block %s has no controller", block.Name)
	}
	status, err := pods.Status(ctx, block.Namespace, block.Controller.Name)
	if err != nil {
		return nil, err
	}
	if !status.Exists {
		return nil, blockerrors.New(blockerrors.KindControllerNotFound, "controller pod %s missing", block.Controller.Name)
	}

	updated := block.DeepCopy()
	if !status.Running && block.Online {
		updated.Online = false
	} else if status.Running && !block.Online {
		updated.Online = true
	} else {
		return block, nil
	}
	return r.store.Update(ctx, updated)
}

// checkReplicas implements spec.md §4.5's per-replica cases: missing pod
// removes the replica from the frontend and marks it unhealthy; a
// non-Running pod detaches it and marks it repairing, then attempts a
// reattach; a Running pod that was unhealthy gets its ip/endpoint
// populated, is marked healthy, and is re-attached. Attach/detach follows
// the same mutate-then-persist-then-drive order pkg/eventmux's
// dispatchReplica uses, so a pod event and a reconcile pass racing on the
// same replica (serialized by the block lock, not by ordering here) leave
// equivalent state either way.
func (r *Reconciler) checkReplicas(ctx context.Context, block *blockv1.Block, pods PodLookup) (*blockv1.Block, error) {
	for i := range block.Replicas {
		replica := block.Replicas[i]
		if replica.Pod == nil {
			continue
		}
		status, err := pods.Status(ctx, block.Namespace, replica.Pod.Name)
		if err != nil {
			klog.Warningf("%s: checkReplicas: status for %s failed: %v", block.Name, replica.Pod.Name, err)
			continue
		}

		switch {
		case !status.Exists:
			if _, err := r.replicas.RemoveReplicaFromFrontend(ctx, block, &replica); err != nil {
				klog.Warningf("%s: checkReplicas: RemoveReplicaFromFrontend %s failed: %v", block.Name, replica.Name, err)
			}
			block, err = r.setReplicaStatus(ctx, block, replica.ID, false, types.ReplicaStatusUnhealthy, "")
			if err != nil {
				return nil, err
			}

		case !status.Running:
			if _, err := r.replicas.RemoveReplicaFromFrontend(ctx, block, &replica); err != nil {
				klog.Warningf("%s: checkReplicas: RemoveReplicaFromFrontend %s failed: %v", block.Name, replica.Name, err)
			}
			block, err = r.setReplicaStatus(ctx, block, replica.ID, false, types.ReplicaStatusRepairing, "")
			if err != nil {
				return nil, err
			}
			if attached := block.ReplicaByID(replica.ID); attached != nil {
				if next, err := r.replicas.AddReplicaToFrontend(ctx, block, attached, replicadriver.AddOptions{}); err != nil {
					klog.Warningf("%s: checkReplicas: reattach attempt for %s failed: %v", block.Name, replica.Name, err)
				} else {
					block = next
				}
			}

		case status.Running && !replica.Healthy:
			block, err = r.setReplicaStatus(ctx, block, replica.ID, true, types.ReplicaStatusHealthy, status.IP)
			if err != nil {
				return nil, err
			}
			if attached := block.ReplicaByID(replica.ID); attached != nil {
				if next, err := r.replicas.AddReplicaToFrontend(ctx, block, attached, replicadriver.AddOptions{}); err != nil {
					klog.Warningf("%s: checkReplicas: AddReplicaToFrontend %s failed: %v", block.Name, replica.Name, err)
				} else {
					block = next
				}
			}

		default:
			continue
		}
	}
	return r.reapStaleReplicas(ctx, block)
}

// setReplicaStatus applies a health/status transition to one replica (and,
// when ip is non-empty, the ip/endpoint it derives) and persists it,
// stamping StatusSince only when the status actually changed.
func (r *Reconciler) setReplicaStatus(ctx context.Context, block *blockv1.Block, replicaID string, healthy bool, status types.ReplicaStatus, ip string) (*blockv1.Block, error) {
	updated := block.DeepCopy()
	r2 := updated.ReplicaByID(replicaID)
	if r2 == nil {
		return block, nil
	}
	prevStatus := r2.Status
	r2.Healthy = healthy
	r2.Status = string(status)
	if !healthy {
		r2.Attached = false
	}
	if ip != "" {
		endpoint := blockv1.Endpoint(ip)
		r2.IP = &ip
		r2.Endpoint = &endpoint
	}
	if r2.Status != prevStatus {
		now := time.Now()
		r2.StatusSince = &now
	}
	return r.store.Update(ctx, updated)
}

// reapStaleReplicas drops replicas that have sat in repairing status past
// storage.blocks.staleReplicaTimeout (spec.md §6): rather than waiting
// indefinitely for a pod event that may never arrive, the replica is torn
// down and BalanceBlock is left to grow a replacement on the next pass.
func (r *Reconciler) reapStaleReplicas(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	if r.config.StaleReplicaTimeout <= 0 {
		return block, nil
	}
	for _, replica := range block.Replicas {
		if replica.Status != string(types.ReplicaStatusRepairing) || replica.StatusSince == nil {
			continue
		}
		if time.Since(*replica.StatusSince) < r.config.StaleReplicaTimeout {
			continue
		}
		replica := replica
		klog.Infof("%s: reapStaleReplicas: removing %s, repairing since %s", block.Name, replica.Name, replica.StatusSince)
		updated, err := r.replicas.RemoveReplicaFromBlock(ctx, block, &replica)
		if err != nil {
			klog.Warningf("%s: reapStaleReplicas: RemoveReplicaFromBlock %s failed: %v", block.Name, replica.Name, err)
			continue
		}
		block = updated
	}
	return block, nil
}

// BalanceBlock reconciles replicas.length toward replicaCount, per
// spec.md §4.5.
func (r *Reconciler) BalanceBlock(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	target := block.ReplicaCount
	if target == 0 {
		target = r.config.ReplicaCount
	}

	switch {
	case len(block.Replicas) < target:
		block = r.balanceUnder(ctx, block, target)
	case len(block.Replicas) > target:
		block = r.balanceOver(ctx, block, target)
	default:
		if block.Locality == string(types.LocalityRemote) {
			block = r.balanceRemote(ctx, block)
		}
	}

	return r.controller.UpdateFrontendState(ctx, block)
}

func (r *Reconciler) balanceUnder(ctx context.Context, block *blockv1.Block, target int) *blockv1.Block {
	for len(block.Replicas) < target {
		exclude := diskIDs(block.Replicas)
		disks, err := r.disks.AvailableDisks(ctx, block.Cluster, block.Size*1024, exclude, 1)
		if err != nil || len(disks) == 0 {
			klog.Warningf("%s: BalanceBlock: no available disk to grow toward %d replicas", block.Name, target)
			break
		}
		updated, err := r.replicas.CreateReplica(ctx, block, disks[0])
		if err != nil {
			klog.Warningf("%s: BalanceBlock: CreateReplica failed: %v", block.Name, err)
			break
		}
		block = updated
	}
	return block
}

// balanceOver removes replicas highest-removal-priority first: unhealthy
// replicas before healthy ones, and non-local replicas before the one
// sharing block.Node, per removalOrder in priority.go.
func (r *Reconciler) balanceOver(ctx context.Context, block *blockv1.Block, target int) *blockv1.Block {
	candidates := removalOrder(block.Replicas, block.Node)
	for _, replica := range candidates {
		if len(block.Replicas) <= target {
			break
		}
		replica := replica
		updated, err := r.replicas.RemoveReplicaFromBlock(ctx, block, &replica)
		if err != nil {
			klog.Warningf("%s: BalanceBlock: RemoveReplicaFromBlock %s failed: %v", block.Name, replica.Name, err)
			continue
		}
		block = updated
	}
	return block
}

func (r *Reconciler) balanceRemote(ctx context.Context, block *blockv1.Block) *blockv1.Block {
	exclude := map[string]bool{}
	for _, id := range diskIDs(block.Replicas) {
		exclude[id] = true
	}
	disks, _ := r.disks.Disks(ctx, block.Node)
	var local *substrate.Disk
	for i := range disks {
		if !exclude[disks[i].ID] && disks[i].AvailableMiB >= block.Size*1024 {
			local = &disks[i]
			break
		}
	}
	if local == nil {
		klog.V(2).Infof("%s: BalanceBlock: no local disk available to restore locality", block.Name)
		return block
	}
	// Best-effort: the new local replica is created; the spec defers the
	// actual removal of a remote replica to a subsequent balance pass
	// ("later, outside this spec step").
	updated, err := r.replicas.CreateReplica(ctx, block, *local)
	if err != nil {
		klog.Warningf("%s: BalanceBlock: creating locality replica failed: %v", block.Name, err)
		return block
	}
	return updated
}

func diskIDs(replicas []blockv1.Replica) []string {
	out := make([]string, 0, len(replicas))
	for _, r := range replicas {
		out = append(out, r.Disk)
	}
	return out
}

