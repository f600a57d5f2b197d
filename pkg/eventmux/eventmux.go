// Package eventmux implements the pod-event half of C6: mapping
// orchestrator pod events onto the Block they belong to and dispatching
// the four state transitions of spec.md §4.6, each funnelled through the
// per-block lock (pkg/lockmanager) before touching the entity store.
package eventmux

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/lockmanager"
	"github.com/rancher/block-orchestrator/pkg/orchestrator"
	"github.com/rancher/block-orchestrator/pkg/replicadriver"
	"github.com/rancher/block-orchestrator/pkg/types"
)

// ControllerDriver is the subset of pkg/enginecontroller.Driver the
// multiplexer needs.
type ControllerDriver interface {
	UpdateFrontendState(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error)
}

// ReplicaDriver is the subset of pkg/replicadriver.Driver the multiplexer
// needs.
type ReplicaDriver interface {
	AddReplicaToFrontend(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica, opts replicadriver.AddOptions) (*blockv1.Block, error)
	RemoveReplicaFromFrontend(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica) (*blockv1.Block, error)
}

// Store is the subset of entitystore.Store the multiplexer needs.
type Store interface {
	FindByPod(ctx context.Context, uid string) (*blockv1.Block, error)
	Update(ctx context.Context, b *blockv1.Block) (*blockv1.Block, error)
}

// Multiplexer is C6's pod-event dispatch half.
type Multiplexer struct {
	client     orchestrator.Client
	store      Store
	controller ControllerDriver
	replicas   ReplicaDriver
	locks      lockmanager.Locker
	namespace  string
}

// New builds a Multiplexer. locks may be either *lockmanager.Manager
// (per-block) or *lockmanager.Global (the literal spec.md behavior) —
// both satisfy lockmanager.Locker.
func New(client orchestrator.Client, store Store, controller ControllerDriver, replicas ReplicaDriver, locks lockmanager.Locker, namespace string) *Multiplexer {
	return &Multiplexer{client: client, store: store, controller: controller, replicas: replicas, locks: locks, namespace: namespace}
}

// Run subscribes to the pod event stream and dispatches until ctx is
// cancelled.
func (m *Multiplexer) Run(ctx context.Context) error {
	events, err := m.client.WatchPods(ctx, m.namespace)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Multiplexer) handle(ctx context.Context, ev orchestrator.PodEvent) {
	if ev.Pod == nil || ev.Pod.Namespace != m.namespace {
		return
	}
	uid := string(ev.Pod.UID)

	// Resolve the owning block before locking: the pod's own name is
	// never a block ID, and the HTTP facade locks by block.ID for every
	// mutating request (spec.md invariant 4) — locking by anything else
	// here would let a pod event and an HTTP-driven mutation on the same
	// block run unserialized.
	block, err := m.store.FindByPod(ctx, uid)
	if err != nil {
		klog.Warningf("eventmux: resolving block for pod %s/%s failed: %v", ev.Pod.Namespace, ev.Pod.Name, err)
		return
	}
	if block == nil {
		return
	}

	err = m.locks.WithLock(block.ID, func() error {
		return m.dispatch(ctx, uid, ev.Pod)
	})
	if err != nil {
		klog.Warningf("eventmux: dispatch for pod %s/%s failed: %v", ev.Pod.Namespace, ev.Pod.Name, err)
	}
}

// dispatch implements spec.md §4.6 step 2-3: resolve the owning Block,
// then run the case matching the pod's role and phase. Unlike the command
// layer, entity-store failures here are fatal for the handler and
// propagate (releasing the lock) per spec.md §7; every other failure is
// caught and logged by the drivers themselves.
func (m *Multiplexer) dispatch(ctx context.Context, uid string, pod *corev1.Pod) error {
	block, err := m.store.FindByPod(ctx, uid)
	if err != nil {
		return err
	}
	if block == nil {
		return nil
	}

	terminating := pod.DeletionTimestamp != nil
	running := pod.Status.Phase == corev1.PodRunning

	if block.Controller != nil && block.Controller.UID == uid {
		return m.dispatchController(ctx, block, running, terminating)
	}
	if replica := block.ReplicaByPodUID(uid); replica != nil {
		return m.dispatchReplica(ctx, block, replica, pod, running, terminating)
	}
	return nil
}

func (m *Multiplexer) dispatchController(ctx context.Context, block *blockv1.Block, running, terminating bool) error {
	switch {
	case running && !block.Online:
		updated := block.DeepCopy()
		updated.Online = true
		persisted, err := m.store.Update(ctx, updated)
		if err != nil {
			return err
		}
		block = persisted
		for i := range block.Replicas {
			replica := block.Replicas[i]
			next, err := m.replicas.AddReplicaToFrontend(ctx, block, &replica, replicadriver.AddOptions{})
			if err != nil {
				klog.Warningf("%s: dispatchController: AddReplicaToFrontend %s failed: %v", block.Name, replica.Name, err)
				continue
			}
			block = next
		}
		_, err = m.controller.UpdateFrontendState(ctx, block)
		return err

	case terminating && block.Online:
		updated := block.DeepCopy()
		updated.Online = false
		updated.Mounted = false
		updated.FrontendState = false
		updated.Device = nil
		_, err := m.store.Update(ctx, updated)
		return err
	}
	return nil
}

func (m *Multiplexer) dispatchReplica(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica, pod *corev1.Pod, running, terminating bool) error {
	switch {
	case running && !replica.Healthy:
		updated := block.DeepCopy()
		r := updated.ReplicaByID(replica.ID)
		r.Healthy = true
		r.Status = string(types.ReplicaStatusHealthy)
		if pod.Status.PodIP != "" {
			ip := pod.Status.PodIP
			ep := blockv1.Endpoint(ip)
			r.IP = &ip
			r.Endpoint = &ep
		}
		persisted, err := m.store.Update(ctx, updated)
		if err != nil {
			return err
		}
		attached := persisted.ReplicaByID(replica.ID)
		next, err := m.replicas.AddReplicaToFrontend(ctx, persisted, attached, replicadriver.AddOptions{})
		if err != nil {
			klog.Warningf("%s: dispatchReplica: AddReplicaToFrontend %s failed: %v", block.Name, replica.Name, err)
			next = persisted
		}
		_, err = m.controller.UpdateFrontendState(ctx, next)
		return err

	case terminating && replica.Healthy:
		if _, err := m.replicas.RemoveReplicaFromFrontend(ctx, block, replica); err != nil {
			klog.Warningf("%s: dispatchReplica: RemoveReplicaFromFrontend %s failed: %v", block.Name, replica.Name, err)
		}
		updated := block.DeepCopy()
		r := updated.ReplicaByID(replica.ID)
		r.Pod = nil
		r.IP = nil
		r.Endpoint = nil
		r.Status = string(types.ReplicaStatusUnhealthy)
		r.Healthy = false
		persisted, err := m.store.Update(ctx, updated)
		if err != nil {
			return err
		}
		_, err = m.controller.UpdateFrontendState(ctx, persisted)
		return err
	}
	return nil
}
