package eventmux_test

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/entitystore"
	"github.com/rancher/block-orchestrator/pkg/entitystore/memstore"
	"github.com/rancher/block-orchestrator/pkg/eventmux"
	"github.com/rancher/block-orchestrator/pkg/lockmanager"
	orchestratorfake "github.com/rancher/block-orchestrator/pkg/orchestrator/fake"
	"github.com/rancher/block-orchestrator/pkg/replicadriver"
)

type stubController struct {
	calls int
}

func (c *stubController) UpdateFrontendState(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	c.calls++
	return block, nil
}

type stubReplicas struct {
	added, removed int
}

func (r *stubReplicas) AddReplicaToFrontend(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica, opts replicadriver.AddOptions) (*blockv1.Block, error) {
	r.added++
	return block, nil
}

func (r *stubReplicas) RemoveReplicaFromFrontend(ctx context.Context, block *blockv1.Block, replica *blockv1.Replica) (*blockv1.Block, error) {
	r.removed++
	return block, nil
}

func waitFor(t *testing.T, store entitystore.Store, id string, pred func(*blockv1.Block) bool) *blockv1.Block {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		block, err := store.Get(context.Background(), id, false)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if block != nil && pred(block) {
			return block
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met for block %s before deadline", id)
	return nil
}

// TestDispatchControllerRunningBringsBlockOnline exercises spec.md §4.6's
// controller-pod-Running transition: the block flips Online and every
// replica is offered to AddReplicaToFrontend.
func TestDispatchControllerRunningBringsBlockOnline(t *testing.T) {
	client := orchestratorfake.New()
	store := memstore.New()
	controller := &stubController{}
	replicas := &stubReplicas{}
	locks := lockmanager.New()

	pod := &corev1.Pod{}
	pod.Name = "v1"
	created, err := client.CreatePod(context.Background(), "storage", pod)
	if err != nil {
		t.Fatalf("CreatePod: %v", err)
	}

	block := &blockv1.Block{
		Name: "v1", Namespace: "storage",
		Controller: &blockv1.PodHandle{UID: string(created.UID), Name: created.Name, Namespace: created.Namespace},
		Replicas: []blockv1.Replica{
			{ID: "r1", Name: "r1", Healthy: true, Pod: &blockv1.PodHandle{UID: "other-uid", Name: "r1", Namespace: "storage"}},
		},
	}
	if err := store.Create(context.Background(), block); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mux := eventmux.New(client, store, controller, replicas, locks, "storage")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Run(ctx)

	client.SetPodPhase("storage", "v1", corev1.PodRunning, "")

	waitFor(t, store, block.ID, func(b *blockv1.Block) bool { return b.Online })

	if controller.calls == 0 {
		t.Errorf("expected UpdateFrontendState to be called")
	}
	if replicas.added == 0 {
		t.Errorf("expected AddReplicaToFrontend to be offered the existing replica")
	}
}

// TestDispatchReplicaRunningMarksHealthy exercises spec.md §4.6's
// replica-pod-Running transition.
func TestDispatchReplicaRunningMarksHealthy(t *testing.T) {
	client := orchestratorfake.New()
	store := memstore.New()
	controller := &stubController{}
	replicas := &stubReplicas{}
	locks := lockmanager.New()

	replicaPod := &corev1.Pod{}
	replicaPod.Name = "block-replica-v1-a"
	created, err := client.CreatePod(context.Background(), "storage", replicaPod)
	if err != nil {
		t.Fatalf("CreatePod: %v", err)
	}

	block := &blockv1.Block{
		Name: "v1", Namespace: "storage", Online: true,
		Replicas: []blockv1.Replica{
			{ID: "r1", Name: "block-replica-v1-a", Healthy: false,
				Pod: &blockv1.PodHandle{UID: string(created.UID), Name: created.Name, Namespace: created.Namespace}},
		},
	}
	if err := store.Create(context.Background(), block); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mux := eventmux.New(client, store, controller, replicas, locks, "storage")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Run(ctx)

	client.SetPodPhase("storage", "block-replica-v1-a", corev1.PodRunning, "10.0.0.9")

	final := waitFor(t, store, block.ID, func(b *blockv1.Block) bool {
		return len(b.Replicas) == 1 && b.Replicas[0].Healthy
	})
	if final.Replicas[0].IP == nil || *final.Replicas[0].IP != "10.0.0.9" {
		t.Errorf("expected the replica's IP to be recorded, got %+v", final.Replicas[0])
	}
	if replicas.added == 0 {
		t.Errorf("expected AddReplicaToFrontend to be called")
	}
}
