package reconciler_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/commandgateway"
	"github.com/rancher/block-orchestrator/pkg/entitystore"
	"github.com/rancher/block-orchestrator/pkg/entitystore/memstore"
	"github.com/rancher/block-orchestrator/pkg/enginecontroller"
	"github.com/rancher/block-orchestrator/pkg/eventmux"
	"github.com/rancher/block-orchestrator/pkg/lockmanager"
	"github.com/rancher/block-orchestrator/pkg/orchestrator"
	orchestratorfake "github.com/rancher/block-orchestrator/pkg/orchestrator/fake"
	"github.com/rancher/block-orchestrator/pkg/reconciler"
	"github.com/rancher/block-orchestrator/pkg/replicadriver"
	substratefake "github.com/rancher/block-orchestrator/pkg/substrate/fake"
)

// fakeEvents discards domain events, satisfying enginecontroller.EventEmitter.
type fakeEvents struct{}

func (fakeEvents) Emit(event string, block *blockv1.Block) {}

// chainFollower wires a *reconciler.Reconciler back into the
// enginecontroller.Follower interface after construction, the same
// indirection cmd/block-orchestrator/start.go uses to break the
// construction cycle between the two packages.
type chainFollower struct {
	r *reconciler.Reconciler
}

func (f *chainFollower) OnFrontendUp(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	return f.r.OnFrontendUp(ctx, block)
}

func (f *chainFollower) OnFrontendDown(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	return f.r.OnFrontendDown(ctx, block)
}

// stubTerminal answers mkfs/mount/umount/df/du with fixed output, standing
// in for pkg/substrate.NodeTerminal.
type stubTerminal struct{}

func (stubTerminal) Run(ctx context.Context, nodeID string, argv []string) (string, string, error) {
	if len(argv) > 0 && argv[0] == "df" {
		return "Filesystem 1G-blocks Used Avail Use% Mounted\n/dev/longhorn/v1 10 1 9 10% /mnt/v1\n", "", nil
	}
	if len(argv) > 0 && argv[0] == "du" {
		return "1048576\t/mnt/replica\n", "", nil
	}
	return "", "", nil
}

func fakeExec(command []string) (orchestrator.ExecResult, error) {
	if strings.Contains(strings.Join(command, " "), "info") {
		body, _ := json.Marshal(map[string]string{"frontendState": "up", "endpoint": "/dev/longhorn/v1"})
		return orchestrator.ExecResult{Stdout: string(body)}, nil
	}
	return orchestrator.ExecResult{}, nil
}

type harness struct {
	rec    *reconciler.Reconciler
	store  entitystore.Store
	client *orchestratorfake.Client
	node   string
}

func setup(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	client := orchestratorfake.New()
	client.ExecFn = func(namespace, name string, command []string) (orchestrator.ExecResult, error) {
		return fakeExec(command)
	}
	sub := substratefake.New()
	node := sub.AddNode("node-1", 20*1024, 20*1024, 20*1024)

	gateway := commandgateway.New(client)
	follower := &chainFollower{}
	controller := enginecontroller.New(client, gateway, sub, store, fakeEvents{}, follower, enginecontroller.Config{
		EngineImage: "longhornio/longhorn-engine:test",
		Frontend:    "tgt-blockdev",
	})
	replicas := replicadriver.New(client, gateway, sub, sub, sub, store, controller, replicadriver.Config{
		EngineImage: "longhornio/longhorn-engine:test",
	})
	locks := lockmanager.New()
	rec := reconciler.New(store, controller, replicas, sub, sub, sub, stubTerminal{}, locks, reconciler.Config{
		ReplicaCount: 3,
		DefaultSize:  10,
		Namespace:    "storage",
	})
	follower.r = rec

	mux := eventmux.New(client, store, controller, replicas, locks, "storage")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mux.Run(ctx)

	return &harness{rec: rec, store: store, client: client, node: node}
}

// waitFor polls the store until pred reports true or the deadline passes,
// standing in for the asynchronous settling the real pod-event channel
// introduces between SetPodPhase and the multiplexer's dispatch.
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

func ipFor(i int) string {
	return []string{"10.0.0.11", "10.0.0.12", "10.0.0.13"}[i%3]
}

// TestProvisionThenMount exercises spec.md §8 scenario 1: provision a
// block, bring every replica and the controller pod Running, and expect
// the reconciler to land on {online, frontendState, formatted, mounted}.
func TestProvisionThenMount(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	block, err := h.rec.Provision(ctx, reconciler.ProvisionRequest{
		Name: "v1", Node: h.node, Cluster: "default", Size: 10, ReplicaCount: 3,
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(block.Replicas) != 3 {
		t.Fatalf("expected 3 replicas, got %d", len(block.Replicas))
	}
	if block.Controller == nil {
		t.Fatalf("expected a controller pod handle")
	}

	for i, r := range block.Replicas {
		h.client.SetPodPhase(r.Pod.Namespace, r.Pod.Name, corev1.PodRunning, ipFor(i))
	}
	h.client.SetPodPhase(block.Controller.Namespace, block.Controller.Name, corev1.PodRunning, "")

	final := waitFor(t, h.store, block.ID, func(b *blockv1.Block) bool {
		return b.Online && b.Formatted && b.Mounted
	})
	if !final.Online || !final.Formatted || !final.Mounted {
		t.Fatalf("expected online+formatted+mounted, got %+v", final)
	}
}

// TestDeprovisionRejectsMountedBlock covers the BlockMounted guard.
func TestDeprovisionRejectsMountedBlock(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	block, err := h.rec.Provision(ctx, reconciler.ProvisionRequest{Name: "v2", Node: h.node, Cluster: "default", Size: 10, ReplicaCount: 1})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	block = block.DeepCopy()
	block.Mounted = true
	if _, err := h.store.Update(ctx, block); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := h.rec.Deprovision(ctx, block); err == nil {
		t.Fatalf("expected Deprovision to fail on a mounted block")
	}
}

// TestBalanceBlockGrowsTowardTarget covers §4.5's under-target branch.
func TestBalanceBlockGrowsTowardTarget(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	block, err := h.rec.Provision(ctx, reconciler.ProvisionRequest{Name: "v3", Node: h.node, Cluster: "default", Size: 10, ReplicaCount: 1})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	block = block.DeepCopy()
	block.ReplicaCount = 3
	block, err = h.store.Update(ctx, block)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	balanced, err := h.rec.BalanceBlock(ctx, block)
	if err != nil {
		t.Fatalf("BalanceBlock: %v", err)
	}
	if len(balanced.Replicas) != 3 {
		t.Fatalf("expected 3 replicas after balance, got %d", len(balanced.Replicas))
	}
}
