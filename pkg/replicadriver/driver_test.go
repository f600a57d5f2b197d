package replicadriver_test

import (
	"context"
	"testing"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/commandgateway"
	orchestratorfake "github.com/rancher/block-orchestrator/pkg/orchestrator/fake"
	"github.com/rancher/block-orchestrator/pkg/replicadriver"
	substratefake "github.com/rancher/block-orchestrator/pkg/substrate/fake"
)

type stubPersister struct {
	block *blockv1.Block
}

func (p *stubPersister) Update(ctx context.Context, b *blockv1.Block) (*blockv1.Block, error) {
	p.block = b.DeepCopy()
	return p.block.DeepCopy(), nil
}

type stubFrontend struct {
	calls int
}

func (f *stubFrontend) UpdateFrontendState(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	f.calls++
	return block, nil
}

func TestCreateReplicaProvisionsFolderAndAppendsReplica(t *testing.T) {
	client := orchestratorfake.New()
	sub := substratefake.New()
	node := sub.AddNode("node-1", 20*1024)
	disks, err := sub.Disks(context.Background(), node)
	if err != nil || len(disks) != 1 {
		t.Fatalf("Disks: %v (%d disks)", err, len(disks))
	}

	persister := &stubPersister{}
	driver := replicadriver.New(client, commandgateway.New(client), sub, sub, sub, persister, &stubFrontend{}, replicadriver.Config{
		EngineImage: "longhornio/longhorn-engine:test",
	})

	block := &blockv1.Block{ID: "blk-1", Name: "v1", Namespace: "storage", Size: 10}
	updated, err := driver.CreateReplica(context.Background(), block, disks[0])
	if err != nil {
		t.Fatalf("CreateReplica: %v", err)
	}
	if len(updated.Replicas) != 1 {
		t.Fatalf("expected 1 replica, got %d", len(updated.Replicas))
	}
	r := updated.Replicas[0]
	if r.Disk != disks[0].ID || r.Node != node {
		t.Errorf("replica not bound to the provisioned disk/node: %+v", r)
	}
	if r.Pod == nil {
		t.Fatalf("expected a replica pod handle")
	}

	pod, err := client.GetPod(context.Background(), "storage", r.Pod.Name)
	if err != nil || pod == nil {
		t.Fatalf("expected the replica pod to exist, err=%v", err)
	}
}

func TestRemoveReplicaFromBlockDropsReplicaOnBestEffortFailure(t *testing.T) {
	client := orchestratorfake.New()
	sub := substratefake.New()
	node := sub.AddNode("node-1", 20*1024)
	disks, _ := sub.Disks(context.Background(), node)

	persister := &stubPersister{}
	driver := replicadriver.New(client, commandgateway.New(client), sub, sub, sub, persister, &stubFrontend{}, replicadriver.Config{
		EngineImage: "longhornio/longhorn-engine:test",
	})

	block := &blockv1.Block{ID: "blk-1", Name: "v1", Namespace: "storage", Size: 10}
	block, err := driver.CreateReplica(context.Background(), block, disks[0])
	if err != nil {
		t.Fatalf("CreateReplica: %v", err)
	}
	replica := block.Replicas[0]

	// replica has no Endpoint yet, so RemoveReplicaFromFrontend fails and
	// is swallowed as a best-effort step (spec.md §4.3).
	updated, err := driver.RemoveReplicaFromBlock(context.Background(), block, &replica)
	if err != nil {
		t.Fatalf("RemoveReplicaFromBlock: %v", err)
	}
	if len(updated.Replicas) != 0 {
		t.Fatalf("expected the replica to be dropped, got %d remaining", len(updated.Replicas))
	}

	if _, err := sub.Disks(context.Background(), node); err != nil {
		t.Fatalf("Disks: %v", err)
	}
	pod, err := client.GetPod(context.Background(), "storage", replica.Pod.Name)
	if err != nil {
		t.Fatalf("GetPod: %v", err)
	}
	if pod != nil {
		t.Errorf("expected the replica pod to be deleted")
	}
}
