package enginecontroller_test

import (
	"context"
	"encoding/json"
	"testing"

	corev1 "k8s.io/api/core/v1"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/commandgateway"
	"github.com/rancher/block-orchestrator/pkg/enginecontroller"
	"github.com/rancher/block-orchestrator/pkg/orchestrator"
	orchestratorfake "github.com/rancher/block-orchestrator/pkg/orchestrator/fake"
	substratefake "github.com/rancher/block-orchestrator/pkg/substrate/fake"
)

type stubPersister struct {
	block *blockv1.Block
}

func (p *stubPersister) Update(ctx context.Context, b *blockv1.Block) (*blockv1.Block, error) {
	p.block = b.DeepCopy()
	return p.block.DeepCopy(), nil
}

type recordingEvents struct {
	emitted []string
}

func (r *recordingEvents) Emit(event string, block *blockv1.Block) {
	r.emitted = append(r.emitted, event)
}

type recordingFollower struct {
	ups, downs int
}

func (f *recordingFollower) OnFrontendUp(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	f.ups++
	return block, nil
}

func (f *recordingFollower) OnFrontendDown(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	f.downs++
	return block, nil
}

func TestCreateControllerSubmitsPodAndPersists(t *testing.T) {
	client := orchestratorfake.New()
	sub := substratefake.New()
	node := sub.AddNode("node-1", 20*1024)

	persister := &stubPersister{}
	driver := enginecontroller.New(client, commandgateway.New(client), sub, persister, &recordingEvents{}, &recordingFollower{}, enginecontroller.Config{
		EngineImage: "longhornio/longhorn-engine:test",
		Frontend:    "tgt-blockdev",
	})

	block := &blockv1.Block{Name: "v1", Namespace: "storage", Node: node, Size: 10}
	updated, err := driver.CreateController(context.Background(), block, enginecontroller.Options{})
	if err != nil {
		t.Fatalf("CreateController: %v", err)
	}
	if updated.Controller == nil {
		t.Fatalf("expected a controller pod handle")
	}

	pod, err := client.GetPod(context.Background(), "storage", "v1")
	if err != nil {
		t.Fatalf("GetPod: %v", err)
	}
	if pod == nil {
		t.Fatalf("expected the controller pod to exist")
	}
	if pod.Spec.NodeName != "node-1" {
		t.Errorf("got NodeName %q, want node-1", pod.Spec.NodeName)
	}
}

func TestCreateControllerRejectsExisting(t *testing.T) {
	client := orchestratorfake.New()
	sub := substratefake.New()
	node := sub.AddNode("node-1", 20*1024)

	driver := enginecontroller.New(client, commandgateway.New(client), sub, &stubPersister{}, &recordingEvents{}, &recordingFollower{}, enginecontroller.Config{
		EngineImage: "longhornio/longhorn-engine:test",
		Frontend:    "tgt-blockdev",
	})

	block := &blockv1.Block{Name: "v1", Namespace: "storage", Node: node, Size: 10, Controller: &blockv1.PodHandle{Name: "v1", Namespace: "storage"}}
	if _, err := driver.CreateController(context.Background(), block, enginecontroller.Options{}); err == nil {
		t.Fatalf("expected CreateController to reject a block with an existing controller")
	}
}

// TestUpdateFrontendStateUpDrivesFollowerAndEvents exercises spec.md §4.2's
// merge-then-follow-on sequence: a frontend that reports up both emits
// FrontendStateUp and calls the follower's OnFrontendUp.
func TestUpdateFrontendStateUpDrivesFollowerAndEvents(t *testing.T) {
	client := orchestratorfake.New()
	sub := substratefake.New()
	node := sub.AddNode("node-1", 20*1024)

	events := &recordingEvents{}
	follower := &recordingFollower{}
	driver := enginecontroller.New(client, commandgateway.New(client), sub, &stubPersister{}, events, follower, enginecontroller.Config{
		EngineImage: "longhornio/longhorn-engine:test",
		Frontend:    "tgt-blockdev",
	})

	block := &blockv1.Block{Name: "v1", Namespace: "storage", Node: node, Size: 10}
	block, err := driver.CreateController(context.Background(), block, enginecontroller.Options{})
	if err != nil {
		t.Fatalf("CreateController: %v", err)
	}
	client.SetPodPhase("storage", "v1", corev1.PodRunning, "10.0.0.5")

	client.ExecFn = func(namespace, name string, command []string) (orchestrator.ExecResult, error) {
		body, _ := json.Marshal(map[string]string{"frontendState": "up", "endpoint": "/dev/longhorn/v1"})
		return orchestrator.ExecResult{Stdout: string(body)}, nil
	}

	updated, err := driver.UpdateFrontendState(context.Background(), block)
	if err != nil {
		t.Fatalf("UpdateFrontendState: %v", err)
	}
	if !updated.FrontendState {
		t.Fatalf("expected FrontendState true")
	}
	if follower.ups != 1 {
		t.Errorf("expected OnFrontendUp to be called once, got %d", follower.ups)
	}
	found := false
	for _, e := range events.emitted {
		if e == "FrontendStateUp" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a FrontendStateUp event, got %v", events.emitted)
	}
}

func TestDeleteControllerRejectsMountedBlock(t *testing.T) {
	client := orchestratorfake.New()
	sub := substratefake.New()
	node := sub.AddNode("node-1", 20*1024)

	driver := enginecontroller.New(client, commandgateway.New(client), sub, &stubPersister{}, &recordingEvents{}, &recordingFollower{}, enginecontroller.Config{
		EngineImage: "longhornio/longhorn-engine:test",
		Frontend:    "tgt-blockdev",
	})

	block := &blockv1.Block{
		Name: "v1", Namespace: "storage", Node: node, Size: 10, Mounted: true,
		Controller: &blockv1.PodHandle{Name: "v1", Namespace: "storage"},
	}
	if _, err := driver.DeleteController(context.Background(), block); err == nil {
		t.Fatalf("expected DeleteController to reject a mounted block")
	}
}
