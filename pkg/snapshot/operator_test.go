package snapshot_test

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/commandgateway"
	"github.com/rancher/block-orchestrator/pkg/orchestrator"
	orchestratorfake "github.com/rancher/block-orchestrator/pkg/orchestrator/fake"
	"github.com/rancher/block-orchestrator/pkg/snapshot"
)

func onlineBlock(client *orchestratorfake.Client) *blockv1.Block {
	pod := &corev1.Pod{}
	pod.Name = "v1"
	_, _ = client.CreatePod(context.Background(), "storage", pod)
	client.SetPodPhase("storage", "v1", corev1.PodRunning, "")
	return &blockv1.Block{
		Name: "v1", Namespace: "storage", Online: true,
		Controller: &blockv1.PodHandle{Name: "v1", Namespace: "storage"},
	}
}

func TestCreateRejectsOfflineBlock(t *testing.T) {
	client := orchestratorfake.New()
	op := snapshot.New(commandgateway.New(client))
	block := &blockv1.Block{Name: "v1", Namespace: "storage"}
	if _, err := op.Create(context.Background(), block); err == nil {
		t.Fatalf("expected Create to reject an offline block")
	}
}

func TestListParsesSnapshotTable(t *testing.T) {
	client := orchestratorfake.New()
	client.ExecFn = func(namespace, name string, command []string) (orchestrator.ExecResult, error) {
		return orchestrator.ExecResult{Stdout: "NAME\nsnap-a\nsnap-b\n"}, nil
	}
	op := snapshot.New(commandgateway.New(client))
	block := onlineBlock(client)

	names, err := op.List(context.Background(), block)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "snap-a" || names[1] != "snap-b" {
		t.Errorf("got %v, want [snap-a snap-b]", names)
	}
}

func TestHashUnmarshalsJSONBody(t *testing.T) {
	client := orchestratorfake.New()
	client.ExecFn = func(namespace, name string, command []string) (orchestrator.ExecResult, error) {
		return orchestrator.ExecResult{Stdout: `{"state":"complete","checksum":"abc123"}`}, nil
	}
	op := snapshot.New(commandgateway.New(client))
	block := onlineBlock(client)

	var out struct {
		State    string `json:"state"`
		Checksum string `json:"checksum"`
	}
	if err := op.Hash(context.Background(), block, "snap-a", &out); err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if out.State != "complete" || out.Checksum != "abc123" {
		t.Errorf("got %+v", out)
	}
}
