package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/api"
	"github.com/rancher/block-orchestrator/pkg/commandgateway"
	"github.com/rancher/block-orchestrator/pkg/enginecontroller"
	"github.com/rancher/block-orchestrator/pkg/entitystore/memstore"
	"github.com/rancher/block-orchestrator/pkg/lockmanager"
	orchestratorfake "github.com/rancher/block-orchestrator/pkg/orchestrator/fake"
	"github.com/rancher/block-orchestrator/pkg/reconciler"
	"github.com/rancher/block-orchestrator/pkg/replicadriver"
	"github.com/rancher/block-orchestrator/pkg/snapshot"
	substratefake "github.com/rancher/block-orchestrator/pkg/substrate/fake"
)

type noopEvents struct{}

func (noopEvents) Emit(event string, block *blockv1.Block) {}

type chainFollower struct {
	r *reconciler.Reconciler
}

func (f *chainFollower) OnFrontendUp(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	return f.r.OnFrontendUp(ctx, block)
}

func (f *chainFollower) OnFrontendDown(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	return f.r.OnFrontendDown(ctx, block)
}

func newTestServer() (*httptest.Server, string) {
	store := memstore.New()
	client := orchestratorfake.New()
	sub := substratefake.New()
	node := sub.AddNode("node-1", 20*1024)

	gateway := commandgateway.New(client)
	follower := &chainFollower{}
	controller := enginecontroller.New(client, gateway, sub, store, noopEvents{}, follower, enginecontroller.Config{
		EngineImage: "longhornio/longhorn-engine:test",
		Frontend:    "tgt-blockdev",
	})
	replicas := replicadriver.New(client, gateway, sub, sub, sub, store, controller, replicadriver.Config{
		EngineImage: "longhornio/longhorn-engine:test",
	})
	locks := lockmanager.New()
	rec := reconciler.New(store, controller, replicas, sub, sub, sub, sub, locks, reconciler.Config{
		ReplicaCount: 1, DefaultSize: 10, Namespace: "storage",
	})
	follower.r = rec

	snapshots := snapshot.New(gateway)
	server := api.NewServer(store, rec, controller, replicas, snapshots, sub, locks)

	return httptest.NewServer(server.Router()), node
}

func TestProvisionRejectsInvalidBody(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/storage/blocks/provision", "application/json", bytes.NewBufferString(`{"name":"ab"}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want %d (name too short and node missing)", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestProvisionThenDeprovision(t *testing.T) {
	srv, node := newTestServer()
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{"name": "test-vol", "node": node, "replicas": 1})
	resp, err := http.Post(srv.URL+"/v1/storage/blocks/provision", "application/json", bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	var block blockv1.Block
	if err := json.NewDecoder(resp.Body).Decode(&block); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if block.ID == "" {
		t.Fatalf("expected a provisioned block ID")
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/storage/blocks/"+block.ID+"/deprovision", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200", delResp.StatusCode)
	}
}

func TestDeprovisionUnknownBlockReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/storage/blocks/does-not-exist/deprovision", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}
