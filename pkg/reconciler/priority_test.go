package reconciler

import (
	"reflect"
	"testing"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
)

func TestRemovalOrder(t *testing.T) {
	unhealthy := blockv1.Replica{ID: "unhealthy", Healthy: false, Node: "node-1"}
	remote := blockv1.Replica{ID: "remote", Healthy: true, Node: "node-2"}
	local := blockv1.Replica{ID: "local", Healthy: true, Node: "node-1"}

	tests := []struct {
		desc     string
		replicas []blockv1.Replica
		node     string
		expect   []string
	}{
		{
			desc:     "all local and healthy keeps input order",
			replicas: []blockv1.Replica{local},
			node:     "node-1",
			expect:   []string{"local"},
		},
		{
			desc:     "unhealthy before remote before local",
			replicas: []blockv1.Replica{local, remote, unhealthy},
			node:     "node-1",
			expect:   []string{"unhealthy", "remote", "local"},
		},
		{
			desc:     "remote before local when all healthy",
			replicas: []blockv1.Replica{local, remote},
			node:     "node-1",
			expect:   []string{"remote", "local"},
		},
	}

	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			ordered := removalOrder(test.replicas, test.node)
			var ids []string
			for _, r := range ordered {
				ids = append(ids, r.ID)
			}
			if !reflect.DeepEqual(ids, test.expect) {
				t.Errorf("got %v, want %v", ids, test.expect)
			}
		})
	}
}

func TestRemovalPriority(t *testing.T) {
	priority := removalPriority("node-1")

	if got := priority(&blockv1.Replica{Healthy: false, Node: "node-1"}); got != mustRemove {
		t.Errorf("unhealthy replica: got %v, want mustRemove", got)
	}
	if got := priority(&blockv1.Replica{Healthy: true, Node: "node-2"}); got != preferRemove {
		t.Errorf("remote healthy replica: got %v, want preferRemove", got)
	}
	if got := priority(&blockv1.Replica{Healthy: true, Node: "node-1"}); got != mustNotRemove {
		t.Errorf("local healthy replica: got %v, want mustNotRemove", got)
	}
}
