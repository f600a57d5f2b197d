package reconciler

import (
	"sort"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
)

// replicaDeletePriority scores a replica for removal during BalanceBlock's
// over-target branch, the teacher's machineset delete-policy idiom
// (priority function + sort.Sort over a priority-ordered slice) applied to
// replica removal instead of machine scale-down: unhealthy replicas are
// removed first, then replicas off the block's own node, then (among
// otherwise-equal candidates) the rest.
type replicaDeletePriority float64

const (
	mustRemove    replicaDeletePriority = 100.0
	preferRemove  replicaDeletePriority = 50.0
	mustNotRemove replicaDeletePriority = 0.0
)

func removalPriority(blockNode string) func(r *blockv1.Replica) replicaDeletePriority {
	return func(r *blockv1.Replica) replicaDeletePriority {
		if !r.Healthy {
			return mustRemove
		}
		if r.Node != blockNode {
			return preferRemove
		}
		return mustNotRemove
	}
}

type sortableReplicas struct {
	replicas []blockv1.Replica
	priority func(r *blockv1.Replica) replicaDeletePriority
}

func (s sortableReplicas) Len() int      { return len(s.replicas) }
func (s sortableReplicas) Swap(i, j int) { s.replicas[i], s.replicas[j] = s.replicas[j], s.replicas[i] }
func (s sortableReplicas) Less(i, j int) bool {
	return s.priority(&s.replicas[j]) < s.priority(&s.replicas[i]) // high to low
}

// removalOrder lists replicas highest-removal-priority first: unhealthy
// replicas, then replicas off the block's own node, then the rest.
func removalOrder(replicas []blockv1.Replica, blockNode string) []blockv1.Replica {
	out := append([]blockv1.Replica(nil), replicas...)
	sortable := sortableReplicas{replicas: out, priority: removalPriority(blockNode)}
	sort.Sort(sortable)
	return sortable.replicas
}
