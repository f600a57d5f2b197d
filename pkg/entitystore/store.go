// Package entitystore implements C7: CRUD for Block entities with soft
// delete and whole-list replacement of the nested replica slice (spec.md
// §4.7, §9 "embedded mutable array of replicas"). Two implementations are
// provided: memstore (in-process, used by tests and single-node setups)
// and pgstore (Postgres-backed, for HA deployments).
package entitystore

import (
	"context"
	"errors"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
)

// ErrNotFound is returned by Update/SoftRemove when the entity doesn't
// exist (distinct from Get/Find returning nil/empty for "not found").
var ErrNotFound = errors.New("entitystore: block not found")

// Query filters Find. Zero-valued fields are not filtered on. IncludeDeleted
// opts into seeing soft-deleted blocks, which are excluded from every
// other default read per spec.md invariant 7.
type Query struct {
	Name            string
	Cluster         string
	Node            string
	IncludeDeleted  bool
}

// Store is the C7 entity store adapter's interface.
type Store interface {
	// Get resolves a Block by ID. Returns nil, nil if not found (and not
	// soft-deleted, unless includeDeleted).
	Get(ctx context.Context, id string, includeDeleted bool) (*blockv1.Block, error)

	// Find returns every Block matching the query.
	Find(ctx context.Context, q Query) ([]*blockv1.Block, error)

	// FindByPod resolves the Block whose controller pod UID is uid, or
	// whose replicas[*].pod.UID is uid. Soft-deleted blocks are excluded
	// per spec.md invariant 7 ("excluded ... from pod-event dispatch").
	FindByPod(ctx context.Context, uid string) (*blockv1.Block, error)

	// Create inserts a new Block, stamping CreatedAt/UpdatedAt.
	Create(ctx context.Context, b *blockv1.Block) error

	// Update persists scalar fields as a shallow merge and replaces the
	// whole Replicas slice (never an element-wise splice), stamping
	// UpdatedAt. Returns the persisted copy.
	Update(ctx context.Context, b *blockv1.Block) (*blockv1.Block, error)

	// SoftRemove stamps DeletedAt, hiding the Block from default reads.
	SoftRemove(ctx context.Context, id string) error
}
