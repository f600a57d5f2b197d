// Package memstore is an in-process entitystore.Store, the default for
// tests and single-node deployments that don't need the Postgres backend.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/entitystore"
)

// Store is a map-backed entitystore.Store guarded by a single mutex; entity
// writes are the sole source of truth (spec.md §5), so every accessor
// returns a deep copy rather than the stored pointer.
type Store struct {
	mu     sync.Mutex
	blocks map[string]*blockv1.Block
}

// New returns an empty Store.
func New() *Store {
	return &Store{blocks: map[string]*blockv1.Block{}}
}

func (s *Store) Get(ctx context.Context, id string, includeDeleted bool) (*blockv1.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, nil
	}
	if b.DeletedAt != nil && !includeDeleted {
		return nil, nil
	}
	return b.DeepCopy(), nil
}

func (s *Store) Find(ctx context.Context, q entitystore.Query) ([]*blockv1.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*blockv1.Block
	for _, b := range s.blocks {
		if b.DeletedAt != nil && !q.IncludeDeleted {
			continue
		}
		if q.Name != "" && b.Name != q.Name {
			continue
		}
		if q.Cluster != "" && b.Cluster != q.Cluster {
			continue
		}
		if q.Node != "" && b.Node != q.Node {
			continue
		}
		out = append(out, b.DeepCopy())
	}
	return out, nil
}

func (s *Store) FindByPod(ctx context.Context, uid string) (*blockv1.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.blocks {
		if b.DeletedAt != nil {
			continue
		}
		if b.Controller != nil && b.Controller.UID == uid {
			return b.DeepCopy(), nil
		}
		if b.ReplicaByPodUID(uid) != nil {
			return b.DeepCopy(), nil
		}
	}
	return nil, nil
}

func (s *Store) Create(ctx context.Context, b *blockv1.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	s.blocks[b.ID] = b.DeepCopy()
	return nil
}

// Update replaces the stored Block whole with the incoming value, Replicas
// included; only CreatedAt is kept from the stored copy, and UpdatedAt is
// stamped. No field-by-field merge or diff against the stored copy is done,
// so a caller holding a stale copy overwrites newer stored fields.
func (s *Store) Update(ctx context.Context, b *blockv1.Block) (*blockv1.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.blocks[b.ID]
	if !ok {
		return nil, entitystore.ErrNotFound
	}
	updated := b.DeepCopy()
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	s.blocks[b.ID] = updated
	return updated.DeepCopy(), nil
}

func (s *Store) SoftRemove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return entitystore.ErrNotFound
	}
	now := time.Now()
	b.DeletedAt = &now
	b.UpdatedAt = now
	return nil
}
