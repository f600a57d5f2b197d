// Package fake is an in-memory substrate for tests: nodes, disks and
// folders live in maps instead of a real inventory service.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rancher/block-orchestrator/pkg/substrate"
)

// Substrate implements substrate.NodeService, substrate.DiskService and
// substrate.FolderService over in-process state.
type Substrate struct {
	mu      sync.Mutex
	nodes   map[string]substrate.Node
	disks   map[string]substrate.Disk
	folders map[string]substrate.Folder
}

// New returns an empty Substrate.
func New() *Substrate {
	return &Substrate{
		nodes:   map[string]substrate.Node{},
		disks:   map[string]substrate.Disk{},
		folders: map[string]substrate.Folder{},
	}
}

// AddNode registers a node with one or more disks, returning the node ID.
func (s *Substrate) AddNode(hostname string, diskSizesMiB ...int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.nodes[id] = substrate.Node{ID: id, Hostname: hostname}
	for _, sz := range diskSizesMiB {
		did := uuid.NewString()
		s.disks[did] = substrate.Disk{ID: did, NodeID: id, Path: "/mnt/" + did, AvailableMiB: sz}
	}
	return id
}

func (s *Substrate) Get(ctx context.Context, id string) (*substrate.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s not found", id)
	}
	return &n, nil
}

func (s *Substrate) Disks(ctx context.Context, nodeID string) ([]substrate.Disk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []substrate.Disk
	for _, d := range s.disks {
		if d.NodeID == nodeID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Substrate) AvailableDisks(ctx context.Context, cluster string, sizeMiB int64, exclude []string, limit int) ([]substrate.Disk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	excluded := map[string]bool{}
	for _, e := range exclude {
		excluded[e] = true
	}
	var out []substrate.Disk
	var ids []string
	for id := range s.disks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := s.disks[id]
		if excluded[d.ID] {
			continue
		}
		if d.AvailableMiB < sizeMiB {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Substrate) Provision(ctx context.Context, diskID, namePrefix string) (*substrate.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disks[diskID]; !ok {
		return nil, fmt.Errorf("disk %s not found", diskID)
	}
	id := uuid.NewString()
	f := substrate.Folder{ID: id, DiskID: diskID, Path: "/mnt/" + diskID + "/" + namePrefix + "-" + id[:8]}
	s.folders[id] = f
	return &f, nil
}

func (s *Substrate) Deprovision(ctx context.Context, folderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders, folderID)
	return nil
}

func (s *Substrate) GetFolder(ctx context.Context, folderID string) (*substrate.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s not found", folderID)
	}
	return &f, nil
}

// Run satisfies substrate.NodeTerminal with a no-op success, standing in
// for the real node-exec facility spec.md's substrate Non-goals leave
// outside this module.
func (s *Substrate) Run(ctx context.Context, nodeID string, argv []string) (stdout, stderr string, err error) {
	return "", "", nil
}
