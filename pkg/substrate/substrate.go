// Package substrate declares the out-of-scope collaborators named in
// spec.md §1: Disk, Folder, Node and Zone services are treated as opaque
// sources of the physical substrate. The orchestrator core only needs a
// narrow slice of the Disk, Folder and Node services — these interfaces
// are that slice; no Zone interface is declared, since nothing here uses
// one. Production
// wiring to a real inventory/placement service is a deployment concern,
// not part of this module (spec.md Non-goals).
package substrate

import "context"

// Node is a worker node in the cluster.
type Node struct {
	ID       string
	Hostname string
}

// Disk is a unit of storage capacity on a Node.
type Disk struct {
	ID            string
	NodeID        string
	Path          string
	AvailableMiB  int64
}

// Folder is an allocated directory on a Disk, used as a hostPath mount for
// a replica pod or a Block's mount point.
type Folder struct {
	ID     string
	DiskID string
	Path   string
}

// NodeService resolves worker nodes.
type NodeService interface {
	Get(ctx context.Context, id string) (*Node, error)
}

// DiskService resolves and allocates storage on disks.
type DiskService interface {
	// Disks returns every disk known on a node.
	Disks(ctx context.Context, nodeID string) ([]Disk, error)
	// AvailableDisks returns disks in the cluster with at least sizeMiB
	// free, excluding any disk ID in exclude, limited to limit results.
	AvailableDisks(ctx context.Context, cluster string, sizeMiB int64, exclude []string, limit int) ([]Disk, error)
}

// FolderService provisions and tears down folders on disks.
type FolderService interface {
	Provision(ctx context.Context, diskID, namePrefix string) (*Folder, error)
	Deprovision(ctx context.Context, folderID string) error
	GetFolder(ctx context.Context, folderID string) (*Folder, error)
}

// NodeTerminal is a shell exec facility on a bare node (not inside a
// container), used for disk probe/format/mount and folder operations —
// spec.md §1's "Node terminal" collaborator.
type NodeTerminal interface {
	Run(ctx context.Context, nodeID string, argv []string) (stdout, stderr string, err error)
}
