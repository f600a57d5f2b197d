// Package v1alpha1 holds the Block and Replica domain structs. These are
// plain Go values persisted through pkg/entitystore, not Kubernetes custom
// resources — the orchestrator only ever creates Pods, never Block/Replica
// API objects — but the package is laid out the way the teacher lays out
// its own apis/<group>/<version> packages so the shape is familiar.
package v1alpha1

import "time"

// PodHandle is an opaque reference to an orchestrator pod: enough to issue
// further pod operations (exec, delete) without re-resolving the pod by
// name every time.
type PodHandle struct {
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// Replica is a single storage-node process holding one copy of a Block's
// data. Replicas are embedded in Block but, per spec.md invariant note in
// §9, are always replaced as a whole slice on persistence rather than
// mutated element-wise in place.
type Replica struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Pod    *PodHandle `json:"pod,omitempty"`
	Disk   string     `json:"disk"`
	Node   string     `json:"node"`
	Folder string     `json:"folder"`

	Status   ReplicaStatus `json:"status"`
	Healthy  bool          `json:"healthy"`
	Attached bool          `json:"attached"`

	IP       *string `json:"ip,omitempty"`
	Endpoint *string `json:"endpoint,omitempty"`

	Mode ReplicaMode `json:"mode"`

	// StatusSince marks the last time Status changed, used to detect a
	// replica stuck repairing past storage.blocks.staleReplicaTimeout.
	StatusSince *time.Time `json:"statusSince,omitempty"`
}

// ReplicaStatus mirrors pkg/types.ReplicaStatus; redeclared here as an
// alias of plain string (rather than importing pkg/types) so JSON
// (de)serialization of persisted Block documents doesn't depend on
// pkg/types at the wire-format boundary.
type ReplicaStatus = string

// ReplicaMode mirrors pkg/types.ReplicaMode.
type ReplicaMode = string

// Block is the root aggregate: one logical replicated block volume.
type Block struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	Cluster   string `json:"cluster" db:"cluster"`
	Namespace string `json:"namespace" db:"namespace"`
	Node      string `json:"node" db:"node"`

	Size int64 `json:"size" db:"size"` // GiB
	Used int64 `json:"used" db:"used"` // GiB

	ReplicaCount int `json:"replicaCount" db:"replica_count"`

	Controller *PodHandle `json:"controller,omitempty" db:"-"`
	Device     *string    `json:"device,omitempty" db:"-"`

	MountPoint string `json:"mountPoint" db:"mount_point"`
	Formatted  bool   `json:"formatted" db:"formatted"`
	Mounted    bool   `json:"mounted" db:"mounted"`

	Online        bool   `json:"online" db:"online"`
	FrontendState bool   `json:"frontendState" db:"frontend_state"`
	Locality      string `json:"locality" db:"locality"`
	Healthy       bool   `json:"healthy" db:"healthy"`
	Status        string `json:"status" db:"status"`

	Replicas []Replica `json:"replicas" db:"-"`

	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" db:"updated_at"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
}

// DeepCopy returns an independent copy of the Block, including its replica
// slice, so callers holding the post-lock in-memory copy never alias the
// version that's about to be discarded when the lock releases (spec.md §5:
// "in-memory copies are discarded between lock acquisitions").
func (b *Block) DeepCopy() *Block {
	if b == nil {
		return nil
	}
	out := *b
	if b.Controller != nil {
		c := *b.Controller
		out.Controller = &c
	}
	if b.Device != nil {
		d := *b.Device
		out.Device = &d
	}
	if b.DeletedAt != nil {
		t := *b.DeletedAt
		out.DeletedAt = &t
	}
	out.Replicas = make([]Replica, len(b.Replicas))
	for i, r := range b.Replicas {
		out.Replicas[i] = *r.DeepCopy()
	}
	return &out
}

// DeepCopy returns an independent copy of the Replica.
func (r *Replica) DeepCopy() *Replica {
	if r == nil {
		return nil
	}
	out := *r
	if r.Pod != nil {
		p := *r.Pod
		out.Pod = &p
	}
	if r.IP != nil {
		ip := *r.IP
		out.IP = &ip
	}
	if r.Endpoint != nil {
		ep := *r.Endpoint
		out.Endpoint = &ep
	}
	if r.StatusSince != nil {
		t := *r.StatusSince
		out.StatusSince = &t
	}
	return &out
}

// ReplicaByID returns a pointer into b.Replicas, or nil. Callers must treat
// the returned pointer as read-only unless they intend to replace the whole
// slice afterwards — see the note on Replica above.
func (b *Block) ReplicaByID(id string) *Replica {
	for i := range b.Replicas {
		if b.Replicas[i].ID == id {
			return &b.Replicas[i]
		}
	}
	return nil
}

// ReplicaByEndpoint returns a pointer into b.Replicas matched by full
// endpoint equality — the join strategy spec.md §9 prescribes everywhere,
// in preference to the brittler substring-derived IP matching the source
// used in one code path.
func (b *Block) ReplicaByEndpoint(endpoint string) *Replica {
	for i := range b.Replicas {
		if b.Replicas[i].Endpoint != nil && *b.Replicas[i].Endpoint == endpoint {
			return &b.Replicas[i]
		}
	}
	return nil
}

// ReplicaByPodUID returns a pointer into b.Replicas whose pod handle has the
// given UID, used by the entity store's findByPod and the event multiplexer.
func (b *Block) ReplicaByPodUID(uid string) *Replica {
	for i := range b.Replicas {
		if b.Replicas[i].Pod != nil && b.Replicas[i].Pod.UID == uid {
			return &b.Replicas[i]
		}
	}
	return nil
}

// Endpoint formats the tcp:// endpoint for a replica IP per spec.md §3.
func Endpoint(ip string) string {
	return "tcp://" + ip + ":10000"
}
