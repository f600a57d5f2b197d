// Package types holds the small enums shared across the orchestrator, kept
// separate from pkg/apis so parser and driver packages can depend on them
// without pulling in the full Block/Replica struct definitions.
package types

// InstanceState is the lifecycle state of a pod-backed instance (controller
// or replica) as observed from the orchestrator, independent of the engine
// protocol's own notion of health.
type InstanceState string

const (
	InstanceStatePending InstanceState = "pending"
	InstanceStateRunning InstanceState = "running"
	InstanceStateStopped InstanceState = "stopped"
	InstanceStateUnknown InstanceState = "unknown"
	InstanceStateDeleted InstanceState = "deleted"
)

// ReplicaStatus is the engine-and-pod-derived status of a Replica.
type ReplicaStatus string

const (
	ReplicaStatusPending   ReplicaStatus = "pending"
	ReplicaStatusHealthy   ReplicaStatus = "healthy"
	ReplicaStatusUnhealthy ReplicaStatus = "unhealthy"
	ReplicaStatusRepairing ReplicaStatus = "repairing"
	ReplicaStatusOffline   ReplicaStatus = "offline"
)

// BlockStatus is the derived, user-facing status of a Block.
type BlockStatus string

const (
	BlockStatusPending   BlockStatus = "pending"
	BlockStatusHealthy   BlockStatus = "healthy"
	BlockStatusUnhealthy BlockStatus = "unhealthy"
	BlockStatusRepairing BlockStatus = "repairing"
)

// ReplicaMode is the engine's view of a replica's read/write mode.
type ReplicaMode string

const (
	ReplicaModeRW  ReplicaMode = "RW"
	ReplicaModeRO  ReplicaMode = "RO"
	ReplicaModeErr ReplicaMode = "ERR"
)

// Locality describes whether a block has a healthy replica co-located with
// its preferred node.
type Locality string

const (
	LocalityLocal   Locality = "local"
	LocalityRemote  Locality = "remote"
	LocalityUnknown Locality = "unknown"
)

// VolumeState is the coarse state-machine position of a Block, per
// spec.md §4.5.
type VolumeState string

const (
	VolumeStatePendingControllerUp VolumeState = "PendingControllerUp"
	VolumeStateOnline              VolumeState = "Online"
	VolumeStateOffline              VolumeState = "Offline"
	VolumeStateFrontendUp          VolumeState = "FrontendUp"
	VolumeStateFormatted           VolumeState = "Formatted"
	VolumeStateMounted             VolumeState = "Mounted"
)

// FrontendName is the kernel-visible block device presentation in use,
// e.g. "tgt-blockdev".
type FrontendName string
