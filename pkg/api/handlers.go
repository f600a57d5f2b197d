package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/blockerrors"
	"github.com/rancher/block-orchestrator/pkg/reconciler"
	"github.com/rancher/block-orchestrator/pkg/replicadriver"
	"github.com/rancher/block-orchestrator/pkg/snapshot"
	"github.com/rancher/block-orchestrator/pkg/substrate"
)

// provisionRequest is the body of POST /v1/storage/blocks/provision.
type provisionRequest struct {
	Name     string `json:"name" validate:"required,min=3,max=128"`
	Node     string `json:"node" validate:"required"`
	Cluster  string `json:"cluster"`
	Size     int64  `json:"size" validate:"omitempty,min=1,max=1024"`
	Replicas int    `json:"replicas" validate:"omitempty,min=1,max=7"`
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	block, err := s.reconciler.Provision(r.Context(), reconciler.ProvisionRequest{
		Name: req.Name, Node: req.Node, Cluster: req.Cluster, Size: req.Size, ReplicaCount: req.Replicas,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) deprovision(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		if err := s.reconciler.Deprovision(r.Context(), block); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, nil)
		return nil
	})
}

type forceRequest struct {
	Force bool `json:"force"`
}

type formatRequest struct {
	Force   bool   `json:"force"`
	Type    string `json:"type"`
	Reserve int    `json:"reserve"`
}

func (s *Server) format(w http.ResponseWriter, r *http.Request) {
	var req formatRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.withBlock(w, r, func(block *blockv1.Block) error {
		updated, err := s.reconciler.Format(r.Context(), block, reconciler.FormatOptions{Force: req.Force, Type: req.Type, Reserve: req.Reserve})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) mount(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.withBlock(w, r, func(block *blockv1.Block) error {
		updated, err := s.reconciler.Mount(r.Context(), block, reconciler.MountOptions{Force: req.Force})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) unmount(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.withBlock(w, r, func(block *blockv1.Block) error {
		updated, err := s.reconciler.Unmount(r.Context(), block, reconciler.UnmountOptions{Force: req.Force})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		usage, _, err := s.reconciler.Usage(r.Context(), block)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, usage)
		return nil
	})
}

func (s *Server) trim(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		if err := s.reconciler.Trim(r.Context(), block); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, nil)
		return nil
	})
}

func (s *Server) checkPods(w http.ResponseWriter, r *http.Request) {
	if s.pods == nil {
		writeError(w, blockerrors.New(blockerrors.KindEngineCommandFailed, "check-pods requires a pod lookup wired at startup"))
		return
	}
	s.withBlock(w, r, func(block *blockv1.Block) error {
		updated, err := s.reconciler.CheckPods(r.Context(), block, s.pods)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		updated, err := s.reconciler.BalanceBlock(r.Context(), block)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) listReplicas(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		rows, err := s.replicas.ListReplicas(r.Context(), block)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, rows)
		return nil
	})
}

type createReplicaRequest struct {
	DiskID string `json:"diskId" validate:"required"`
	NodeID string `json:"nodeId" validate:"required"`
}

func (s *Server) createReplica(w http.ResponseWriter, r *http.Request) {
	var req createReplicaRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.withBlock(w, r, func(block *blockv1.Block) error {
		disks, err := s.disks.Disks(r.Context(), req.NodeID)
		if err != nil {
			return err
		}
		var disk *substrate.Disk
		for i := range disks {
			if disks[i].ID == req.DiskID {
				disk = &disks[i]
				break
			}
		}
		if disk == nil {
			return blockerrors.New(blockerrors.KindDiskNotFound, "disk %s on node %s", req.DiskID, req.NodeID)
		}
		updated, err := s.replicas.CreateReplica(r.Context(), block, *disk)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) removeReplica(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		replica := block.ReplicaByID(chi.URLParam(r, "replicaID"))
		if replica == nil {
			return blockerrors.New(blockerrors.KindReplicaNotFound, "replica %s", chi.URLParam(r, "replicaID"))
		}
		updated, err := s.replicas.RemoveReplicaFromBlock(r.Context(), block, replica)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

type updateReplicaRequest struct {
	Mode string `json:"mode" validate:"required,oneof=RW RO ERR"`
}

func (s *Server) updateReplica(w http.ResponseWriter, r *http.Request) {
	var req updateReplicaRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.withBlock(w, r, func(block *blockv1.Block) error {
		replica := block.ReplicaByID(chi.URLParam(r, "replicaID"))
		if replica == nil {
			return blockerrors.New(blockerrors.KindReplicaNotFound, "replica %s", chi.URLParam(r, "replicaID"))
		}
		if err := s.replicas.UpdateReplica(r.Context(), block, replica, req.Mode); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, nil)
		return nil
	})
}

func (s *Server) attachReplica(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		replica := block.ReplicaByID(chi.URLParam(r, "replicaID"))
		if replica == nil {
			return blockerrors.New(blockerrors.KindReplicaNotFound, "replica %s", chi.URLParam(r, "replicaID"))
		}
		updated, err := s.replicas.AddReplicaToFrontend(r.Context(), block, replica, replicadriver.AddOptions{})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) detachReplica(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		replica := block.ReplicaByID(chi.URLParam(r, "replicaID"))
		if replica == nil {
			return blockerrors.New(blockerrors.KindReplicaNotFound, "replica %s", chi.URLParam(r, "replicaID"))
		}
		updated, err := s.replicas.RemoveReplicaFromFrontend(r.Context(), block, replica)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		res, err := s.snapshots.Create(r.Context(), block)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		names, err := s.snapshots.List(r.Context(), block)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, names)
		return nil
	})
}

func (s *Server) snapshotInfo(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		var info map[string]interface{}
		if err := s.snapshots.Info(r.Context(), block, &info); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, info)
		return nil
	})
}

func (s *Server) removeSnapshot(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		res, err := s.snapshots.Remove(r.Context(), block, chi.URLParam(r, "name"))
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

func (s *Server) revertSnapshot(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		res, err := s.snapshots.Revert(r.Context(), block, chi.URLParam(r, "name"))
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

type purgeRequest struct {
	SkipIfInProgress bool `json:"skipIfInProgress"`
}

func (s *Server) purgeSnapshots(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.withBlock(w, r, func(block *blockv1.Block) error {
		res, err := s.snapshots.Purge(r.Context(), block, req.SkipIfInProgress)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

func (s *Server) purgeStatus(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		res, err := s.snapshots.PurgeStatus(r.Context(), block)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

type cloneRequest struct {
	SnapshotName               string `json:"snapshotName" validate:"required"`
	FromControllerAddress      string `json:"fromControllerAddress" validate:"required"`
	FromVolumeName             string `json:"fromVolumeName" validate:"required"`
	FromControllerInstanceName string `json:"fromControllerInstanceName" validate:"required"`
}

func (s *Server) cloneSnapshot(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.withBlock(w, r, func(block *blockv1.Block) error {
		res, err := s.snapshots.Clone(r.Context(), block, snapshot.CloneOptions{
			SnapshotName:               req.SnapshotName,
			FromControllerAddress:      req.FromControllerAddress,
			FromVolumeName:             req.FromVolumeName,
			FromControllerInstanceName: req.FromControllerInstanceName,
		})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

func (s *Server) cloneStatus(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		res, err := s.snapshots.CloneStatus(r.Context(), block, chi.URLParam(r, "name"))
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

func (s *Server) hashSnapshot(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		var v map[string]interface{}
		if err := s.snapshots.Hash(r.Context(), block, chi.URLParam(r, "name"), &v); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, v)
		return nil
	})
}

func (s *Server) hashCancelSnapshot(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		var v map[string]interface{}
		if err := s.snapshots.HashCancel(r.Context(), block, chi.URLParam(r, "name"), &v); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, v)
		return nil
	})
}

func (s *Server) hashStatusSnapshot(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		var v map[string]interface{}
		if err := s.snapshots.HashStatus(r.Context(), block, chi.URLParam(r, "name"), &v); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, v)
		return nil
	})
}

func (s *Server) startFrontend(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		updated, err := s.controller.StartFrontend(r.Context(), block)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) shutdownFrontend(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		updated, err := s.controller.ShutdownFrontend(r.Context(), block)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, updated)
		return nil
	})
}

func (s *Server) controllerInfo(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		info, err := s.controller.GetControllerInfo(r.Context(), block)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, info)
		return nil
	})
}

func (s *Server) expandController(w http.ResponseWriter, r *http.Request) {
	s.withBlock(w, r, func(block *blockv1.Block) error {
		if err := s.controller.Expand(r.Context(), block); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, nil)
		return nil
	})
}
