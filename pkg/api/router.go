// Package api implements C8: a thin chi router translating the REST
// surface of spec.md §6 into Reconciler/driver calls, validating request
// bodies with go-playground/validator before they reach the core, and
// mapping every returned error through blockerrors.StatusOf.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"k8s.io/klog/v2"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/blockerrors"
	"github.com/rancher/block-orchestrator/pkg/enginecontroller"
	"github.com/rancher/block-orchestrator/pkg/entitystore"
	"github.com/rancher/block-orchestrator/pkg/lockmanager"
	"github.com/rancher/block-orchestrator/pkg/reconciler"
	"github.com/rancher/block-orchestrator/pkg/replicadriver"
	"github.com/rancher/block-orchestrator/pkg/snapshot"
	"github.com/rancher/block-orchestrator/pkg/substrate"
)

var validate = validator.New()

// Server wires every collaborator the facade needs. It does not embed
// any of them directly, matching the narrow-interface composition the
// rest of the module uses.
type Server struct {
	store      entitystore.Store
	reconciler *reconciler.Reconciler
	controller *enginecontroller.Driver
	replicas   *replicadriver.Driver
	snapshots  *snapshot.Operator
	disks      substrate.DiskService
	locks      lockmanager.Locker
	pods       reconciler.PodLookup
}

// NewServer builds the router's Server.
func NewServer(store entitystore.Store, rec *reconciler.Reconciler, controller *enginecontroller.Driver, replicas *replicadriver.Driver, snapshots *snapshot.Operator, disks substrate.DiskService, locks lockmanager.Locker) *Server {
	return &Server{store: store, reconciler: rec, controller: controller, replicas: replicas, snapshots: snapshots, disks: disks, locks: locks}
}

// WithPodLookup wires the orchestrator-backed pod lookup CheckPods needs.
// Optional: a Server without one answers check-pods requests with an error,
// which is fine for facades that never expose that route (e.g. in tests).
func (s *Server) WithPodLookup(pods reconciler.PodLookup) *Server {
	s.pods = pods
	return s
}

// Router builds the chi.Router serving the /v1/storage/blocks surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
	}))

	r.Route("/v1/storage/blocks", func(r chi.Router) {
		r.Post("/provision", s.provision)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/deprovision", s.deprovision)
			r.Post("/format", s.format)
			r.Post("/mount", s.mount)
			r.Post("/unmount", s.unmount)
			r.Get("/usage", s.usage)
			r.Post("/trim", s.trim)
			r.Get("/check-pods", s.checkPods)
			r.Post("/balance", s.balance)

			r.Route("/replicas", func(r chi.Router) {
				r.Get("/", s.listReplicas)
				r.Post("/", s.createReplica)
				r.Route("/{replicaID}", func(r chi.Router) {
					r.Delete("/", s.removeReplica)
					r.Patch("/", s.updateReplica)
					r.Post("/attach", s.attachReplica)
					r.Post("/detach", s.detachReplica)
				})
			})

			r.Route("/snapshots", func(r chi.Router) {
				r.Post("/", s.createSnapshot)
				r.Get("/", s.listSnapshots)
				r.Get("/info", s.snapshotInfo)
				r.Post("/purge", s.purgeSnapshots)
				r.Get("/purge-status", s.purgeStatus)
				r.Post("/clone", s.cloneSnapshot)
				r.Route("/{name}", func(r chi.Router) {
					r.Delete("/", s.removeSnapshot)
					r.Post("/revert", s.revertSnapshot)
					r.Get("/clone-status", s.cloneStatus)
					r.Post("/hash", s.hashSnapshot)
					r.Post("/hash-cancel", s.hashCancelSnapshot)
					r.Get("/hash-status", s.hashStatusSnapshot)
				})
			})

			r.Route("/controller", func(r chi.Router) {
				r.Post("/frontend/start", s.startFrontend)
				r.Post("/frontend/shutdown", s.shutdownFrontend)
				r.Get("/info", s.controllerInfo)
				r.Post("/expand", s.expandController)
			})
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Warningf("api: encoding response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := blockerrors.StatusOf(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeAndValidate(r *http.Request, v interface{}) error {
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			return blockerrors.New(blockerrors.KindInvalidMode, "decoding request body: %v", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return blockerrors.New(blockerrors.KindInvalidMode, "validating request: %v", err)
	}
	return nil
}

// withBlock resolves :id to a Block and runs fn under the per-block lock,
// the pattern every mutating route uses (spec.md §5's serialization rule,
// enforced here at the facade boundary rather than only in eventmux).
func (s *Server) withBlock(w http.ResponseWriter, r *http.Request, fn func(block *blockv1.Block) error) {
	id := chi.URLParam(r, "id")
	err := s.locks.WithLock(id, func() error {
		block, err := s.store.Get(r.Context(), id, false)
		if err != nil {
			return err
		}
		if block == nil {
			return blockerrors.New(blockerrors.KindBlockNotFound, "block %s", id)
		}
		return fn(block)
	})
	if err != nil {
		writeError(w, err)
	}
}
