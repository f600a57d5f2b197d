package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/klog/v2"

	"github.com/rancher/block-orchestrator/pkg/api"
	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/commandgateway"
	"github.com/rancher/block-orchestrator/pkg/config"
	"github.com/rancher/block-orchestrator/pkg/entitystore"
	"github.com/rancher/block-orchestrator/pkg/entitystore/memstore"
	"github.com/rancher/block-orchestrator/pkg/entitystore/pgstore"
	"github.com/rancher/block-orchestrator/pkg/enginecontroller"
	"github.com/rancher/block-orchestrator/pkg/eventmux"
	"github.com/rancher/block-orchestrator/pkg/lockmanager"
	"github.com/rancher/block-orchestrator/pkg/metrics"
	"github.com/rancher/block-orchestrator/pkg/orchestrator"
	"github.com/rancher/block-orchestrator/pkg/reconciler"
	"github.com/rancher/block-orchestrator/pkg/replicadriver"
	"github.com/rancher/block-orchestrator/pkg/snapshot"
	"github.com/rancher/block-orchestrator/pkg/substrate/fake"
	"github.com/rancher/block-orchestrator/pkg/version"
)

type startOpts struct {
	kubeconfig string
}

var opts startOpts

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the block orchestrator control plane",
	RunE:  runStartCmd,
}

func init() {
	startCmd.PersistentFlags().StringVar(&opts.kubeconfig, "kubeconfig", "", "Path to a kubeconfig; empty uses in-cluster config")
	if err := config.BindFlags(startCmd.PersistentFlags(), viper.GetViper()); err != nil {
		klog.Fatalf("binding config flags: %v", err)
	}
	rootCmd.AddCommand(startCmd)
}

// klogEvents is the teacher's pattern of logging domain transitions
// through klog rather than a dedicated event bus — the orchestrator has
// no API-server event sink to record against, unlike the machine
// controllers' corev1.Event recorder.
type klogEvents struct{}

func (klogEvents) Emit(event string, block *blockv1.Block) {
	klog.Infof("event %s: block=%s node=%s", event, block.Name, block.Node)
}

// podOrchestratorLookup adapts orchestrator.Client to reconciler.PodLookup
// for CheckPods, translating a fetched pod's phase into the minimal
// PodStatus view the reconciler needs.
type podOrchestratorLookup struct {
	client orchestrator.Client
}

func (p podOrchestratorLookup) Status(ctx context.Context, namespace, name string) (reconciler.PodStatus, error) {
	pod, err := p.client.GetPod(ctx, namespace, name)
	if err != nil {
		return reconciler.PodStatus{}, err
	}
	if pod == nil {
		return reconciler.PodStatus{Exists: false}, nil
	}
	return reconciler.PodStatus{Exists: true, Running: pod.Status.Phase == "Running", IP: pod.Status.PodIP}, nil
}

// followerHandle breaks the construction cycle between enginecontroller.Driver
// (which needs a Follower at New time) and *reconciler.Reconciler (which
// needs a ControllerDriver at New time): it satisfies enginecontroller.Follower
// by forwarding to a Reconciler set once both sides exist.
type followerHandle struct {
	r *reconciler.Reconciler
}

func (f *followerHandle) OnFrontendUp(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	return f.r.OnFrontendUp(ctx, block)
}

func (f *followerHandle) OnFrontendDown(ctx context.Context, block *blockv1.Block) (*blockv1.Block, error) {
	return f.r.OnFrontendDown(ctx, block)
}

func runStartCmd(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	restConfig, err := loadRestConfig(opts.kubeconfig)
	if err != nil {
		return fmt.Errorf("loading kubeconfig: %w", err)
	}
	client, err := orchestrator.New(restConfig)
	if err != nil {
		return fmt.Errorf("building orchestrator client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("building coordination client: %w", err)
	}

	store, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("building entity store: %w", err)
	}

	substrate := fake.New()
	locks := lockmanager.New()
	gateway := commandgateway.New(client)

	follower := &followerHandle{}
	controller := enginecontroller.New(client, gateway, substrate, store, klogEvents{}, follower, enginecontroller.Config{
		EngineImage: cfg.EngineImage,
		Frontend:    cfg.Frontend,
	})
	replicas := replicadriver.New(client, gateway, substrate, substrate, substrate, store, controller, replicadriver.Config{
		EngineImage: cfg.EngineImage,
	})
	rec := reconciler.New(store, controller, replicas, substrate, substrate, substrate, substrate, locks, reconciler.Config{
		ReplicaCount:            cfg.ReplicaCount,
		ReplicaSoftAntiAffinity: cfg.ReplicaSoftAntiAffinity,
		DefaultSize:             cfg.DefaultSizeGiB,
		Namespace:               cfg.Namespace,
		StaleReplicaTimeout:     cfg.StaleReplicaTimeout,
	})
	follower.r = rec

	snapshots := snapshot.New(gateway)
	server := api.NewServer(store, rec, controller, replicas, snapshots, substrate, locks).
		WithPodLookup(podOrchestratorLookup{client: client})

	mux := eventmux.New(client, store, controller, replicas, locks, cfg.Namespace)

	collector := metrics.NewBlockCollector(store, cfg.Namespace)
	if err := registerCollector(collector); err != nil {
		return err
	}
	klog.Infof("starting %s", version.String)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	identity, err := os.Hostname()
	if err != nil || identity == "" {
		identity = "block-orchestrator"
	}

	errs := make(chan error, 3)
	var runErr error
	done := make(chan struct{})
	go func() {
		select {
		case runErr = <-errs:
			cancel()
		case <-ctx.Done():
		}
		close(done)
	}()

	// Only the elected leader drives reconciliation and serves the HTTP
	// facade, so a lone pgstore-backed replica pool never has two
	// processes mutating the same block concurrently — the lockmanager
	// serializes within a process, leader election serializes across
	// processes (SPEC_FULL.md §1).
	runLeaderElection(ctx, clientset, cfg.LeaderElectionNamespace, identity, func(leadCtx context.Context) {
		klog.Infof("%s: acquired leadership, starting reconciliation", identity)
		go func() { errs <- mux.Run(leadCtx) }()
		go func() { errs <- serveHTTP(leadCtx, cfg.ListenAddress, server.Router()) }()
		go func() { errs <- serveMetrics(leadCtx, cfg.MetricsAddress) }()
	}, func() {
		klog.Infof("%s: lost leadership", identity)
	})

	<-done
	if runErr != nil {
		return runErr
	}
	klog.Info("shutting down")
	return nil
}

// runLeaderElection blocks until ctx is cancelled, running onStartedLeading
// while this process holds the "block-orchestrator-leader" Lease and
// onStoppedLeading if it's ever preempted. With a single replica this
// acquires immediately and holds the lease for the process lifetime; it
// only matters once more than one replica runs against a shared pgstore.
func runLeaderElection(ctx context.Context, clientset kubernetes.Interface, namespace, identity string, onStartedLeading func(context.Context), onStoppedLeading func()) {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      "block-orchestrator-leader",
			Namespace: namespace,
		},
		Client: clientset.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: identity,
		},
	}

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   15 * time.Second,
		RenewDeadline:   10 * time.Second,
		RetryPeriod:     2 * time.Second,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: onStartedLeading,
			OnStoppedLeading: onStoppedLeading,
		},
	})
}

func loadRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

func buildStore(cfg *config.Config) (entitystore.Store, error) {
	if cfg.DatabaseDSN == "" {
		return memstore.New(), nil
	}
	return pgstore.Open(cfg.DatabaseDSN)
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func registerCollector(c prometheus.Collector) error {
	if err := prometheus.Register(c); err != nil {
		return fmt.Errorf("registering block collector: %w", err)
	}
	return nil
}
