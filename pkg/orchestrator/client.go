// Package orchestrator declares the orchestrator-API boundary of spec.md
// §6 — pod CRUD, in-container exec, and the pod event stream — as a narrow
// Go interface, and a client-go-backed implementation. This is the only
// package that imports k8s.io/client-go's pod and exec machinery; every
// other component talks to orchestrator.Client.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/remotecommand"
)

// ExecResult is the captured output of an in-container command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// PodEventType distinguishes the three events the core reacts to.
type PodEventType string

const (
	PodAdded    PodEventType = "added"
	PodModified PodEventType = "modified"
	PodDeleted  PodEventType = "deleted"
)

// PodEvent is delivered for every pod add/update/delete in the configured
// namespace.
type PodEvent struct {
	Type PodEventType
	Pod  *corev1.Pod
}

// Client is the orchestrator API boundary consumed by the core (spec.md §6).
type Client interface {
	GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error)
	CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error)
	DeletePod(ctx context.Context, namespace, name string) error
	Exec(ctx context.Context, namespace, name string, command []string) (ExecResult, error)

	// WatchPods starts delivering PodEvents for the given namespace onto
	// the returned channel until ctx is cancelled. The channel is closed
	// on return.
	WatchPods(ctx context.Context, namespace string) (<-chan PodEvent, error)
}

// kubeClient is the production Client, backed by a real cluster.
type kubeClient struct {
	clientset kubernetes.Interface
	config    *rest.Config
}

// New builds a Client from a rest.Config, in the idiom of the teacher's
// cmd/common ClientBuilder: one small wrapper constructed once at startup
// and handed to every component that needs orchestrator access.
func New(config *rest.Config) (Client, error) {
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("building kube clientset: %w", err)
	}
	return &kubeClient{clientset: cs, config: config}, nil
}

func (k *kubeClient) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := k.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	return pod, err
}

func (k *kubeClient) CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error) {
	return k.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
}

func (k *kubeClient) DeletePod(ctx context.Context, namespace, name string) error {
	err := k.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// Exec streams a command into the pod's first container via SPDY, the
// same remotecommand machinery `kubectl exec` uses.
func (k *kubeClient) Exec(ctx context.Context, namespace, name string, command []string) (ExecResult, error) {
	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(name).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.config, "POST", req.URL())
	if err != nil {
		return ExecResult{}, fmt.Errorf("building executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if code, ok := exitCodeOf(err); ok {
			result.ExitCode = code
			return result, nil
		}
		return result, fmt.Errorf("exec %v: %w", command, err)
	}
	return result, nil
}

// exitCodeOf extracts a nonzero exit status from a remotecommand error, if
// the command ran but returned nonzero rather than failing to start.
func exitCodeOf(err error) (int, bool) {
	type exitCoder interface{ ExitStatus() int }
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitStatus(), true
	}
	return 0, false
}

func (k *kubeClient) WatchPods(ctx context.Context, namespace string) (<-chan PodEvent, error) {
	out := make(chan PodEvent, 64)

	listWatch := cache.NewListWatchFromClient(
		k.clientset.CoreV1().RESTClient(), "pods", namespace, fields.Everything(),
	)
	_, informer := cache.NewInformer(listWatch, &corev1.Pod{}, 0, cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if pod, ok := obj.(*corev1.Pod); ok {
				send(ctx, out, PodEvent{Type: PodAdded, Pod: pod})
			}
		},
		UpdateFunc: func(_, cur interface{}) {
			if pod, ok := cur.(*corev1.Pod); ok {
				send(ctx, out, PodEvent{Type: PodModified, Pod: pod})
			}
		},
		DeleteFunc: func(obj interface{}) {
			if pod, ok := obj.(*corev1.Pod); ok {
				send(ctx, out, PodEvent{Type: PodDeleted, Pod: pod})
			}
		},
	})

	go func() {
		defer close(out)
		informer.Run(ctx.Done())
	}()

	return out, nil
}

func send(ctx context.Context, ch chan<- PodEvent, ev PodEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
