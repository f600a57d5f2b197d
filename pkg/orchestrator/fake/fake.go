// Package fake is an in-memory orchestrator.Client used by unit tests and
// by the end-to-end scenarios in spec.md §8 that simulate pod lifecycle
// events without a real cluster.
package fake

import (
	"context"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/rancher/block-orchestrator/pkg/blockerrors"
	"github.com/rancher/block-orchestrator/pkg/orchestrator"
)

// ExecFunc lets a test script canned responses for a given argv.
type ExecFunc func(namespace, name string, command []string) (orchestrator.ExecResult, error)

// Client is a fake orchestrator.Client: pods live in a map, exec calls are
// routed through a pluggable ExecFunc, and pod events are delivered to
// every active watcher.
type Client struct {
	mu     sync.Mutex
	pods   map[string]*corev1.Pod // namespace/name -> pod
	ExecFn ExecFunc

	watchers []chan orchestrator.PodEvent
}

// New returns an empty fake Client. Set ExecFn before issuing commands;
// while it is nil, Exec on a running pod returns an empty result.
func New() *Client {
	return &Client{pods: map[string]*corev1.Pod{}}
}

func key(namespace, name string) string { return namespace + "/" + name }

func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pods[key(namespace, name)], nil
}

func (c *Client) CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error) {
	c.mu.Lock()
	pod = pod.DeepCopy()
	if pod.Namespace == "" {
		pod.Namespace = namespace
	}
	if pod.UID == "" {
		pod.UID = "fake-uid-" + pod.Name
	}
	pod.Status.Phase = corev1.PodPending
	c.pods[key(namespace, pod.Name)] = pod
	c.mu.Unlock()
	c.broadcast(orchestrator.PodEvent{Type: orchestrator.PodAdded, Pod: pod.DeepCopy()})
	return pod.DeepCopy(), nil
}

func (c *Client) DeletePod(ctx context.Context, namespace, name string) error {
	c.mu.Lock()
	pod, ok := c.pods[key(namespace, name)]
	if ok {
		delete(c.pods, key(namespace, name))
	}
	c.mu.Unlock()
	if ok {
		c.broadcast(orchestrator.PodEvent{Type: orchestrator.PodDeleted, Pod: pod})
	}
	return nil
}

// Exec satisfies orchestrator.Client.
func (c *Client) Exec(ctx context.Context, namespace, name string, command []string) (orchestrator.ExecResult, error) {
	pod, err := c.GetPod(ctx, namespace, name)
	if err != nil {
		return orchestrator.ExecResult{}, err
	}
	if pod == nil {
		return orchestrator.ExecResult{}, blockerrors.New(blockerrors.KindPodNotFound, "pod %s/%s", namespace, name)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return orchestrator.ExecResult{}, blockerrors.New(blockerrors.KindPodNotRunning, "pod %s/%s is %s", namespace, name, pod.Status.Phase)
	}
	if c.ExecFn == nil {
		return orchestrator.ExecResult{}, nil
	}
	return c.ExecFn(namespace, name, command)
}

func (c *Client) WatchPods(ctx context.Context, namespace string) (<-chan orchestrator.PodEvent, error) {
	ch := make(chan orchestrator.PodEvent, 64)
	c.mu.Lock()
	c.watchers = append(c.watchers, ch)
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, w := range c.watchers {
			if w == ch {
				c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (c *Client) broadcast(ev orchestrator.PodEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.watchers {
		select {
		case w <- ev:
		default:
		}
	}
}

// SetPodPhase transitions a pod's phase and fires a Modified event for
// every call on an existing pod, whatever the phase — the mechanism the end-to-end
// scenarios in spec.md §8 use to "simulate N replica pods → Running".
func (c *Client) SetPodPhase(namespace, name string, phase corev1.PodPhase, podIP string) {
	c.mu.Lock()
	pod, ok := c.pods[key(namespace, name)]
	if !ok {
		c.mu.Unlock()
		return
	}
	pod.Status.Phase = phase
	if podIP != "" {
		pod.Status.PodIP = podIP
	}
	cp := pod.DeepCopy()
	c.mu.Unlock()
	c.broadcast(orchestrator.PodEvent{Type: orchestrator.PodModified, Pod: cp})
}

// Terminate marks a pod for deletion (DeletionTimestamp set) without
// removing it from the store yet, matching a graceful-termination event.
func (c *Client) Terminate(namespace, name string) {
	c.mu.Lock()
	pod, ok := c.pods[key(namespace, name)]
	if !ok {
		c.mu.Unlock()
		return
	}
	now := metav1.Now()
	pod.DeletionTimestamp = &now
	cp := pod.DeepCopy()
	c.mu.Unlock()
	c.broadcast(orchestrator.PodEvent{Type: orchestrator.PodModified, Pod: cp})
}
