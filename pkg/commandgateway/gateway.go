// Package commandgateway implements C1: issuing argv commands inside the
// controller container via the orchestrator's exec facility, and parsing
// the engine CLI's stdout (tables and JSON). No other package talks to
// orchestrator.Client's Exec method directly — engine CLI format changes
// are meant to stay a localized concern here, per spec.md §9.
package commandgateway

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/blockerrors"
	"github.com/rancher/block-orchestrator/pkg/orchestrator"
)

// Gateway issues longhorn CLI commands inside a Block's controller pod.
type Gateway struct {
	client orchestrator.Client

	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Gateway over the given orchestrator client.
func New(client orchestrator.Client) *Gateway {
	return &Gateway{
		client:   client,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Result is the captured invocation of an engine command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs `longhorn <args...>` inside block.Controller's pod, per
// spec.md §4.1's preconditions. Every call to the controller is routed
// through a per-controller circuit breaker so a wedged engine process
// can't be hammered by repeated reconciliations (spec.md §5's note that
// exec calls may block for many seconds).
func (g *Gateway) Exec(ctx context.Context, block *blockv1.Block, argv []string) (Result, error) {
	if block.Controller == nil {
		return Result{}, blockerrors.New(blockerrors.KindNoController, "block %s has no controller", block.Name)
	}

	pod, err := g.client.GetPod(ctx, block.Namespace, block.Name)
	if err != nil {
		return Result{}, errors.Wrapf(err, "getting controller pod %s/%s", block.Namespace, block.Name)
	}
	if pod == nil {
		return Result{}, blockerrors.New(blockerrors.KindPodNotFound, "controller pod %s/%s", block.Namespace, block.Name)
	}
	if pod.Status.Phase != "Running" {
		return Result{}, blockerrors.New(blockerrors.KindPodNotRunning, "controller pod %s/%s is %s", block.Namespace, block.Name, pod.Status.Phase)
	}

	cb := g.breaker(block.Name)
	out, err := cb.Execute(func() (interface{}, error) {
		argvFull := append([]string{"longhorn"}, argv...)
		klog.V(4).Infof("%s: exec %v", block.Name, argvFull)
		res, err := g.client.Exec(ctx, block.Namespace, block.Name, argvFull)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return Result{}, blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "longhorn %v", argv)
	}
	res := out.(orchestrator.ExecResult)
	return Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// breaker returns (creating if necessary) the circuit breaker guarding
// exec calls to a given controller pod name.
func (g *Gateway) breaker(name string) *gobreaker.CircuitBreaker {
	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "controller-exec-" + name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	g.breakers[name] = cb
	return cb
}

// SizeArg formats a GiB size the way the engine CLI expects: lowercase,
// no space, e.g. "10gb" — spec.md §6: "Sizes are formatted as <N>gb
// (lowercase)".
func SizeArg(gib int64) string {
	return strconv.FormatInt(gib, 10) + "gb"
}

// ContainsError reports whether stderr contains one of the engine's known
// error substrings (spec.md §6's command-protocol boundary: error strings
// are matched substring-wise, never parsed structurally).
func ContainsError(stderr, substr string) bool {
	return strings.Contains(stderr, substr)
}
