// Package snapshot implements C4: the snapshot/clone/hash command surface
// against a Block's controller, gated on the block being online. It holds
// no state of its own — every operation is a single gateway.Exec call, so
// unlike C2/C3 this is a thin Operator
// rather than a Driver with persisted side effects.
package snapshot

import (
	"context"
	"encoding/json"

	"github.com/rancher/block-orchestrator/pkg/blockerrors"
	"github.com/rancher/block-orchestrator/pkg/commandgateway"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
)

// Operator is C4's implementation.
type Operator struct {
	gateway *commandgateway.Gateway
}

// New builds an Operator over the given command gateway.
func New(gateway *commandgateway.Gateway) *Operator {
	return &Operator{gateway: gateway}
}

func requireOnline(block *blockv1.Block) error {
	if !block.Online {
		return blockerrors.New(blockerrors.KindBlockOffline, "block %s is offline", block.Name)
	}
	return nil
}

// Create issues `longhorn snapshots create`.
func (o *Operator) Create(ctx context.Context, block *blockv1.Block) (commandgateway.Result, error) {
	if err := requireOnline(block); err != nil {
		return commandgateway.Result{}, err
	}
	return o.gateway.Exec(ctx, block, []string{"snapshots", "create"})
}

// Revert issues `longhorn snapshots revert <name>`.
func (o *Operator) Revert(ctx context.Context, block *blockv1.Block, name string) (commandgateway.Result, error) {
	if err := requireOnline(block); err != nil {
		return commandgateway.Result{}, err
	}
	return o.gateway.Exec(ctx, block, []string{"snapshots", "revert", name})
}

// List issues `longhorn snapshots ls` and parses the table.
func (o *Operator) List(ctx context.Context, block *blockv1.Block) ([]string, error) {
	if err := requireOnline(block); err != nil {
		return nil, err
	}
	res, err := o.gateway.Exec(ctx, block, []string{"snapshots", "ls"})
	if err != nil {
		return nil, err
	}
	return commandgateway.ParseSnapshotList(res.Stdout), nil
}

// Remove issues `longhorn snapshots rm <name>`.
func (o *Operator) Remove(ctx context.Context, block *blockv1.Block, name string) (commandgateway.Result, error) {
	if err := requireOnline(block); err != nil {
		return commandgateway.Result{}, err
	}
	return o.gateway.Exec(ctx, block, []string{"snapshots", "rm", name})
}

// Purge issues `longhorn snapshots purge [--skip-if-in-progress]`. Purging
// is asynchronous on the engine side: the core only reports what the
// engine returns and expects callers to poll PurgeStatus — it never
// serialises or waits on sibling-snapshot coalescing itself.
func (o *Operator) Purge(ctx context.Context, block *blockv1.Block, skipIfInProgress bool) (commandgateway.Result, error) {
	if err := requireOnline(block); err != nil {
		return commandgateway.Result{}, err
	}
	argv := []string{"snapshots", "purge"}
	if skipIfInProgress {
		argv = append(argv, "--skip-if-in-progress")
	}
	return o.gateway.Exec(ctx, block, argv)
}

// PurgeStatus issues `longhorn snapshots purge-status`.
func (o *Operator) PurgeStatus(ctx context.Context, block *blockv1.Block) (commandgateway.Result, error) {
	if err := requireOnline(block); err != nil {
		return commandgateway.Result{}, err
	}
	return o.gateway.Exec(ctx, block, []string{"snapshots", "purge-status"})
}

// Info issues `longhorn snapshots info` and parses the JSON document into v.
func (o *Operator) Info(ctx context.Context, block *blockv1.Block, v interface{}) error {
	if err := requireOnline(block); err != nil {
		return err
	}
	res, err := o.gateway.Exec(ctx, block, []string{"snapshots", "info"})
	if err != nil {
		return err
	}
	return commandgateway.ParseJSON(res.Stdout, v)
}

// CloneOptions names the source snapshot being cloned from.
type CloneOptions struct {
	SnapshotName             string
	FromControllerAddress    string
	FromVolumeName           string
	FromControllerInstanceName string
}

// Clone issues the `longhorn snapshots clone` command.
func (o *Operator) Clone(ctx context.Context, block *blockv1.Block, opts CloneOptions) (commandgateway.Result, error) {
	if err := requireOnline(block); err != nil {
		return commandgateway.Result{}, err
	}
	argv := []string{"snapshots", "clone",
		"--snapshot-name", opts.SnapshotName,
		"--from-controller-address", opts.FromControllerAddress,
		"--from-volume-name", opts.FromVolumeName,
		"--from-controller-instance-name", opts.FromControllerInstanceName,
	}
	return o.gateway.Exec(ctx, block, argv)
}

// CloneStatus issues `longhorn snapshots clone-status <name>`.
func (o *Operator) CloneStatus(ctx context.Context, block *blockv1.Block, name string) (commandgateway.Result, error) {
	if err := requireOnline(block); err != nil {
		return commandgateway.Result{}, err
	}
	return o.gateway.Exec(ctx, block, []string{"snapshots", "clone-status", name})
}

// Hash issues `longhorn snapshots hash <name>`, returning its JSON body.
func (o *Operator) Hash(ctx context.Context, block *blockv1.Block, name string, v interface{}) error {
	return o.hashJSON(ctx, block, "hash", name, v)
}

// HashCancel issues `longhorn snapshots hash-cancel <name>`.
func (o *Operator) HashCancel(ctx context.Context, block *blockv1.Block, name string, v interface{}) error {
	return o.hashJSON(ctx, block, "hash-cancel", name, v)
}

// HashStatus issues `longhorn snapshots hash-status <name>`.
func (o *Operator) HashStatus(ctx context.Context, block *blockv1.Block, name string, v interface{}) error {
	return o.hashJSON(ctx, block, "hash-status", name, v)
}

func (o *Operator) hashJSON(ctx context.Context, block *blockv1.Block, sub, name string, v interface{}) error {
	if err := requireOnline(block); err != nil {
		return err
	}
	res, err := o.gateway.Exec(ctx, block, []string{"snapshots", sub, name})
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(res.Stdout), v); err != nil {
		return blockerrors.Wrap(err, blockerrors.KindEngineCommandFailed, "parsing snapshots %s output", sub)
	}
	return nil
}
