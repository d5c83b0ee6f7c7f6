package engine

import (
	"context"
	"os"
	"time"
)

// InventoryStore persists compute node records and the latest deployment
// configuration. Every write is atomic for a single record.
type InventoryStore interface {
	// Upsert inserts or replaces a record keyed by its ID.
	Upsert(ctx context.Context, record ComputeNodeRecord) error

	// Delete removes a record. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error

	// List returns every record.
	List(ctx context.Context) ([]ComputeNodeRecord, error)

	// GetLatestDeploymentConfig returns the spec of the last successful
	// deployment, or nil when none was recorded.
	GetLatestDeploymentConfig(ctx context.Context) (*DesiredStackSpec, error)

	// SaveDeploymentConfig overwrites the latest deployment configuration.
	SaveDeploymentConfig(ctx context.Context, spec DesiredStackSpec, address string) error

	// Snapshot returns all records plus the last reconciliation time.
	Snapshot(ctx context.Context) (*InventorySnapshot, error)

	// MarkReconciled records the completion time of a reconcile cycle.
	MarkReconciled(ctx context.Context, at time.Time) error
}

// RunOptions control how a remote command is executed.
type RunOptions struct {
	// Privileged runs the command through sudo with the cached secret.
	Privileged bool

	// Check turns a non-zero exit status into an error.
	Check bool
}

// CommandResult is the captured result of a remote command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success returns true if the command exited with status 0.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// RemoteSession is a command and file channel to one host.
type RemoteSession interface {
	// Run executes a command under a login shell.
	Run(ctx context.Context, command string, opts RunOptions) (*CommandResult, error)

	// Upload copies a single local file to the remote path.
	Upload(ctx context.Context, localPath, remotePath string) error

	// UploadTree copies a directory recursively, pruning ignored subtrees.
	UploadTree(ctx context.Context, localDir, remoteDir string, ignore []string) error

	// WriteFile atomically replaces the remote file with content. The file
	// carries mode from the moment content is written.
	WriteFile(ctx context.Context, remotePath string, content []byte, mode os.FileMode, privileged bool) error

	// Exists reports whether the remote path exists.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// Close releases the transport.
	Close() error
}

// DecisionFunc is consulted once per deployment, after the cloud node exists.
type DecisionFunc func(ctx context.Context, estimate CostEstimate) (Decision, error)

// ProgressFunc receives (done, total, label) after every pipeline step.
type ProgressFunc func(done, total int, label string)

// AlwaysContinue is a DecisionFunc that never halts.
func AlwaysContinue(context.Context, CostEstimate) (Decision, error) {
	return DecisionContinue, nil
}
