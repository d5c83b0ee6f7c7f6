package stores

import (
	"context"
	"time"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// Audit actions recorded by the engine.
const (
	AuditNodeInserted   = "node.inserted"
	AuditNodeDeleted    = "node.deleted"
	AuditNodeUpdated    = "node.updated"
	AuditDeploySuccess  = "deploy.succeeded"
	AuditDeployHalted   = "deploy.halted"
	AuditDeployFailed   = "deploy.failed"
	AuditNodeTerminated = "node.terminated"
)

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "node.inserted", "deploy.halted"
	Actor     string    `json:"actor"`               // component that made the change
	TargetID  *string   `json:"target_id,omitempty"` // node ID or host
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store is the full persistence surface: the inventory contract plus
// lifecycle and audit helpers.
type Store interface {
	engine.InventoryStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// Auditor is the subset of Store used by components that only record
// what they changed.
type Auditor interface {
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// NewAuditEntry builds an entry stamped with the current time.
func NewAuditEntry(action, actor, target string) *AuditEntry {
	entry := &AuditEntry{Action: action, Actor: actor, Timestamp: time.Now().UTC()}
	if target != "" {
		entry.TargetID = &target
	}
	return entry
}

// WithDetails attaches a details blob.
func (e *AuditEntry) WithDetails(details string) *AuditEntry {
	if details != "" {
		e.Details = &details
	}
	return e
}
