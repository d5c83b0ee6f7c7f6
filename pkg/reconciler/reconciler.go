package reconciler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/health"
	"github.com/openfroyo/stackctl/pkg/stores"
	"github.com/openfroyo/stackctl/pkg/telemetry"
)

// DefaultInterval is the time between two reconcile cycles.
const DefaultInterval = 10 * time.Second

// Drift kinds.
const (
	DriftOrphaned   = "orphaned"
	DriftMissing    = "missing"
	DriftMismatched = "mismatched"
)

// Cycle statuses recorded in metrics.
const (
	CycleOK      = "ok"
	CycleSkipped = "skipped"
	CyclePartial = "partial"
)

// Lister discovers the live cloud nodes of a stack.
type Lister interface {
	ListAllMatching(ctx context.Context, spec engine.DesiredStackSpec) ([]engine.ComputeNodeRecord, error)
}

// Report describes one reconcile cycle.
type Report struct {
	At       time.Time `json:"at"`
	Status   string    `json:"status"`
	Inserted []string  `json:"inserted,omitempty"`
	Updated  []string  `json:"updated,omitempty"`
	Deleted  []string  `json:"deleted,omitempty"`

	// Failed lists corrections that could not be written.
	Failed []string `json:"failed,omitempty"`

	Reachability engine.ReachabilityReport `json:"reachability"`
}

// Corrections counts the records changed by the cycle.
func (r Report) Corrections() int {
	return len(r.Inserted) + len(r.Updated) + len(r.Deleted)
}

// Reconciler keeps the inventory store coherent with the live cloud nodes
// of the desired stack.
type Reconciler struct {
	store   engine.InventoryStore
	cloud   Lister
	auditor stores.Auditor

	spec         atomic.Pointer[engine.DesiredStackSpec]
	interval     time.Duration
	probeTimeout time.Duration
	now          func() time.Time

	reports chan Report
	logger  zerolog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval sets the cycle interval.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// WithProbeTimeout bounds each reachability probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.probeTimeout = d }
}

// WithAuditor records every correction.
func WithAuditor(a stores.Auditor) Option {
	return func(r *Reconciler) { r.auditor = a }
}

// New creates a reconciler for spec.
func New(store engine.InventoryStore, cloud Lister, spec engine.DesiredStackSpec, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:        store,
		cloud:        cloud,
		interval:     DefaultInterval,
		probeTimeout: health.DefaultTCPTimeout,
		now:          time.Now,
		reports:      make(chan Report, 1),
		logger:       log.With().Str("component", "reconciler").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	r.SetSpec(spec)
	return r
}

// SetSpec swaps the desired stack. The next cycle uses it.
func (r *Reconciler) SetSpec(spec engine.DesiredStackSpec) {
	r.spec.Store(&spec)
	r.logger.Debug().Str("stack", spec.Identity().Name()).Msg("Desired stack updated")
}

// Spec returns the desired stack in use.
func (r *Reconciler) Spec() engine.DesiredStackSpec {
	return *r.spec.Load()
}

// Reports delivers the most recent cycle report not yet read.
func (r *Reconciler) Reports() <-chan Report {
	return r.reports
}

// Run reconciles immediately and then every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info().Dur("interval", r.interval).Msg("Starting reconcile loop")
	task := engine.StartPeriodic(ctx, "reconcile", r.interval, func(ctx context.Context) {
		_, _ = r.RunCycle(ctx)
	})
	<-task.Done()
	r.logger.Info().Msg("Reconcile loop stopped")
}

// RunCycle performs one reconcile cycle. When the store or the provider
// cannot be listed the cycle is skipped and nothing is written.
func (r *Reconciler) RunCycle(ctx context.Context) (Report, error) {
	spec := r.Spec()
	identity := spec.Identity()
	metrics := telemetry.MetricsFrom(ctx)
	report := Report{At: r.now().UTC()}

	stored, err := r.store.List(ctx)
	if err != nil {
		return r.skip(ctx, report, fmt.Errorf("failed to list inventory: %w", err))
	}
	live, err := r.cloud.ListAllMatching(ctx, spec)
	if err != nil {
		return r.skip(ctx, report, fmt.Errorf("failed to list cloud nodes: %w", err))
	}

	liveByID := make(map[string]engine.ComputeNodeRecord, len(live))
	for _, node := range live {
		liveByID[node.ID] = node
	}
	storedByID := make(map[string]engine.ComputeNodeRecord, len(stored))
	for _, rec := range stored {
		if !identity.Matches(rec.Tags) {
			continue
		}
		storedByID[rec.ID] = rec
	}

	for id := range storedByID {
		if _, ok := liveByID[id]; ok {
			continue
		}
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Error().Err(err).Str("node_id", id).Msg("Failed to delete orphaned record")
			report.Failed = append(report.Failed, id)
			continue
		}
		report.Deleted = append(report.Deleted, id)
		r.corrected(ctx, id, DriftOrphaned, stores.AuditNodeDeleted)
	}

	for _, node := range live {
		rec, known := storedByID[node.ID]
		if known && !node.Differs(rec) {
			continue
		}
		kind, action := DriftMissing, stores.AuditNodeInserted
		if known {
			kind, action = DriftMismatched, stores.AuditNodeUpdated
		}
		if err := r.store.Upsert(ctx, node); err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID).Str("kind", kind).Msg("Failed to correct record")
			report.Failed = append(report.Failed, node.ID)
			continue
		}
		if known {
			report.Updated = append(report.Updated, node.ID)
		} else {
			report.Inserted = append(report.Inserted, node.ID)
		}
		r.corrected(ctx, node.ID, kind, action)
	}

	counts := make(map[engine.LifecycleState]int)
	for _, node := range live {
		counts[node.State]++
	}
	for _, state := range engine.DiscoverableStates {
		metrics.SetComputeNodes(string(state), float64(counts[state]))
	}

	report.Reachability = health.ProbeReachability(ctx, spec.Edge, live, r.probeTimeout)
	metrics.SetReachable("edge", report.Reachability.Edge.Reachable)
	for id, ok := range report.Reachability.Nodes {
		metrics.SetReachable(id, ok)
	}
	_ = telemetry.SinkFrom(ctx).Publish(telemetry.ReachabilityEvent("reconciler", report.Reachability))

	if err := r.store.MarkReconciled(ctx, report.At); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record reconcile time")
	}

	report.Status = CycleOK
	if len(report.Failed) > 0 {
		report.Status = CyclePartial
	}
	metrics.RecordReconcileCycle(report.Status)

	event := r.logger.Info()
	if report.Corrections() == 0 && len(report.Failed) == 0 {
		event = r.logger.Debug()
	}
	event.
		Int("live", len(live)).
		Int("inserted", len(report.Inserted)).
		Int("updated", len(report.Updated)).
		Int("deleted", len(report.Deleted)).
		Bool("edge_reachable", report.Reachability.Edge.Reachable).
		Msg("Reconcile cycle completed")

	r.publish(report)
	return report, nil
}

func (r *Reconciler) skip(ctx context.Context, report Report, err error) (Report, error) {
	report.Status = CycleSkipped
	telemetry.MetricsFrom(ctx).RecordReconcileCycle(CycleSkipped)
	r.logger.Warn().Err(err).Msg("Skipping reconcile cycle")
	r.publish(report)
	return report, err
}

func (r *Reconciler) corrected(ctx context.Context, nodeID, kind, action string) {
	r.logger.Info().Str("node_id", nodeID).Str("kind", kind).Msg("Corrected inventory drift")
	telemetry.MetricsFrom(ctx).RecordDriftCorrection(kind)
	_ = telemetry.SinkFrom(ctx).Publish(telemetry.DriftDetectedEvent(nodeID, kind))

	if r.auditor == nil {
		return
	}
	entry := stores.NewAuditEntry(action, "reconciler", nodeID).WithDetails(kind)
	if err := r.auditor.CreateAuditEntry(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Failed to record audit entry")
	}
}

// publish keeps only the newest report for readers.
func (r *Reconciler) publish(report Report) {
	select {
	case <-r.reports:
	default:
	}
	select {
	case r.reports <- report:
	default:
	}
}
