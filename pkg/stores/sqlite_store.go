package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stackctl/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every pooled connection to :memory: would see its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection and verifies it.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return engine.NewStorageError("open", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return engine.NewStorageError("ping", err)
	}

	s.db = db
	log.Debug().Str("path", s.cfg.Path).Msg("Inventory store opened")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStore) ready(op string) error {
	if s.db == nil {
		return engine.NewStorageError(op, errors.New("database not initialized"))
	}
	return nil
}

// Upsert inserts or replaces a compute node record in one statement.
func (s *SQLiteStore) Upsert(ctx context.Context, record engine.ComputeNodeRecord) error {
	if err := s.ready("upsert"); err != nil {
		return err
	}
	if record.ID == "" {
		return engine.NewPermanentError("compute node id is required", nil).WithCode(engine.ErrCodeValidation)
	}

	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	query := `
		INSERT INTO compute_nodes (id, region, instance_type, public_address, private_address, state, tags, launch_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			region = excluded.region,
			instance_type = excluded.instance_type,
			public_address = excluded.public_address,
			private_address = excluded.private_address,
			state = excluded.state,
			tags = excluded.tags,
			launch_time = excluded.launch_time,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.Region,
		record.InstanceType,
		record.PublicAddress,
		record.PrivateAddress,
		string(record.State),
		string(tags),
		toMillis(record.LaunchTime),
		toMillis(time.Now()),
	)
	if err != nil {
		return engine.NewStorageError("upsert", err).WithResource(record.ID)
	}

	return nil
}

// Delete removes a compute node record. Unknown IDs are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := s.ready("delete"); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM compute_nodes WHERE id = ?`, id); err != nil {
		return engine.NewStorageError("delete", err).WithResource(id)
	}

	return nil
}

// List returns every compute node record ordered by ID.
func (s *SQLiteStore) List(ctx context.Context) ([]engine.ComputeNodeRecord, error) {
	if err := s.ready("list"); err != nil {
		return nil, err
	}

	query := `
		SELECT id, region, instance_type, public_address, private_address, state, tags, launch_time
		FROM compute_nodes
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, engine.NewStorageError("list", err)
	}
	defer rows.Close()

	records := []engine.ComputeNodeRecord{}
	for rows.Next() {
		var (
			r      engine.ComputeNodeRecord
			state  string
			tags   string
			launch int64
		)
		if err := rows.Scan(&r.ID, &r.Region, &r.InstanceType, &r.PublicAddress, &r.PrivateAddress, &state, &tags, &launch); err != nil {
			return nil, engine.NewStorageError("list", err)
		}
		r.State = engine.LifecycleState(state)
		r.LaunchTime = fromMillis(launch)
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", r.ID, err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, engine.NewStorageError("list", err)
	}

	return records, nil
}

// GetLatestDeploymentConfig returns the last persisted spec, or nil.
// Secrets are never stored, so the returned spec has them blank.
func (s *SQLiteStore) GetLatestDeploymentConfig(ctx context.Context) (*engine.DesiredStackSpec, error) {
	if err := s.ready("get_config"); err != nil {
		return nil, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT spec FROM deployment_config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewStorageError("get_config", err)
	}

	spec := &engine.DesiredStackSpec{}
	if err := json.Unmarshal([]byte(raw), spec); err != nil {
		return nil, fmt.Errorf("failed to decode deployment config: %w", err)
	}

	return spec, nil
}

// SaveDeploymentConfig overwrites the single-row deployment configuration.
func (s *SQLiteStore) SaveDeploymentConfig(ctx context.Context, spec engine.DesiredStackSpec, address string) error {
	if err := s.ready("save_config"); err != nil {
		return err
	}

	raw, err := json.Marshal(spec.Redacted())
	if err != nil {
		return fmt.Errorf("failed to encode deployment config: %w", err)
	}

	query := `
		INSERT INTO deployment_config (id, spec, address, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spec = excluded.spec,
			address = excluded.address,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, string(raw), address, toMillis(time.Now())); err != nil {
		return engine.NewStorageError("save_config", err)
	}

	return nil
}

// Snapshot returns the compute node map and the last reconciliation time.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*engine.InventorySnapshot, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var last int64
	err = s.db.QueryRowContext(ctx, `SELECT last_reconciled_at FROM inventory_meta WHERE id = 1`).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return nil, engine.NewStorageError("snapshot", err)
	}

	snap := &engine.InventorySnapshot{
		ComputeNodes:     make(map[string]engine.ComputeNodeRecord, len(records)),
		LastReconciledAt: fromMillis(last),
	}
	for _, r := range records {
		snap.ComputeNodes[r.ID] = r
	}

	return snap, nil
}

// MarkReconciled records the end of a reconcile cycle.
func (s *SQLiteStore) MarkReconciled(ctx context.Context, at time.Time) error {
	if err := s.ready("mark_reconciled"); err != nil {
		return err
	}

	query := `
		INSERT INTO inventory_meta (id, last_reconciled_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_reconciled_at = excluded.last_reconciled_at
	`
	if _, err := s.db.ExecContext(ctx, query, toMillis(at)); err != nil {
		return engine.NewStorageError("mark_reconciled", err)
	}

	return nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if err := s.ready("audit"); err != nil {
		return err
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		toMillis(entry.Timestamp),
	)
	if err != nil {
		return engine.NewStorageError("audit", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists the newest audit entries, optionally filtered by action.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit int) ([]*AuditEntry, error) {
	if err := s.ready("list_audit"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, limit)
	if err != nil {
		return nil, engine.NewStorageError("list_audit", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts int64
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.TargetID, &entry.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = fromMillis(ts)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, engine.NewStorageError("list_audit", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.ready("health"); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return engine.NewStorageError("health", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
