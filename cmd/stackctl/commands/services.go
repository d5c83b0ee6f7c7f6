package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stackctl/pkg/config"
	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/orchestrator"
	"github.com/openfroyo/stackctl/pkg/policy"
	"github.com/openfroyo/stackctl/pkg/providers/cloud"
	"github.com/openfroyo/stackctl/pkg/reconciler"
	"github.com/openfroyo/stackctl/pkg/stores"
	"github.com/openfroyo/stackctl/pkg/telemetry"
)

// services holds the components built once per invocation from the
// configuration file.
type services struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	cloud  *cloud.Manager
	logger zerolog.Logger
}

// loadServices reads the configuration and builds telemetry, the inventory
// store and the cloud manager. The returned context carries telemetry.
func loadServices(ctx context.Context) (*services, context.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, ctx, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Logger.SetGlobal()
	ctx = tel.WithContext(ctx)

	if err := tel.StartMetricsServer(ctx); err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, ctx, fmt.Errorf("failed to start metrics server: %w", err)
	}

	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, ctx, err
	}

	svc := &services{
		cfg:    cfg,
		tel:    tel,
		store:  store,
		cloud:  cloud.NewManager(cloud.NewAWSClient(cfg.Cloud.AWS), cfg.Cloud.Manager),
		logger: tel.Logger.Zerolog().With().Str("component", "cli").Logger(),
	}
	return svc, ctx, nil
}

// Close releases the store and flushes telemetry.
func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close inventory store")
	}
	if err := s.tel.Shutdown(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

func (s *services) orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(s.cloud, s.store, orchestrator.SSHDialer(),
		orchestrator.WithAuditor(s.store),
		orchestrator.WithMaxRecreate(s.cfg.Cloud.MaxRecreate),
		orchestrator.WithConnectivity(s.cfg.Reconcile.ConnectivityInterval, s.cfg.Reconcile.ProbeTimeout),
	)
}

func (s *services) reconciler() *reconciler.Reconciler {
	return reconciler.New(s.store, s.cloud, s.cfg.Stack,
		reconciler.WithInterval(s.cfg.Reconcile.Interval),
		reconciler.WithProbeTimeout(s.cfg.Reconcile.ProbeTimeout),
		reconciler.WithAuditor(s.store),
	)
}

// decisionFunc returns the cost checkpoint used by deployments: the policy
// engine when enabled, otherwise a checkpoint that always continues.
func (s *services) decisionFunc(ctx context.Context, spec engine.DesiredStackSpec) (engine.DecisionFunc, error) {
	if !s.cfg.Policy.Enabled {
		return engine.AlwaysContinue, nil
	}

	pe, err := policy.NewEngine(s.logger, s.cfg.Policy.Limits)
	if err != nil {
		return nil, err
	}
	if len(s.cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, s.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return pe.DecisionFunc(spec.Identity()), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
