package config

import (
	"time"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/policy"
	"github.com/openfroyo/stackctl/pkg/providers/cloud"
	"github.com/openfroyo/stackctl/pkg/stores"
	"github.com/openfroyo/stackctl/pkg/telemetry"
)

// Config is the content of a stackctl.yaml file.
type Config struct {
	// Stack is the desired state of the stack.
	Stack engine.DesiredStackSpec `yaml:"stack"`

	// Cloud configures the provider client and the cloud node manager.
	Cloud CloudConfig `yaml:"cloud"`

	// Policy configures the cost checkpoint.
	Policy PolicyConfig `yaml:"policy"`

	// Store configures the inventory database.
	Store stores.Config `yaml:"store"`

	// Reconcile configures the coherence loop and the connectivity poller.
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry"`

	// Source is the file the configuration was read from.
	Source string `yaml:"-"`

	// LoadedAt is when the configuration was read.
	LoadedAt time.Time `yaml:"-"`
}

// CloudConfig configures the cloud side of a deployment.
type CloudConfig struct {
	// AWS holds credential overrides. Empty fields fall back to the SDK's
	// default chain.
	AWS cloud.AWSOptions `yaml:"aws"`

	// Manager holds timeouts, endpoints and throttling.
	Manager cloud.Options `yaml:"manager"`

	// MaxRecreate is how many times an unhealthy node is replaced.
	MaxRecreate int `yaml:"max_recreate" validate:"gte=0,lte=5"`
}

// PolicyConfig configures the cost checkpoint.
type PolicyConfig struct {
	// Enabled turns the checkpoint on. When off every deployment continues.
	Enabled bool `yaml:"enabled"`

	// Limits are passed to the policies as input.
	Limits policy.Limits `yaml:"limits"`

	// Paths lists custom policy files or directories.
	Paths []string `yaml:"paths"`
}

// ReconcileConfig configures the periodic tasks.
type ReconcileConfig struct {
	Interval             time.Duration `yaml:"interval" validate:"gt=0"`
	ConnectivityInterval time.Duration `yaml:"connectivity_interval" validate:"gt=0"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout" validate:"gt=0"`
}

// ValidationError describes one invalid field.
type ValidationError struct {
	// Path is the dotted field path (e.g., "Stack.Edge.Host").
	Path string `json:"path"`

	// Message is the error message.
	Message string `json:"message"`
}

// ValidationErrors is returned when a configuration fails validation.
type ValidationErrors []ValidationError
