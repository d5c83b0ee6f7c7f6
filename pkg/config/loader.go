package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/health"
	"github.com/openfroyo/stackctl/pkg/providers/cloud"
	"github.com/openfroyo/stackctl/pkg/stores"
	"github.com/openfroyo/stackctl/pkg/telemetry"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "stackctl.yaml"

// Defaults of the stack.
const (
	DefaultProject         = "ids2"
	DefaultRole            = "elk"
	DefaultRegion          = "eu-west-1"
	DefaultInstanceType    = "t3.medium"
	DefaultRootVolumeGiB   = 30
	DefaultRootVolumeType  = "gp3"
	DefaultServiceVersion  = "8.12.0"
	DefaultEdgeUser        = "pi"
	DefaultEdgePort        = 22
	DefaultRemoteDir       = "/opt/ids2"
	DefaultMirrorInterface = "eth0"
	DefaultStorePath       = "stackctl.db"
	DefaultReconcileEvery  = 10 * time.Second
)

// envPattern matches ${NAME} and ${NAME:-fallback}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

var validate = validator.New()

// Default returns a configuration with every default applied and no secrets.
func Default() *Config {
	return &Config{
		Stack: engine.DesiredStackSpec{
			Project: DefaultProject,
			Role:    DefaultRole,
			Region:  DefaultRegion,
			Compute: engine.ComputeSpec{
				InstanceType:      DefaultInstanceType,
				RootVolumeGiB:     DefaultRootVolumeGiB,
				RootVolumeType:    DefaultRootVolumeType,
				AssociatePublicIP: true,
				ServiceVersion:    DefaultServiceVersion,
			},
			Edge: engine.EdgeSpec{
				Port:            DefaultEdgePort,
				User:            DefaultEdgeUser,
				RemoteDir:       DefaultRemoteDir,
				MirrorInterface: DefaultMirrorInterface,
			},
		},
		Cloud: CloudConfig{
			Manager:     cloud.DefaultOptions(),
			MaxRecreate: 1,
		},
		Store: stores.Config{Path: DefaultStorePath},
		Reconcile: ReconcileConfig{
			Interval:             DefaultReconcileEvery,
			ConnectivityInterval: health.DefaultConnectivityInterval,
			ProbeTimeout:         health.DefaultTCPTimeout,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads, expands, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Source = path
	return cfg, nil
}

// Parse decodes a configuration document over Default and validates it.
func Parse(data []byte) (*Config, error) {
	expanded, err := ExpandEnv(string(data), os.LookupEnv)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDerivedDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.LoadedAt = time.Now()
	return cfg, nil
}

// ExpandEnv substitutes ${NAME} and ${NAME:-fallback} references. Bare $NAME
// is left alone so secrets may contain dollar signs. A reference to an unset
// variable without a fallback is an error.
func ExpandEnv(content string, lookup func(string) (string, bool)) (string, error) {
	var missing []string

	out := envPattern.ReplaceAllStringFunc(content, func(ref string) string {
		m := envPattern.FindStringSubmatch(ref)
		if value, ok := lookup(m[1]); ok {
			return value
		}
		if strings.Contains(ref, ":-") {
			return m[2]
		}
		missing = append(missing, m[1])
		return ref
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("undefined environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// applyDerivedDefaults fills values that depend on other fields.
func (c *Config) applyDerivedDefaults() {
	if c.Stack.Edge.Port == 0 {
		c.Stack.Edge.Port = DefaultEdgePort
	}
	if c.Stack.Compute.KeyName == "" {
		c.Stack.Compute.KeyName = c.Stack.Identity().Name()
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
	if c.Cloud.Manager.Endpoints == (health.Endpoints{}) {
		c.Cloud.Manager.Endpoints = health.DefaultEndpoints()
	}
	if len(c.Cloud.Manager.ImageParameters) == 0 {
		c.Cloud.Manager.ImageParameters = cloud.DefaultImageParameters
	}
}

// Validate checks struct tags across the whole configuration and the
// telemetry section's own rules.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: describe(fe),
			})
		}
	}

	if c.Store.Path == "" {
		errs = append(errs, ValidationError{Path: "Store.Path", Message: "is required"})
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "Telemetry", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// describe renders a field error the way a config author reads it.
func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "cidr":
		return "must be a CIDR block"
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	default:
		return fmt.Sprintf("failed %s=%s (got %v)", fe.Tag(), fe.Param(), fe.Value())
	}
}

// Error implements error.
func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, ve := range e {
		parts = append(parts, ve.Path+" "+ve.Message)
	}
	return "invalid config: " + strings.Join(parts, "; ")
}
