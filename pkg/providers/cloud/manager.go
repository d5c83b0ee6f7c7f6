package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/health"
	"github.com/openfroyo/stackctl/pkg/telemetry"
)

const (
	// DefaultPublicIPURL answers with the caller's public address.
	DefaultPublicIPURL = "https://checkip.amazonaws.com"

	// DefaultAPICallTimeout bounds one provider API request.
	DefaultAPICallTimeout = 30 * time.Second

	securityGroupDescription = "IDS2 ELK Access"
	defaultRootVolumeGiB     = 30
	defaultRootVolumeType    = "gp3"
)

// DefaultImageParameters are the provider parameters holding the current
// Ubuntu 22.04 image, tried in order.
var DefaultImageParameters = []string{
	"/aws/service/canonical/ubuntu/server/22.04/stable/current/amd64/hvm/ebs-gp3/ami-id",
	"/aws/service/canonical/ubuntu/server/22.04/stable/current/amd64/hvm/ebs-gp2/ami-id",
}

// Timeouts bounds every wait the manager performs.
type Timeouts struct {
	InstanceWait   time.Duration `yaml:"instance_wait"`
	InstancePoll   time.Duration `yaml:"instance_poll"`
	HealthWait     time.Duration `yaml:"health_wait"`
	HealthPoll     time.Duration `yaml:"health_poll"`
	Remediation    time.Duration `yaml:"remediation"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	CommandPoll    time.Duration `yaml:"command_poll"`
	HTTPProbe      time.Duration `yaml:"http_probe"`

	// APICall bounds a single provider API request.
	APICall time.Duration `yaml:"api_call"`
}

// DefaultTimeouts returns the production waits.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		InstanceWait:   10 * time.Minute,
		InstancePoll:   5 * time.Second,
		HealthWait:     10 * time.Minute,
		HealthPoll:     5 * time.Second,
		Remediation:    4 * time.Minute,
		CommandTimeout: 4 * time.Minute,
		CommandPoll:    2 * time.Second,
		HTTPProbe:      health.DefaultHTTPTimeout,
		APICall:        DefaultAPICallTimeout,
	}
}

// Options configures a Manager.
type Options struct {
	Timeouts        Timeouts         `yaml:"timeouts"`
	Endpoints       health.Endpoints `yaml:"endpoints"`
	ImageParameters []string         `yaml:"image_parameters"`
	PublicIPURL     string           `yaml:"public_ip_url"`

	// RequestsPerSecond and Burst throttle calls to the provider API.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultOptions returns production options.
func DefaultOptions() Options {
	return Options{
		Timeouts:          DefaultTimeouts(),
		Endpoints:         health.DefaultEndpoints(),
		ImageParameters:   DefaultImageParameters,
		PublicIPURL:       DefaultPublicIPURL,
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// Manager converges the cloud node of a stack: it discovers, creates,
// health-gates, remediates and terminates instances through API.
type Manager struct {
	api     API
	opts    Options
	limiter *rate.Limiter
	http    *http.Client
	logger  zerolog.Logger
}

// NewManager creates a manager over api.
func NewManager(api API, opts Options) *Manager {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeouts.APICall <= 0 {
		opts.Timeouts.APICall = DefaultAPICallTimeout
	}
	if opts.Timeouts.HTTPProbe <= 0 {
		opts.Timeouts.HTTPProbe = health.DefaultHTTPTimeout
	}
	if opts.PublicIPURL == "" {
		opts.PublicIPURL = DefaultPublicIPURL
	}
	return &Manager{
		api:     api,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		http:    &http.Client{Timeout: opts.Timeouts.HTTPProbe},
		logger:  log.With().Str("component", "cloud").Logger(),
	}
}

// call throttles, bounds and instruments one provider API call. A call
// that outlives Timeouts.APICall fails with a transient TIMEOUT error.
func (m *Manager) call(ctx context.Context, op, region string, fn func(ctx context.Context) error) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	limit := m.opts.Timeouts.APICall
	callCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	err := telemetry.RecordCloudOperation(callCtx, op, region, fn)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return engine.NewTransientError(fmt.Sprintf("%s in %s timed out after %s", op, region, limit), err).
			WithOperation(op).
			WithCode(engine.ErrCodeTimeout)
	}
	return err
}

func (m *Manager) prober(spec engine.DesiredStackSpec) *health.Prober {
	return health.NewProber(m.opts.Endpoints, spec.Secrets.ServicePassword, m.opts.Timeouts.HTTPProbe)
}

// ListAllMatching discovers the stack's nodes across all of its regions,
// ordered running, pending, stopping, stopped with the newest launch first.
func (m *Manager) ListAllMatching(ctx context.Context, spec engine.DesiredStackSpec) ([]engine.ComputeNodeRecord, error) {
	filter := InstanceFilter{
		Tags: map[string]string{
			engine.TagProject: spec.Project,
			engine.TagRole:    spec.Role,
		},
		States: engine.DiscoverableStates,
	}

	var (
		mu    sync.Mutex
		nodes []engine.ComputeNodeRecord
	)
	g, gCtx := errgroup.WithContext(ctx)
	for _, region := range spec.Regions() {
		g.Go(func() error {
			var found []engine.ComputeNodeRecord
			err := m.call(gCtx, "describe_instances", region, func(ctx context.Context) error {
				var err error
				found, err = m.api.DescribeInstances(ctx, region, filter)
				return err
			})
			if err != nil {
				return err
			}
			mu.Lock()
			nodes = append(nodes, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	engine.SortNodes(nodes)
	return nodes, nil
}

// EnsureInstance returns the stack's single active node, creating one when
// none is running or pending. Surplus active nodes are terminated and
// inactive matches are replaced.
func (m *Manager) EnsureInstance(ctx context.Context, spec engine.DesiredStackSpec) (engine.ComputeNodeRecord, error) {
	nodes, err := m.ListAllMatching(ctx, spec)
	if err != nil {
		return engine.ComputeNodeRecord{}, err
	}

	if len(nodes) > 0 && nodes[0].State.IsActive() {
		keep := nodes[0]
		var surplus []engine.ComputeNodeRecord
		for _, n := range nodes[1:] {
			if n.State.IsActive() {
				surplus = append(surplus, n)
			}
		}
		if len(surplus) > 0 {
			m.logger.Warn().Int("count", len(surplus)).Str("keep", keep.ID).Msg("Terminating duplicate nodes")
			m.TerminateAllExcept(ctx, surplus, keep.ID)
		}
		m.logger.Info().Str("node_id", keep.ID).Str("state", string(keep.State)).Msg("Reusing existing node")
		return keep, nil
	}

	if len(nodes) > 0 {
		m.logger.Info().Int("count", len(nodes)).Msg("No active node, replacing inactive ones")
		m.TerminateAllExcept(ctx, nodes, "")
	}
	return m.create(ctx, spec)
}

func (m *Manager) create(ctx context.Context, spec engine.DesiredStackSpec) (engine.ComputeNodeRecord, error) {
	region := spec.Region

	imageID, err := m.resolveImage(ctx, spec)
	if err != nil {
		return engine.ComputeNodeRecord{}, err
	}
	groupID, err := m.ensureSecurityGroup(ctx, spec)
	if err != nil {
		return engine.ComputeNodeRecord{}, err
	}
	if err := m.ensureKeyPair(ctx, spec); err != nil {
		return engine.ComputeNodeRecord{}, err
	}
	compose, err := ComposeDocument(spec.Compute.ServiceVersion, spec.Secrets.ServicePassword)
	if err != nil {
		return engine.ComputeNodeRecord{}, err
	}

	req := LaunchRequest{
		ImageID:           imageID,
		InstanceType:      spec.Compute.InstanceType,
		KeyName:           spec.Compute.KeyName,
		UserData:          UserData(compose),
		RootVolumeGiB:     spec.Compute.RootVolumeGiB,
		RootVolumeType:    spec.Compute.RootVolumeType,
		SubnetID:          spec.Compute.SubnetID,
		SecurityGroupIDs:  []string{groupID},
		AssociatePublicIP: spec.Compute.AssociatePublicIP,
		InstanceProfile:   spec.Compute.InstanceProfile,
		Tags:              spec.Identity().Tags(),
	}
	if req.RootVolumeGiB == 0 {
		req.RootVolumeGiB = defaultRootVolumeGiB
	}
	if req.RootVolumeType == "" {
		req.RootVolumeType = defaultRootVolumeType
	}

	var node engine.ComputeNodeRecord
	err = m.call(ctx, "run_instances", region, func(ctx context.Context) error {
		var err error
		node, err = m.api.RunInstance(ctx, region, req)
		return err
	})
	if err != nil {
		return engine.ComputeNodeRecord{}, err
	}

	m.logger.Info().
		Str("node_id", node.ID).
		Str("region", region).
		Str("image", imageID).
		Str("instance_type", req.InstanceType).
		Msg("Launched node")
	return node, nil
}

func (m *Manager) resolveImage(ctx context.Context, spec engine.DesiredStackSpec) (string, error) {
	if spec.Compute.ImageID != "" {
		return spec.Compute.ImageID, nil
	}

	var lastErr error
	for _, name := range m.opts.ImageParameters {
		var value string
		err := m.call(ctx, "get_parameter", spec.Region, func(ctx context.Context) error {
			var err error
			value, err = m.api.GetParameter(ctx, spec.Region, name)
			return err
		})
		if err == nil {
			return value, nil
		}
		if engine.IsAuth(err) || ctx.Err() != nil {
			return "", err
		}
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn().Err(err).Str("parameter", name).Msg("Image parameter lookup failed")
		}
		lastErr = err
	}
	return "", engine.NewImageNotResolvedError(spec.Region, lastErr)
}

func (m *Manager) ensureSecurityGroup(ctx context.Context, spec engine.DesiredStackSpec) (string, error) {
	if spec.Compute.SecurityGroupID != "" {
		return spec.Compute.SecurityGroupID, nil
	}

	region := spec.Region
	name := spec.Identity().Name() + "-sg"

	var sg SecurityGroup
	err := m.call(ctx, "describe_security_groups", region, func(ctx context.Context) error {
		var err error
		sg, err = m.api.DescribeSecurityGroup(ctx, region, name, spec.Compute.VPCID)
		return err
	})
	if err == nil {
		return sg.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	cidr, err := m.adminCIDR(ctx, spec)
	if err != nil {
		return "", err
	}
	rules := []IngressRule{
		{Port: int32(health.SSHPort), CIDR: cidr},
		{Port: int32(health.SearchPort), CIDR: cidr},
		{Port: int32(health.DashboardPort), CIDR: cidr},
	}
	err = m.call(ctx, "create_security_group", region, func(ctx context.Context) error {
		var err error
		sg, err = m.api.CreateSecurityGroup(ctx, region, name, securityGroupDescription, spec.Compute.VPCID, rules)
		return err
	})
	if err != nil {
		return "", err
	}

	m.logger.Info().Str("group", name).Str("id", sg.ID).Str("cidr", cidr).Msg("Created security group")
	return sg.ID, nil
}

// adminCIDR returns the configured admin range or the caller's public /32.
func (m *Manager) adminCIDR(ctx context.Context, spec engine.DesiredStackSpec) (string, error) {
	if spec.Compute.AdminCIDR != "" {
		return spec.Compute.AdminCIDR, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.PublicIPURL, nil)
	if err != nil {
		return "", engine.NewPermanentError("invalid public address lookup", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", engine.NewTransientError("public address lookup failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", engine.NewTransientError("public address lookup failed", err)
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK || ip == nil || ip.To4() == nil {
		return "", engine.NewTransientError(fmt.Sprintf("unexpected public address response (status %d)", resp.StatusCode), nil)
	}
	return ip.String() + "/32", nil
}

func (m *Manager) ensureKeyPair(ctx context.Context, spec engine.DesiredStackSpec) error {
	pub, err := EnsureLocalKey(spec.Compute.KeyPath)
	if err != nil {
		return engine.NewPermanentError("local key unavailable", err).WithResource(spec.Compute.KeyPath)
	}

	region := spec.Region
	name := spec.Compute.KeyName

	var exists bool
	err = m.call(ctx, "describe_key_pairs", region, func(ctx context.Context) error {
		var err error
		exists, err = m.api.KeyPairExists(ctx, region, name)
		return err
	})
	if err != nil || exists {
		return err
	}

	err = m.call(ctx, "import_key_pair", region, func(ctx context.Context) error {
		return m.api.ImportKeyPair(ctx, region, name, pub)
	})
	if err == nil {
		m.logger.Info().Str("key", name).Msg("Imported key pair")
	}
	return err
}

// refresh re-reads a node from the provider.
func (m *Manager) refresh(ctx context.Context, node engine.ComputeNodeRecord) (engine.ComputeNodeRecord, error) {
	filter := InstanceFilter{Tags: map[string]string{}}
	for _, k := range []string{engine.TagProject, engine.TagRole} {
		if v, ok := node.Tags[k]; ok {
			filter.Tags[k] = v
		}
	}

	var nodes []engine.ComputeNodeRecord
	err := m.call(ctx, "describe_instances", node.Region, func(ctx context.Context) error {
		var err error
		nodes, err = m.api.DescribeInstances(ctx, node.Region, filter)
		return err
	})
	if err != nil {
		return node, err
	}
	for _, n := range nodes {
		if n.ID == node.ID {
			return n, nil
		}
	}
	return node, engine.NewPermanentError("node disappeared", nil).WithResource(node.ID)
}

// waitForInstance waits until the node is running with an address.
func (m *Manager) waitForInstance(ctx context.Context, node engine.ComputeNodeRecord) (engine.ComputeNodeRecord, error) {
	current := node
	err := health.WaitFor(ctx, "node "+node.ID, m.opts.Timeouts.InstanceWait, m.opts.Timeouts.InstancePoll, func(ctx context.Context) error {
		if current.State == engine.StateRunning && current.Address() != "" {
			return nil
		}
		fresh, err := m.refresh(ctx, node)
		if err != nil {
			return err
		}
		current = fresh
		switch {
		case current.State == engine.StateRunning && current.Address() != "":
			return nil
		case !current.State.IsActive():
			return engine.NewPermanentError("node is "+string(current.State), nil).WithResource(node.ID)
		default:
			return engine.NewTransientError("node not running yet", nil).WithResource(node.ID)
		}
	})
	return current, err
}

// EnsureReady gates on the node running with a healthy search service. A
// node that fails the gate is terminated and replaced, up to maxRecreate
// times. The last node is returned even when the gate is exhausted.
func (m *Manager) EnsureReady(ctx context.Context, spec engine.DesiredStackSpec, node engine.ComputeNodeRecord, maxRecreate int) (engine.ComputeNodeRecord, error) {
	prober := m.prober(spec)
	attempts := maxRecreate + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			m.logger.Warn().
				Str("node_id", node.ID).
				Int("attempt", attempt).
				Int("attempts", attempts).
				Err(lastErr).
				Msg("Node failed health gate, recreating")
			if err := m.TerminateNode(ctx, node); err != nil {
				m.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to terminate unhealthy node")
			}
			fresh, err := m.EnsureInstance(ctx, spec)
			if err != nil {
				return node, err
			}
			node = fresh
		}

		ready, err := m.waitForInstance(ctx, node)
		node = ready
		if err == nil {
			err = health.WaitFor(ctx, "search service on "+node.Address(), m.opts.Timeouts.HealthWait, m.opts.Timeouts.HealthPoll,
				func(ctx context.Context) error { return prober.SearchEngine(ctx, node.Address()) })
		}
		if err == nil {
			m.logger.Info().Str("node_id", node.ID).Str("address", node.Address()).Msg("Node ready")
			return node, nil
		}
		if ctx.Err() != nil || engine.IsAuth(err) {
			return node, err
		}
		lastErr = err
	}

	return node, engine.NewHealthTimeoutError(node.ID, attempts, lastErr)
}

// VerifyServices checks both services. When either is down it logs the
// container state, redeploys the compose document once and waits for
// recovery within the remediation timeout.
func (m *Manager) VerifyServices(ctx context.Context, spec engine.DesiredStackSpec, node engine.ComputeNodeRecord) error {
	prober := m.prober(spec)
	address := node.Address()
	both := func(ctx context.Context) error {
		if err := prober.SearchEngine(ctx, address); err != nil {
			return err
		}
		return prober.Dashboard(ctx, address)
	}

	err := both(ctx)
	if err == nil {
		return nil
	}

	m.logger.Warn().Err(err).Str("address", address).Msg("Service check failed, remediating")
	m.logContainerStatus(ctx, node)

	if err := m.redeploy(ctx, spec, node); err != nil {
		return err
	}
	return health.WaitFor(ctx, "services on "+address, m.opts.Timeouts.Remediation, m.opts.Timeouts.HealthPoll, both)
}

func (m *Manager) logContainerStatus(ctx context.Context, node engine.ComputeNodeRecord) {
	inv, err := m.RunRemote(ctx, node, statusCommands())
	if err != nil {
		m.logger.Warn().Err(err).Str("node_id", node.ID).Msg("Could not read container status")
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(inv.Stdout), "\n") {
		m.logger.Info().Str("node_id", node.ID).Msg(line)
	}
}

func (m *Manager) redeploy(ctx context.Context, spec engine.DesiredStackSpec, node engine.ComputeNodeRecord) error {
	compose, err := ComposeDocument(spec.Compute.ServiceVersion, spec.Secrets.ServicePassword)
	if err != nil {
		return err
	}
	_, err = m.RunRemote(ctx, node, redeployCommands(compose))
	return err
}

// PushConfiguration installs the retention policy, index template and
// dashboard data view. Existing objects are left untouched. A credential
// rejection triggers one redeploy; a second rejection is ErrAuthFailed.
func (m *Manager) PushConfiguration(ctx context.Context, spec engine.DesiredStackSpec, node engine.ComputeNodeRecord) error {
	address := node.Address()
	prober := m.prober(spec)
	waitSearch := func() error {
		return health.WaitFor(ctx, "search service on "+address, m.opts.Timeouts.Remediation, m.opts.Timeouts.HealthPoll,
			func(ctx context.Context) error { return prober.SearchEngine(ctx, address) })
	}
	if err := waitSearch(); err != nil {
		return err
	}

	sc := &searchClient{
		endpoints: m.opts.Endpoints,
		address:   address,
		password:  spec.Secrets.ServicePassword,
		client:    m.http,
	}

	for attempt := 1; ; attempt++ {
		err := sc.info(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, errUnauthorized) {
			return engine.NewTransientError("search service unavailable", err).WithResource(address)
		}
		if attempt > 1 {
			return engine.NewAuthError("search service rejected credentials", err).WithResource(address)
		}
		m.logger.Warn().Str("address", address).Msg("Search service rejected credentials, redeploying")
		if err := m.redeploy(ctx, spec, node); err != nil {
			return err
		}
		if err := waitSearch(); err != nil {
			return err
		}
	}

	created, err := sc.ensureRetentionPolicy(ctx)
	if err != nil {
		return wrapConfigError("retention policy", address, err)
	}
	m.logger.Info().Bool("created", created).Str("policy", RetentionPolicyName).Msg("Retention policy in place")

	created, err = sc.ensureIndexTemplate(ctx)
	if err != nil {
		return wrapConfigError("index template", address, err)
	}
	m.logger.Info().Bool("created", created).Str("template", IndexTemplateName).Msg("Index template in place")

	if err := sc.ensureDataView(ctx); err != nil {
		return wrapConfigError("data view", address, err)
	}
	m.logger.Info().Str("pattern", IndexPattern).Msg("Data view in place")
	return nil
}

func wrapConfigError(what, address string, err error) error {
	if errors.Is(err, errUnauthorized) {
		return engine.NewAuthError(what+" rejected credentials", err).WithResource(address)
	}
	return engine.NewTransientError(what+" setup failed", err).WithResource(address)
}

// StopService stops and removes the containers on node, leaving it running.
func (m *Manager) StopService(ctx context.Context, node engine.ComputeNodeRecord) error {
	_, err := m.RunRemote(ctx, node, stopCommands())
	if err == nil {
		m.logger.Info().Str("node_id", node.ID).Msg("Stopped cloud service")
	}
	return err
}

// TerminateNode terminates one node.
func (m *Manager) TerminateNode(ctx context.Context, node engine.ComputeNodeRecord) error {
	err := m.call(ctx, "terminate_instances", node.Region, func(ctx context.Context) error {
		return m.api.TerminateInstances(ctx, node.Region, []string{node.ID})
	})
	if err == nil {
		m.logger.Info().Str("node_id", node.ID).Str("region", node.Region).Msg("Terminated node")
	}
	return err
}

// TerminateAllExcept terminates every node but keepID concurrently.
// Failures are logged per node; the ids actually terminated are returned.
func (m *Manager) TerminateAllExcept(ctx context.Context, nodes []engine.ComputeNodeRecord, keepID string) []string {
	var (
		mu         sync.Mutex
		terminated []string
		g          errgroup.Group
	)
	for _, node := range nodes {
		if node.ID == keepID {
			continue
		}
		g.Go(func() error {
			if err := m.TerminateNode(ctx, node); err != nil {
				m.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to terminate node")
				return nil
			}
			mu.Lock()
			terminated = append(terminated, node.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return terminated
}

// Estimate prices a node.
func (m *Manager) Estimate(node engine.ComputeNodeRecord) engine.CostEstimate {
	est := EstimateCosts(node.InstanceType, node.Region)
	est.NodeID = node.ID
	est.Address = node.Address()
	return est
}

// RunRemote runs shell commands on node through the provider's command
// channel and waits for the result within the command timeout.
func (m *Manager) RunRemote(ctx context.Context, node engine.ComputeNodeRecord, commands []string) (CommandInvocation, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeouts.CommandTimeout)
	defer cancel()

	var commandID string
	err := m.call(ctx, "send_command", node.Region, func(ctx context.Context) error {
		var err error
		commandID, err = m.api.SendCommand(ctx, node.Region, node.ID, commands)
		return err
	})
	if err != nil {
		return CommandInvocation{}, err
	}

	var inv CommandInvocation
	err = health.WaitFor(ctx, "command "+commandID, m.opts.Timeouts.CommandTimeout, m.opts.Timeouts.CommandPoll, func(ctx context.Context) error {
		err := m.call(ctx, "get_command_invocation", node.Region, func(ctx context.Context) error {
			var err error
			inv, err = m.api.GetCommandInvocation(ctx, node.Region, commandID, node.ID)
			return err
		})
		switch {
		case err != nil:
			return err
		case inv.Status == CommandSuccess:
			return nil
		case inv.Status.Terminal():
			return engine.NewCommandError(node.ID, "remote command "+string(inv.Status), errors.New(strings.TrimSpace(inv.Stderr)))
		default:
			return engine.NewTransientError("remote command still running", nil).WithResource(node.ID)
		}
	})
	return inv, err
}
