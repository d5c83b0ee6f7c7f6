package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/health"
)

// fakeAPI is an in-memory provider.
type fakeAPI struct {
	mu sync.Mutex

	nodes      map[string]*engine.ComputeNodeRecord
	launches   []LaunchRequest
	terminated []string
	groups     map[string]SecurityGroup
	groupRules []IngressRule
	keys       map[string][]byte
	params     map[string]string
	commands   [][]string
	seq        int

	describeErr  error
	terminateErr map[string]error
	commandState CommandStatus
	onCommand    func(commands []string)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		nodes:        map[string]*engine.ComputeNodeRecord{},
		groups:       map[string]SecurityGroup{},
		keys:         map[string][]byte{},
		params:       map[string]string{DefaultImageParameters[1]: "ami-gp2"},
		terminateErr: map[string]error{},
		commandState: CommandSuccess,
	}
}

func (f *fakeAPI) add(node engine.ComputeNodeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := node
	f.nodes[n.ID] = &n
}

func (f *fakeAPI) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeAPI) DescribeInstances(_ context.Context, region string, filter InstanceFilter) ([]engine.ComputeNodeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}

	var out []engine.ComputeNodeRecord
	for _, n := range f.nodes {
		if n.Region != region {
			continue
		}
		match := true
		for k, v := range filter.Tags {
			if n.Tags[k] != v {
				match = false
			}
		}
		if len(filter.States) > 0 {
			found := false
			for _, s := range filter.States {
				if n.State == s {
					found = true
				}
			}
			match = match && found
		}
		if match {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (f *fakeAPI) RunInstance(_ context.Context, region string, req LaunchRequest) (engine.ComputeNodeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.launches = append(f.launches, req)
	node := engine.ComputeNodeRecord{
		ID:            fmt.Sprintf("i-new%d", f.seq),
		Region:        region,
		InstanceType:  req.InstanceType,
		PublicAddress: "127.0.0.1",
		State:         engine.StateRunning,
		Tags:          req.Tags,
		LaunchTime:    time.Date(2026, 1, 1, 0, f.seq, 0, 0, time.UTC),
	}
	f.nodes[node.ID] = &node
	return node, nil
}

func (f *fakeAPI) TerminateInstances(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if err := f.terminateErr[id]; err != nil {
			return err
		}
		if n, ok := f.nodes[id]; ok {
			n.State = engine.StateTerminated
		}
		f.terminated = append(f.terminated, id)
	}
	return nil
}

func (f *fakeAPI) DescribeSecurityGroup(_ context.Context, _, name, _ string) (SecurityGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sg, ok := f.groups[name]; ok {
		return sg, nil
	}
	return SecurityGroup{}, ErrNotFound
}

func (f *fakeAPI) CreateSecurityGroup(_ context.Context, _, name, _, _ string, rules []IngressRule) (SecurityGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sg := SecurityGroup{ID: "sg-" + name, Name: name}
	f.groups[name] = sg
	f.groupRules = rules
	return sg, nil
}

func (f *fakeAPI) KeyPairExists(_ context.Context, _, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[name]
	return ok, nil
}

func (f *fakeAPI) ImportKeyPair(_ context.Context, _, name string, publicKey []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = publicKey
	return nil
}

func (f *fakeAPI) SendCommand(_ context.Context, _, _ string, commands []string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, commands)
	id := fmt.Sprintf("cmd-%d", len(f.commands))
	hook := f.onCommand
	f.mu.Unlock()
	if hook != nil {
		hook(commands)
	}
	return id, nil
}

func (f *fakeAPI) GetCommandInvocation(context.Context, string, string, string) (CommandInvocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return CommandInvocation{Status: f.commandState, Stdout: "CONTAINER ID\n", Stderr: "boom"}, nil
}

func (f *fakeAPI) GetParameter(_ context.Context, _, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.params[name]; ok {
		return v, nil
	}
	return "", ErrNotFound
}

func testSpec(t *testing.T) engine.DesiredStackSpec {
	t.Helper()
	return engine.DesiredStackSpec{
		Project: "ids2",
		Role:    "elk",
		Region:  "eu-west-1",
		Compute: engine.ComputeSpec{
			InstanceType:   "t3.medium",
			KeyName:        "ids2-key",
			KeyPath:        filepath.Join(t.TempDir(), "id_ed25519"),
			AdminCIDR:      "203.0.113.7/32",
			ServiceVersion: "8.12.0",
		},
		Secrets: engine.Secrets{ServicePassword: "changeme"},
	}
}

func testOptions(t *testing.T, srv *httptest.Server) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.RequestsPerSecond = 1000
	opts.Burst = 100
	opts.Timeouts = Timeouts{
		InstanceWait:   200 * time.Millisecond,
		InstancePoll:   5 * time.Millisecond,
		HealthWait:     50 * time.Millisecond,
		HealthPoll:     5 * time.Millisecond,
		Remediation:    500 * time.Millisecond,
		CommandTimeout: time.Second,
		CommandPoll:    5 * time.Millisecond,
		HTTPProbe:      200 * time.Millisecond,
		APICall:        time.Second,
	}
	if srv != nil {
		u, err := url.Parse(srv.URL)
		require.NoError(t, err)
		_, portStr, err := net.SplitHostPort(u.Host)
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		opts.Endpoints = health.Endpoints{Scheme: "http", SearchPort: port, DashboardPort: port}
	}
	return opts
}

func ownedNode(id string, state engine.LifecycleState, launch time.Time) engine.ComputeNodeRecord {
	return engine.ComputeNodeRecord{
		ID:            id,
		Region:        "eu-west-1",
		InstanceType:  "t3.medium",
		PublicAddress: "127.0.0.1",
		State:         state,
		Tags:          engine.OwnershipTag{Project: "ids2", Role: "elk"}.Tags(),
		LaunchTime:    launch,
	}
}

func TestEnsureInstanceCreatesWhenNone(t *testing.T) {
	api := newFakeAPI()
	m := NewManager(api, testOptions(t, nil))
	spec := testSpec(t)

	node, err := m.EnsureInstance(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, node.State)

	require.Len(t, api.launches, 1)
	launch := api.launches[0]
	assert.Equal(t, "ami-gp2", launch.ImageID)
	assert.Equal(t, int32(30), launch.RootVolumeGiB)
	assert.Equal(t, "gp3", launch.RootVolumeType)
	assert.Equal(t, []string{"sg-ids2-elk-sg"}, launch.SecurityGroupIDs)
	assert.Equal(t, "ids2-elk", launch.Tags[engine.TagName])
	assert.Contains(t, launch.UserData, "docker-compose up -d")
	assert.Contains(t, launch.UserData, "ELASTIC_PASSWORD=changeme")

	assert.Len(t, api.groupRules, 3)
	for _, r := range api.groupRules {
		assert.Equal(t, "203.0.113.7/32", r.CIDR)
	}
	assert.Contains(t, string(api.keys["ids2-key"]), "ssh-ed25519 ")
	assert.FileExists(t, spec.Compute.KeyPath)
}

func TestEnsureInstanceIsIdempotent(t *testing.T) {
	api := newFakeAPI()
	m := NewManager(api, testOptions(t, nil))
	spec := testSpec(t)

	first, err := m.EnsureInstance(context.Background(), spec)
	require.NoError(t, err)
	second, err := m.EnsureInstance(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, api.launchCount())
}

func TestEnsureInstanceTerminatesDuplicates(t *testing.T) {
	api := newFakeAPI()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	api.add(ownedNode("i-old", engine.StateRunning, base))
	api.add(ownedNode("i-new", engine.StateRunning, base.Add(time.Hour)))
	api.add(ownedNode("i-stopped", engine.StateStopped, base.Add(2*time.Hour)))

	m := NewManager(api, testOptions(t, nil))
	node, err := m.EnsureInstance(context.Background(), testSpec(t))
	require.NoError(t, err)

	assert.Equal(t, "i-new", node.ID)
	assert.Equal(t, []string{"i-old"}, api.terminated)
	assert.Equal(t, 0, api.launchCount())
}

func TestEnsureInstanceReplacesInactive(t *testing.T) {
	api := newFakeAPI()
	api.add(ownedNode("i-stopped", engine.StateStopped, time.Now()))

	m := NewManager(api, testOptions(t, nil))
	node, err := m.EnsureInstance(context.Background(), testSpec(t))
	require.NoError(t, err)

	assert.NotEqual(t, "i-stopped", node.ID)
	assert.Equal(t, []string{"i-stopped"}, api.terminated)
	assert.Equal(t, 1, api.launchCount())
}

func TestEnsureInstanceSearchesAllRegions(t *testing.T) {
	api := newFakeAPI()
	other := ownedNode("i-us", engine.StateRunning, time.Now())
	other.Region = "us-east-1"
	api.add(other)

	spec := testSpec(t)
	spec.SearchRegions = []string{"us-east-1"}

	node, err := NewManager(api, testOptions(t, nil)).EnsureInstance(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "i-us", node.ID)
	assert.Equal(t, 0, api.launchCount())
}

func TestEnsureInstanceImageNotResolved(t *testing.T) {
	api := newFakeAPI()
	api.params = map[string]string{}

	_, err := NewManager(api, testOptions(t, nil)).EnsureInstance(context.Background(), testSpec(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrImageNotResolved))
	assert.Equal(t, 0, api.launchCount())
}

func TestEnsureInstanceImageOverride(t *testing.T) {
	api := newFakeAPI()
	api.params = map[string]string{}
	spec := testSpec(t)
	spec.Compute.ImageID = "ami-pinned"

	_, err := NewManager(api, testOptions(t, nil)).EnsureInstance(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "ami-pinned", api.launches[0].ImageID)
}

func TestEnsureInstanceAuthFailureSurfaces(t *testing.T) {
	api := newFakeAPI()
	api.describeErr = engine.NewAuthError("cloud credentials rejected (AuthFailure)", nil)

	_, err := NewManager(api, testOptions(t, nil)).EnsureInstance(context.Background(), testSpec(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrAuthFailed))
	assert.Equal(t, 0, api.launchCount())
}

func TestEnsureReadyHealthGateBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	api := newFakeAPI()
	m := NewManager(api, testOptions(t, srv))
	spec := testSpec(t)

	node, err := m.EnsureInstance(context.Background(), spec)
	require.NoError(t, err)

	last, err := m.EnsureReady(context.Background(), spec, node, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrHealthTimeout))
	assert.Equal(t, 3, api.launchCount())
	assert.Len(t, api.terminated, 2)
	assert.NotContains(t, api.terminated, last.ID)
}

func TestEnsureReadySucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	api := newFakeAPI()
	m := NewManager(api, testOptions(t, srv))
	spec := testSpec(t)

	node, err := m.EnsureInstance(context.Background(), spec)
	require.NoError(t, err)
	ready, err := m.EnsureReady(context.Background(), spec, node, 1)
	require.NoError(t, err)
	assert.Equal(t, node.ID, ready.ID)
	assert.Equal(t, 1, api.launchCount())
}

func TestVerifyServicesRemediates(t *testing.T) {
	var redeployed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/status" && !redeployed.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	api := newFakeAPI()
	api.onCommand = func(commands []string) {
		if strings.Contains(strings.Join(commands, "\n"), "docker-compose up -d") {
			redeployed.Store(true)
		}
	}
	m := NewManager(api, testOptions(t, srv))
	node := ownedNode("i-1", engine.StateRunning, time.Now())

	require.NoError(t, m.VerifyServices(context.Background(), testSpec(t), node))
	require.Len(t, api.commands, 2)
	assert.Contains(t, api.commands[0][0], "docker ps -a")
	assert.Contains(t, api.commands[1][1], "docker-compose.yml")
}

func TestVerifyServicesHealthyDoesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	api := newFakeAPI()
	m := NewManager(api, testOptions(t, srv))
	require.NoError(t, m.VerifyServices(context.Background(), testSpec(t), ownedNode("i-1", engine.StateRunning, time.Now())))
	assert.Empty(t, api.commands)
}

func TestPushConfiguration(t *testing.T) {
	var (
		mu   sync.Mutex
		puts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/_ilm/policy/"+RetentionPolicyName && r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/_index_template/"+IndexTemplateName && r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut:
			mu.Lock()
			puts = append(puts, r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/api/data_views/data_view" && r.Header.Get("kbn-xsrf") == "true":
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	m := NewManager(newFakeAPI(), testOptions(t, srv))
	err := m.PushConfiguration(context.Background(), testSpec(t), ownedNode("i-1", engine.StateRunning, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, []string{"/_ilm/policy/" + RetentionPolicyName}, puts)
}

func TestPushConfigurationAuthFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	api := newFakeAPI()
	m := NewManager(api, testOptions(t, srv))
	err := m.PushConfiguration(context.Background(), testSpec(t), ownedNode("i-1", engine.StateRunning, time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrAuthFailed))
	assert.Len(t, api.commands, 1, "one redeploy before giving up")
}

func TestRunRemoteFailure(t *testing.T) {
	api := newFakeAPI()
	api.commandState = CommandFailed

	_, err := NewManager(api, testOptions(t, nil)).RunRemote(context.Background(), ownedNode("i-1", engine.StateRunning, time.Now()), []string{"false"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrCommandFailed))
	assert.Contains(t, err.Error(), "boom")
}

func TestStopService(t *testing.T) {
	api := newFakeAPI()
	require.NoError(t, NewManager(api, testOptions(t, nil)).StopService(context.Background(), ownedNode("i-1", engine.StateRunning, time.Now())))
	require.Len(t, api.commands, 1)
	assert.Contains(t, strings.Join(api.commands[0], "\n"), "docker-compose down")
}

func TestTerminateAllExceptIsolatesFailures(t *testing.T) {
	api := newFakeAPI()
	now := time.Now()
	nodes := []engine.ComputeNodeRecord{
		ownedNode("i-1", engine.StateRunning, now),
		ownedNode("i-2", engine.StateRunning, now),
		ownedNode("i-3", engine.StateRunning, now),
	}
	for _, n := range nodes {
		api.add(n)
	}
	api.terminateErr["i-2"] = errors.New("denied")

	terminated := NewManager(api, testOptions(t, nil)).TerminateAllExcept(context.Background(), nodes, "i-1")
	assert.Equal(t, []string{"i-3"}, terminated)
}

func TestEstimate(t *testing.T) {
	est := NewManager(newFakeAPI(), DefaultOptions()).Estimate(ownedNode("i-1", engine.StateRunning, time.Now()))
	assert.Equal(t, "i-1", est.NodeID)
	assert.Equal(t, "127.0.0.1", est.Address)
	assert.InDelta(t, 0.0416, est.Hourly, 1e-9)
	assert.InDelta(t, 30.368, est.Monthly, 1e-9)
}

// hangingAPI never answers discovery until the caller gives up.
type hangingAPI struct {
	*fakeAPI
}

func (h hangingAPI) DescribeInstances(ctx context.Context, _ string, _ InstanceFilter) ([]engine.ComputeNodeRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAPICallsAreBounded(t *testing.T) {
	opts := testOptions(t, nil)
	opts.Timeouts.APICall = 50 * time.Millisecond
	m := NewManager(hangingAPI{newFakeAPI()}, opts)

	done := make(chan error, 1)
	go func() {
		_, err := m.EnsureInstance(context.Background(), testSpec(t))
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, engine.IsTransient(err))
		assert.Contains(t, err.Error(), "describe_instances in eu-west-1 timed out")
		assert.Equal(t, 0, m.api.(hangingAPI).launchCount())
	case <-time.After(3 * time.Second):
		t.Fatal("EnsureInstance did not return on a hung DescribeInstances")
	}
}

func TestAPICallHonoursCallerCancellation(t *testing.T) {
	m := NewManager(hangingAPI{newFakeAPI()}, testOptions(t, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.ListAllMatching(ctx, testSpec(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
