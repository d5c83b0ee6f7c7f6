package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// Well-known ports of the cloud stack.
const (
	SearchPort    = 9200
	DashboardPort = 5601
	SSHPort       = 22

	// ServiceUser is the built-in superuser of the search service.
	ServiceUser = "elastic"

	// DefaultHTTPTimeout bounds one HTTP probe.
	DefaultHTTPTimeout = 5 * time.Second

	// DefaultTCPTimeout bounds one TCP probe.
	DefaultTCPTimeout = 3 * time.Second
)

// Endpoints locates the HTTP services of a compute node.
type Endpoints struct {
	Scheme        string `yaml:"scheme"`
	SearchPort    int    `yaml:"search_port"`
	DashboardPort int    `yaml:"dashboard_port"`
}

// DefaultEndpoints returns the ports the compose document publishes.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Scheme:        "http",
		SearchPort:    SearchPort,
		DashboardPort: DashboardPort,
	}
}

// SearchURL returns the base URL of the search service on address.
func (e Endpoints) SearchURL(address string) string {
	return fmt.Sprintf("%s://%s", e.scheme(), net.JoinHostPort(address, strconv.Itoa(e.SearchPort)))
}

// DashboardURL returns the URL of path on the dashboard service.
func (e Endpoints) DashboardURL(address, path string) string {
	return fmt.Sprintf("%s://%s%s", e.scheme(), net.JoinHostPort(address, strconv.Itoa(e.DashboardPort)), path)
}

func (e Endpoints) scheme() string {
	if e.Scheme == "" {
		return "http"
	}
	return e.Scheme
}

// Prober checks the HTTP services of a compute node.
type Prober struct {
	endpoints Endpoints
	client    *http.Client
	password  string
}

// NewProber creates a prober. A zero timeout selects DefaultHTTPTimeout.
func NewProber(endpoints Endpoints, password string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Prober{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
		password:  password,
	}
}

// Endpoints returns the endpoints the prober targets.
func (p *Prober) Endpoints() Endpoints {
	return p.endpoints
}

// Client returns the HTTP client used for probes.
func (p *Prober) Client() *http.Client {
	return p.client
}

// SearchEngine probes the search service root. A 401 counts as healthy:
// the service is up and enforcing authentication.
func (p *Prober) SearchEngine(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.SearchURL(address), nil)
	if err != nil {
		return engine.NewPermanentError("invalid search probe request", err)
	}
	return p.do(req, "search service")
}

// Dashboard probes the dashboard status API.
func (p *Prober) Dashboard(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.DashboardURL(address, "/api/status"), nil)
	if err != nil {
		return engine.NewPermanentError("invalid dashboard probe request", err)
	}
	req.SetBasicAuth(ServiceUser, p.password)
	req.Header.Set("kbn-xsrf", "true")
	return p.do(req, "dashboard")
}

func (p *Prober) do(req *http.Request, service string) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return engine.NewTransientError(service+" unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized:
		return nil
	default:
		return engine.NewTransientError(fmt.Sprintf("%s returned status %d", service, resp.StatusCode), nil)
	}
}

// TCPReachable reports whether host:port accepts a TCP connection within
// timeout. An empty host is never reachable.
func TCPReachable(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if host == "" {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultTCPTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
