package health

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/telemetry"
)

// DefaultConnectivityInterval is the delay between connectivity reports.
const DefaultConnectivityInterval = 10 * time.Second

// Targets returns the hosts a connectivity probe should check.
type Targets func() (edge engine.EdgeSpec, nodes []engine.ComputeNodeRecord)

// nodeSSHPort is the port dialed on compute nodes.
var nodeSSHPort = SSHPort

// ProbeReachability checks the SSH port of the edge host and of every
// compute node at its public address, or its private one when it has none.
func ProbeReachability(ctx context.Context, edge engine.EdgeSpec, nodes []engine.ComputeNodeRecord, timeout time.Duration) engine.ReachabilityReport {
	report := engine.ReachabilityReport{
		At:    time.Now(),
		Edge:  engine.EdgeNodeRecord{Host: edge.Host},
		Nodes: make(map[string]bool, len(nodes)),
	}

	port := edge.Port
	if port == 0 {
		port = SSHPort
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		report.Edge.Reachable = TCPReachable(ctx, edge.Host, port, timeout)
	}()
	for _, node := range nodes {
		wg.Add(1)
		go func(node engine.ComputeNodeRecord) {
			defer wg.Done()
			ok := TCPReachable(ctx, node.Address(), nodeSSHPort, timeout)
			mu.Lock()
			report.Nodes[node.ID] = ok
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	return report
}

// ConnectivityPoller periodically reports edge and cloud reachability.
type ConnectivityPoller struct {
	targets Targets
	timeout time.Duration
	reports chan engine.ReachabilityReport
	task    *engine.PeriodicTask
	once    sync.Once
}

// StartConnectivityPoller starts polling immediately and then every
// interval until ctx ends or Stop is called.
func StartConnectivityPoller(ctx context.Context, interval, timeout time.Duration, targets Targets) *ConnectivityPoller {
	if interval <= 0 {
		interval = DefaultConnectivityInterval
	}
	p := &ConnectivityPoller{
		targets: targets,
		timeout: timeout,
		reports: make(chan engine.ReachabilityReport, 1),
	}
	p.task = engine.StartPeriodic(ctx, "connectivity", interval, p.poll)
	return p
}

func (p *ConnectivityPoller) poll(ctx context.Context) {
	edge, nodes := p.targets()
	report := ProbeReachability(ctx, edge, nodes, p.timeout)

	zl := telemetry.FromContext(ctx).Zerolog()
	event := zl.Info().Str("edge", edge.Host).Bool("edge_reachable", report.Edge.Reachable)
	for id, ok := range report.Nodes {
		event = event.Bool(id, ok)
	}
	event.Msg("Connectivity")

	metrics := telemetry.MetricsFrom(ctx)
	metrics.SetReachable("edge", report.Edge.Reachable)
	for id, ok := range report.Nodes {
		metrics.SetReachable(id, ok)
	}
	_ = telemetry.SinkFrom(ctx).Publish(telemetry.ReachabilityEvent("connectivity", report))

	// Keep only the newest report for readers.
	select {
	case <-p.reports:
	default:
	}
	select {
	case p.reports <- report:
	default:
	}
}

// Reports delivers the most recent report not yet read.
func (p *ConnectivityPoller) Reports() <-chan engine.ReachabilityReport {
	return p.reports
}

// Stop halts polling and waits for the in-flight probe to finish.
func (p *ConnectivityPoller) Stop() {
	p.once.Do(p.task.Stop)
}
