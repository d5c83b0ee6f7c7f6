// Package health probes the services of a deployment: HTTP checks of the
// search and dashboard services, TCP reachability of SSH ports, bounded
// readiness waits and a periodic connectivity poller.
package health
