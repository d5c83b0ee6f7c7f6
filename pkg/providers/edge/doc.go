// Package edge prepares the edge node: container runtime, capture probe,
// the edge application, the shared access key and the event forwarder
// that ships probe output to the cloud node.
package edge
