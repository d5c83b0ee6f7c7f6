// Package ssh provides the SSH and SFTP command and file channel to the edge node.
package ssh

import (
	"context"
	"time"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// Transport is the remote session surface offered by SSHClient. It extends
// engine.RemoteSession with connection management and diagnostics.
type Transport interface {
	engine.RemoteSession

	// Connect establishes an SSH connection to the remote host.
	// Returns an error if connection fails or authentication is rejected.
	Connect(ctx context.Context) error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// ComputeChecksum calculates the SHA256 checksum of a remote file.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	// DownloadFile downloads a single file from the remote host via SFTP.
	DownloadFile(ctx context.Context, remotePath string, localPath string) error

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// Stream names passed to an OutputObserver.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// OutputObserver receives every output line of a remote command as it arrives.
type OutputObserver func(host, stream, line string)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time

	// ViaProxy is true when the session goes through a jump host
	ViaProxy bool
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
