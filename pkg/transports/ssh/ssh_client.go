package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// SSHClient is a stateful session to one remote host.
type SSHClient struct {
	config   *Config
	observer OutputObserver

	// Connection management
	client      *ssh.Client
	proxy       *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	closed      bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}

	// openFS opens the file channel; replaced in tests.
	openFS func() (remoteFS, error)
}

var _ Transport = (*SSHClient)(nil)

// Option configures an SSHClient.
type Option func(*SSHClient)

// WithObserver streams every command output line to fn.
func WithObserver(fn OutputObserver) Option {
	return func(c *SSHClient) { c.observer = fn }
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config, opts ...Option) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := &SSHClient{config: config}
	client.openFS = client.openSFTP
	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, config *Config, opts ...Option) (*SSHClient, error) {
	client, err := NewSSHClient(config, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Connect establishes an SSH connection to the remote host, bounded by the
// configured connection timeout and ctx.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed {
		return engine.NewNotConnectedError(c.config.Host)
	}

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("Existing connection is dead, reconnecting")
		c.teardownLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return engine.NewConnectError(c.config.Host, &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return engine.NewConnectError(c.config.Host, err)
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	return nil
}

// dialSSH opens a TCP connection with ctx and performs the SSH handshake on it.
func dialSSH(ctx context.Context, dial func(ctx context.Context, network, addr string) (net.Conn, error), address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	// The handshake itself has no context; bound it with a deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(ncc, chans, reqs), nil
}

// connectDirect establishes a direct SSH connection.
func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("Establishing SSH connection")

	var dialer net.Dialer
	client, err := dialSSH(ctx, dialer.DialContext, address, clientConfig)
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
			IsAuthError: isAuthFailure(err),
		}
	}

	c.client = client
	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaProxy establishes an SSH connection through a proxy/jump host.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := &Config{
		Host:                  c.config.ProxyHost,
		Port:                  c.config.ProxyPort,
		User:                  c.config.ProxyUser,
		AuthMethod:            c.config.ProxyAuthMethod,
		Password:              c.config.ProxyPassword,
		PrivateKeyPath:        c.config.ProxyPrivateKeyPath,
		ConnectionTimeout:     c.config.ConnectionTimeout,
		StrictHostKeyChecking: c.config.StrictHostKeyChecking,
		KnownHostsPath:        c.config.KnownHostsPath,
	}

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("Connecting to proxy host")

	var dialer net.Dialer
	proxyClient, err := dialSSH(ctx, dialer.DialContext, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return &TransportError{
			Op:          "connect-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: isAuthFailure(err),
		}
	}

	targetAddress := c.config.Address()
	client, err := dialSSH(ctx, proxyClient.DialContext, targetAddress, targetConfig)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: isAuthFailure(err),
		}
	}

	c.client = client
	c.proxy = proxyClient
	log.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// isAuthFailure reports whether the handshake was rejected for credentials.
func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// Close releases the connection. Every later call fails with engine.ErrNotConnected.
func (c *SSHClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closed = true
	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("Closing SSH connection")

	if err := c.teardownLocked(); err != nil {
		return &TransportError{
			Op:          "disconnect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	return nil
}

// teardownLocked closes the connection; connMu must be held.
func (c *SSHClient) teardownLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
	}
	c.client = nil
	c.proxy = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return engine.NewNotConnectedError(c.config.Host)
	}

	return c.healthCheckInternal()
}

// healthCheckInternal performs the actual health check (must be called with lock held).
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return nil
}

// keepAlive sends periodic keep-alive messages until stop is closed.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("Keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}

		retries = 0
		c.connMu.Lock()
		c.lastUsedAt = time.Now()
		c.connMu.Unlock()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.proxy != nil,
	}
}

// getClient returns the underlying SSH client for command and file operations.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed || !c.isConnected || c.client == nil {
		return nil, engine.NewNotConnectedError(c.config.Host)
	}

	c.lastUsedAt = time.Now()
	return c.client, nil
}

func (c *SSHClient) ensureOpen() error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.closed {
		return engine.NewNotConnectedError(c.config.Host)
	}
	return nil
}
