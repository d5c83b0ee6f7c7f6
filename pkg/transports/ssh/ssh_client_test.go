package ssh

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// testSSHServer provides a minimal SSH server for testing. It understands
// the wrapping applied by Run and serves SFTP on the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
	secrets  []string
}

// newTestSSHServer creates a new test SSH server. opts adjust the server
// config before it accepts connections.
func newTestSSHServer(t *testing.T, opts ...func(*ssh.ServerConfig)) *testSSHServer {
	t.Helper()

	hostKey, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)
	for _, opt := range opts {
		opt(config)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		hostKey:  hostKey,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

// serve handles incoming connections.
func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single SSH connection.
func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

// handleChannel handles a single SSH channel.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:]) // Skip the length prefix
			if req.WantReply {
				req.Reply(true, nil)
			}
			go ssh.DiscardRequests(requests)

			code := s.exec(command, channel, channel, channel.Stderr())
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
			return

		case "subsystem":
			if string(req.Payload[4:]) == "sftp" {
				if req.WantReply {
					req.Reply(true, nil)
				}
				go ssh.DiscardRequests(requests)

				server, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				_ = server.Serve()
				_ = server.Close()
				return
			}
			if req.WantReply {
				req.Reply(false, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// exec emulates the remote shell for the wrapped command.
func (s *testSSHServer) exec(command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	if command == "true" {
		return 0
	}

	if strings.HasPrefix(command, sudoPrefix) {
		secret, _ := bufio.NewReader(stdin).ReadString('\n')
		s.mu.Lock()
		s.secrets = append(s.secrets, strings.TrimSuffix(secret, "\n"))
		s.mu.Unlock()
		command = strings.TrimPrefix(command, sudoPrefix)
	}

	inner, ok := unwrapLoginShell(command)
	if !ok {
		fmt.Fprintf(stderr, "unexpected command: %s\n", command)
		return 127
	}

	switch inner {
	case "echo test":
		fmt.Fprintln(stdout, "test")
		return 0
	case "echo error >&2":
		fmt.Fprintln(stderr, "error")
		return 0
	case "exit 1":
		return 1
	case "exit 3":
		fmt.Fprintln(stderr, "first")
		fmt.Fprintln(stderr, "boom")
		return 3
	case "sleep 5":
		time.Sleep(5 * time.Second)
		return 0
	}

	cmd := exec.Command("sh", "-c", inner)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return uint32(exitErr.ExitCode())
		}
		return 1
	}
	return 0
}

// unwrapLoginShell reverses WrapCommand for an unprivileged command.
func unwrapLoginShell(command string) (string, bool) {
	const prefix = "bash -lc "
	if !strings.HasPrefix(command, prefix) {
		return "", false
	}
	quoted := strings.TrimPrefix(command, prefix)
	if len(quoted) < 2 || quoted[0] != '\'' || quoted[len(quoted)-1] != '\'' {
		return "", false
	}
	return strings.ReplaceAll(quoted[1:len(quoted)-1], `'"'"'`, `'`), true
}

func (s *testSSHServer) recorded() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...), append([]string(nil), s.secrets...)
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		s.listener.Close()
	}
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// testClientConfig returns a password config pointing at the server.
func testClientConfig(server *testSSHServer) *Config {
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.SudoPassword = "sudo-secret"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.KeepAliveInterval = 0
	return config
}

// connectTestClient dials the server and closes the client on cleanup.
func connectTestClient(t *testing.T, server *testSSHServer, opts ...Option) *SSHClient {
	t.Helper()

	client, err := Dial(context.Background(), testClientConfig(server), opts...)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.GetConnectionInfo()
	host, _ := parseAddress(server.addr)
	if info.Host != host {
		t.Errorf("expected host '%s', got '%s'", host, info.Host)
	}
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ViaProxy {
		t.Error("expected direct connection")
	}
}

func TestSSHClientConnectBadPassword(t *testing.T) {
	server := newTestSSHServer(t)

	config := testClientConfig(server)
	config.Password = "wrong"

	_, err := Dial(context.Background(), config)
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !errors.Is(err, engine.ErrConnectFailed) {
		t.Errorf("expected ErrConnectFailed, got %v", err)
	}

	var te *TransportError
	if !errors.As(err, &te) || !te.IsAuthError {
		t.Errorf("expected auth transport error, got %v", err)
	}
}

func TestSSHClientConnectTimeout(t *testing.T) {
	// A listener that never completes the SSH handshake.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	host, port := parseAddress(listener.Addr().String())
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err = Dial(context.Background(), config)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("connect not bounded by timeout, took %v", elapsed)
	}
}

func TestSSHClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientClose(t *testing.T) {
	server := newTestSSHServer(t)

	client, err := Dial(context.Background(), testClientConfig(server))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	ctx := context.Background()
	if _, err := client.Run(ctx, "echo test", engine.RunOptions{}); !errors.Is(err, engine.ErrNotConnected) {
		t.Errorf("Run after Close: expected ErrNotConnected, got %v", err)
	}
	if _, err := client.Exists(ctx, "/tmp"); !errors.Is(err, engine.ErrNotConnected) {
		t.Errorf("Exists after Close: expected ErrNotConnected, got %v", err)
	}
	if err := client.Connect(ctx); !errors.Is(err, engine.ErrNotConnected) {
		t.Errorf("Connect after Close: expected ErrNotConnected, got %v", err)
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	keyPath := writeTestKey(t)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client, err := Dial(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestSSHClientAutoAuthFallsBackToPassword(t *testing.T) {
	// Reject every key so only the password can succeed.
	server := newTestSSHServer(t, func(c *ssh.ServerConfig) {
		c.PublicKeyCallback = func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, fmt.Errorf("key rejected")
		}
	})
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodAuto
	config.PrivateKeyPath = writeTestKey(t)
	config.Password = "testpass"
	config.KnownHostsPath = writeKnownHosts(t, knownhosts.Line([]string{knownhosts.Normalize(server.addr)}, server.hostKey))

	client, err := Dial(context.Background(), config)
	if err != nil {
		t.Fatalf("auto auth did not fall back to password: %v", err)
	}
	defer client.Close()
}

func TestSSHClientHostKeyVerification(t *testing.T) {
	server := newTestSSHServer(t)
	otherKey, _, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	entry := func(key ssh.PublicKey) string {
		return knownhosts.Line([]string{knownhosts.Normalize(server.addr)}, key)
	}

	tests := []struct {
		name      string
		configure func(*Config)
		wantErr   string
	}{
		{
			name: "known host key",
			configure: func(c *Config) {
				c.KnownHostsPath = writeKnownHosts(t, entry(server.hostKey))
			},
		},
		{
			name: "changed host key",
			configure: func(c *Config) {
				c.KnownHostsPath = writeKnownHosts(t, entry(otherKey))
			},
			wantErr: "key mismatch",
		},
		{
			name: "unknown host",
			configure: func(c *Config) {
				c.KnownHostsPath = writeKnownHosts(t)
			},
			wantErr: "key is unknown",
		},
		{
			name: "missing known_hosts file",
			configure: func(c *Config) {
				c.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")
			},
			wantErr: "failed to load known_hosts",
		},
		{
			name: "explicit opt-out",
			configure: func(c *Config) {
				c.KnownHostsPath = writeKnownHosts(t, entry(otherKey))
				c.StrictHostKeyChecking = false
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testClientConfig(server)
			config.StrictHostKeyChecking = true
			tt.configure(config)

			client, err := Dial(context.Background(), config)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected connection, got %v", err)
				}
				_ = client.Close()
				return
			}
			if err == nil {
				_ = client.Close()
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// writeKnownHosts writes a known_hosts file holding lines.
func writeKnownHosts(t *testing.T, lines ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "known_hosts")
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}
	return path
}

func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
