package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// sudoPrefix reads the password from stdin and suppresses the prompt text.
const sudoPrefix = "sudo -S -p '' "

// maxLineSize caps a single streamed output line.
const maxLineSize = 1024 * 1024

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// WrapCommand returns the command line sent to the remote host: a login
// shell, optionally behind a non-interactive sudo.
func WrapCommand(cmd string, privileged bool) string {
	wrapped := "bash -lc " + ShellQuote(cmd)
	if privileged {
		return sudoPrefix + wrapped
	}
	return wrapped
}

// Run executes a command under a login shell. Output lines are delivered to
// the observer while the command runs. A non-zero exit status is returned in
// the result and only becomes an error when opts.Check is set.
func (c *SSHClient) Run(ctx context.Context, cmd string, opts engine.RunOptions) (*engine.CommandResult, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	startTime := time.Now()
	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Bool("sudo", opts.Privileged).
		Msg("Executing command")

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create stdout pipe: %w", err), IsTemporary: true}
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create stderr pipe: %w", err), IsTemporary: true}
	}

	var stdin io.WriteCloser
	if opts.Privileged {
		stdin, err = session.StdinPipe()
		if err != nil {
			return nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create stdin pipe: %w", err), IsTemporary: true}
		}
	}

	if err := session.Start(WrapCommand(cmd, opts.Privileged)); err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to start command: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if stdin != nil {
		// sudo reads exactly one line; closing gives the command EOF on stdin.
		_, _ = io.WriteString(stdin, c.config.sudoSecret()+"\n")
		_ = stdin.Close()
	}

	var (
		wg                   sync.WaitGroup
		stdoutBuf, stderrBuf strings.Builder
	)
	wg.Add(2)
	go c.streamLines(&wg, stdoutPipe, StreamStdout, &stdoutBuf)
	go c.streamLines(&wg, stderrPipe, StreamStderr, &stderrBuf)

	doneChan := make(chan error, 1)
	go func() {
		wg.Wait()
		doneChan <- session.Wait()
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("command %q: %w", cmd, ctx.Err()),
			IsTemporary: true,
		}
	case execErr = <-doneChan:
	}

	result := &engine.CommandResult{
		Stdout:   strings.TrimRight(stdoutBuf.String(), "\n"),
		Stderr:   strings.TrimRight(stderrBuf.String(), "\n"),
		Duration: time.Since(startTime),
	}

	if execErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(execErr, &exitErr) {
			return result, &TransportError{
				Op:          "execute",
				Err:         execErr,
				IsTemporary: true,
				IsAuthError: false,
			}
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	log.Debug().
		Str("host", c.config.Host).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Command completed")

	if opts.Check && result.ExitCode != 0 {
		return result, engine.NewCommandError(c.config.Host,
			fmt.Sprintf("command exited with code %d", result.ExitCode),
			errors.New(lastLine(result.Stderr))).WithOperation(cmd)
	}

	return result, nil
}

// streamLines copies r line by line into buf and the observer.
func (c *SSHClient) streamLines(wg *sync.WaitGroup, r io.Reader, stream string, buf *strings.Builder) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if c.observer != nil {
			c.observer(c.config.Host, stream, line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("stream", stream).Msg("Output stream ended early")
		// Drain so the remote side is not blocked on a full window.
		_, _ = io.Copy(io.Discard, r)
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	if s == "" {
		return "no stderr output"
	}
	return s
}
