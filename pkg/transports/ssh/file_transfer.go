package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// DefaultIgnore lists directory names never uploaded by UploadTree.
var DefaultIgnore = []string{".git", ".venv", "__pycache__", "node_modules"}

// volatileFiles are generated or runtime files skipped by UploadTree.
var volatileFiles = []string{"*.db", "*.db-wal", "*.db-shm", "*.pyc", ".DS_Store"}

// remoteFS is the file channel used for transfers.
type remoteFS interface {
	MkdirAll(path string) error
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	PosixRename(oldpath, newpath string) error
	Stat(path string) (os.FileInfo, error)
	Chmod(path string, mode os.FileMode) error
	Remove(path string) error
	Close() error
}

// sftpFS adapts *sftp.Client to remoteFS.
type sftpFS struct {
	*sftp.Client
}

func (f sftpFS) Create(p string) (io.WriteCloser, error) { return f.Client.Create(p) }
func (f sftpFS) Open(p string) (io.ReadCloser, error)    { return f.Client.Open(p) }

// openSFTP creates a new SFTP client on the current connection.
func (c *SSHClient) openSFTP() (remoteFS, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return sftpFS{sftpClient}, nil
}

func (c *SSHClient) withFS(fn func(remoteFS) error) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	rfs, err := c.openFS()
	if err != nil {
		return err
	}
	defer rfs.Close()
	return fn(rfs)
}

// Upload copies a single local file to remotePath, creating the parent directory.
func (c *SSHClient) Upload(ctx context.Context, localPath, remotePath string) error {
	return c.withFS(func(rfs remoteFS) error {
		if err := rfs.MkdirAll(path.Dir(remotePath)); err != nil {
			return &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to create remote directory: %w", err),
			}
		}
		return c.putFile(ctx, rfs, localPath, remotePath)
	})
}

// putFile copies one file over an open file channel.
func (c *SSHClient) putFile(ctx context.Context, rfs remoteFS, localPath, remotePath string) error {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	info, err := localFile.Stat()
	if err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to stat local file: %w", err),
		}
	}

	remoteFile, err := rfs.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if err := rfs.Chmod(remotePath, info.Mode().Perm()); err != nil {
		log.Warn().Err(err).Str("remote", remotePath).Msg("Failed to set file permissions")
	}

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("File uploaded")

	return nil
}

// UploadTree copies localDir to remoteDir recursively. Directories whose name
// matches an ignore pattern are pruned with everything beneath them, and
// volatile files are skipped. Every visited directory is created remotely
// before its files are placed.
func (c *SSHClient) UploadTree(ctx context.Context, localDir, remoteDir string, ignore []string) error {
	log.Debug().
		Str("local", localDir).
		Str("remote", remoteDir).
		Strs("ignore", ignore).
		Msg("Uploading directory")

	return c.withFS(func(rfs remoteFS) error {
		files := 0
		err := filepath.WalkDir(localDir, func(localPath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			rel, err := filepath.Rel(localDir, localPath)
			if err != nil {
				return err
			}
			target := remoteDir
			if rel != "." {
				target = path.Join(remoteDir, filepath.ToSlash(rel))
			}

			if d.IsDir() {
				if rel != "." && matchesAny(d.Name(), ignore) {
					log.Debug().Str("dir", localPath).Msg("Skipping ignored directory")
					return filepath.SkipDir
				}
				if err := rfs.MkdirAll(target); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", target, err)
				}
				return nil
			}

			if !d.Type().IsRegular() {
				return nil
			}
			if matchesAny(d.Name(), ignore) || matchesAny(d.Name(), volatileFiles) {
				return nil
			}

			files++
			return c.putFile(ctx, rfs, localPath, target)
		})
		if err != nil {
			return err
		}

		log.Info().
			Str("host", c.config.Host).
			Str("remote", remoteDir).
			Int("files", files).
			Msg("Directory uploaded")
		return nil
	})
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// WriteFile replaces remotePath with content. Readers only ever see the old
// or the new file: the content goes to a temporary file that is renamed
// into place.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, content []byte, mode os.FileMode, privileged bool) error {
	if privileged {
		return c.writeFilePrivileged(ctx, remotePath, content, mode)
	}

	return c.withFS(func(rfs remoteFS) error {
		dir, base := path.Split(remotePath)
		tmp := path.Join(dir, "."+base+"."+uuid.NewString()+".tmp")

		if err := writeRemote(ctx, rfs, tmp, content, mode); err != nil {
			return err
		}
		if err := rfs.PosixRename(tmp, remotePath); err != nil {
			_ = rfs.Remove(tmp)
			return &TransportError{
				Op:  "write-file",
				Err: fmt.Errorf("failed to rename %s into place: %w", remotePath, err),
			}
		}
		return nil
	})
}

// writeFilePrivileged stages content in /tmp readable only by the session
// user, then installs it as root with mode.
func (c *SSHClient) writeFilePrivileged(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error {
	staging := "/tmp/" + uuid.NewString() + ".tmp"

	err := c.withFS(func(rfs remoteFS) error {
		return writeRemote(ctx, rfs, staging, content, 0o600)
	})
	if err != nil {
		return err
	}

	dir, base := path.Split(remotePath)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = "/"
	}
	sibling := path.Join(dir, "."+base+".tmp")

	cmd := fmt.Sprintf("mkdir -p %s && install -m %04o %s %s && mv -f %s %s; rc=$?; rm -f %s; exit $rc",
		ShellQuote(dir), mode.Perm(),
		ShellQuote(staging), ShellQuote(sibling),
		ShellQuote(sibling), ShellQuote(remotePath),
		ShellQuote(staging),
	)
	_, err = c.Run(ctx, cmd, engine.RunOptions{Privileged: true, Check: true})
	return err
}

// writeRemote creates remotePath, restricts it to mode and only then
// writes content.
func writeRemote(ctx context.Context, rfs remoteFS, remotePath string, content []byte, mode os.FileMode) error {
	f, err := rfs.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "write-file",
			Err:         fmt.Errorf("failed to create %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}
	if err := rfs.Chmod(remotePath, mode.Perm()); err != nil {
		_ = f.Close()
		_ = rfs.Remove(remotePath)
		return &TransportError{
			Op:  "write-file",
			Err: fmt.Errorf("failed to set mode on %s: %w", remotePath, err),
		}
	}
	_, err = copyWithContext(ctx, f, strings.NewReader(string(content)))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = rfs.Remove(remotePath)
		return &TransportError{
			Op:          "write-file",
			Err:         fmt.Errorf("failed to write %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}
	return nil
}

// Exists reports whether remotePath exists.
func (c *SSHClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	exists := false
	err := c.withFS(func(rfs remoteFS) error {
		_, err := rfs.Stat(remotePath)
		switch {
		case err == nil:
			exists = true
			return nil
		case errors.Is(err, fs.ErrNotExist):
			return nil
		default:
			return &TransportError{Op: "stat", Err: err, IsTemporary: true}
		}
	})
	return exists, err
}

// DownloadFile downloads a single file from the remote host via SFTP.
func (c *SSHClient) DownloadFile(ctx context.Context, remotePath string, localPath string) error {
	return c.withFS(func(rfs remoteFS) error {
		remoteFile, err := rfs.Open(remotePath)
		if err != nil {
			return &TransportError{
				Op:          "download",
				Err:         fmt.Errorf("failed to open remote file: %w", err),
				IsTemporary: true,
			}
		}
		defer remoteFile.Close()

		if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return &TransportError{
				Op:  "download",
				Err: fmt.Errorf("failed to create local directory: %w", err),
			}
		}

		localFile, err := os.Create(localPath)
		if err != nil {
			return &TransportError{
				Op:  "download",
				Err: fmt.Errorf("failed to create local file: %w", err),
			}
		}
		defer localFile.Close()

		if _, err := copyWithContext(ctx, localFile, remoteFile); err != nil {
			return &TransportError{
				Op:          "download",
				Err:         fmt.Errorf("failed to copy file: %w", err),
				IsTemporary: true,
			}
		}
		return nil
	})
}

// ComputeChecksum calculates the SHA256 checksum of a remote file.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	res, err := c.Run(ctx, "sha256sum "+ShellQuote(remotePath), engine.RunOptions{Check: true})
	if err != nil {
		return "", &TransportError{
			Op:  "checksum",
			Err: fmt.Errorf("failed to compute checksum: %w", err),
		}
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) < 1 {
		return "", &TransportError{
			Op:  "checksum",
			Err: fmt.Errorf("invalid checksum output: %s", res.Stdout),
		}
	}

	return fields[0], nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
