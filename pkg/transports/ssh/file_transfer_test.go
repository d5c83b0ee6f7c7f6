package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeFS records every remote file operation.
type fakeFS struct {
	mu    sync.Mutex
	ops   []string
	files map[string][]byte
	dirs  map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: map[string][]byte{}, dirs: map[string]bool{}}
}

func (f *fakeFS) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeFS) MkdirAll(p string) error {
	f.record("mkdir " + p)
	f.mu.Lock()
	f.dirs[p] = true
	f.mu.Unlock()
	return nil
}

type fakeWriter struct {
	bytes.Buffer
	close func([]byte)
}

func (w *fakeWriter) Close() error {
	w.close(w.Bytes())
	return nil
}

func (f *fakeFS) Create(p string) (io.WriteCloser, error) {
	f.record("put " + p)
	return &fakeWriter{close: func(b []byte) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.files[p] = append([]byte(nil), b...)
	}}, nil
}

func (f *fakeFS) Open(p string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeFS) PosixRename(oldpath, newpath string) error {
	f.record("rename " + oldpath + " " + newpath)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[newpath] = f.files[oldpath]
	delete(f.files, oldpath)
	return nil
}

type fakeInfo struct {
	name string
	dir  bool
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return 0 }
func (i fakeInfo) Mode() fs.FileMode  { return 0644 }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return i.dir }
func (i fakeInfo) Sys() any           { return nil }

func (f *fakeFS) Stat(p string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[p]; ok {
		return fakeInfo{name: filepath.Base(p)}, nil
	}
	if f.dirs[p] {
		return fakeInfo{name: filepath.Base(p), dir: true}, nil
	}
	return nil, fs.ErrNotExist
}

func (f *fakeFS) Chmod(string, os.FileMode) error { return nil }

func (f *fakeFS) Remove(p string) error {
	f.record("remove " + p)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, p)
	return nil
}

func (f *fakeFS) Close() error { return nil }

func newFakeClient(t *testing.T, rfs *fakeFS) *SSHClient {
	t.Helper()

	config := DefaultConfig("edge.local", "pi")
	config.AuthMethod = AuthMethodPassword
	config.Password = "raspberry"

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	client.openFS = func() (remoteFS, error) { return rfs, nil }
	return client
}

func writeLocal(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestUploadTreeSkipsIgnoredSubtrees(t *testing.T) {
	local := t.TempDir()
	writeLocal(t, local, "app.py", "print('hi')")
	writeLocal(t, local, "static/site.css", "body{}")
	writeLocal(t, local, "ids.db", "sqlite")
	writeLocal(t, local, "node_modules/pkg/index.js", "x")
	writeLocal(t, local, "node_modules/pkg/deep/more.js", "y")
	writeLocal(t, local, ".venv/bin/python", "z")
	writeLocal(t, local, "static/__pycache__/site.cpython-311.pyc", "c")

	rfs := newFakeFS()
	client := newFakeClient(t, rfs)

	if err := client.UploadTree(context.Background(), local, "/opt/ids2/webapp", DefaultIgnore); err != nil {
		t.Fatalf("UploadTree() error = %v", err)
	}

	for _, op := range rfs.ops {
		for _, banned := range []string{"node_modules", ".venv", "__pycache__", "ids.db"} {
			if strings.Contains(op, banned) {
				t.Errorf("operation touched ignored path: %s", op)
			}
		}
	}

	want := []string{
		"mkdir /opt/ids2/webapp",
		"put /opt/ids2/webapp/app.py",
		"mkdir /opt/ids2/webapp/static",
		"put /opt/ids2/webapp/static/site.css",
	}
	for _, w := range want {
		found := false
		for _, op := range rfs.ops {
			if op == w {
				found = true
			}
		}
		if !found {
			t.Errorf("missing operation %q in %v", w, rfs.ops)
		}
	}

	// Directories are created before the files they contain.
	mkdirAt, putAt := -1, -1
	for i, op := range rfs.ops {
		switch op {
		case "mkdir /opt/ids2/webapp/static":
			mkdirAt = i
		case "put /opt/ids2/webapp/static/site.css":
			putAt = i
		}
	}
	if mkdirAt == -1 || putAt == -1 || mkdirAt > putAt {
		t.Errorf("directory not created before its files: %v", rfs.ops)
	}
}

func TestUploadTreeCustomPattern(t *testing.T) {
	local := t.TempDir()
	writeLocal(t, local, "keep.txt", "k")
	writeLocal(t, local, "build-cache/x.bin", "x")

	rfs := newFakeFS()
	client := newFakeClient(t, rfs)

	if err := client.UploadTree(context.Background(), local, "/srv", []string{"build-*"}); err != nil {
		t.Fatalf("UploadTree() error = %v", err)
	}
	for _, op := range rfs.ops {
		if strings.Contains(op, "build-cache") {
			t.Errorf("pattern-ignored directory was touched: %s", op)
		}
	}
	if _, ok := rfs.files["/srv/keep.txt"]; !ok {
		t.Error("keep.txt not uploaded")
	}
}

func TestWriteFileRenamesIntoPlace(t *testing.T) {
	rfs := newFakeFS()
	client := newFakeClient(t, rfs)

	if err := client.WriteFile(context.Background(), "/opt/ids2/config.json", []byte(`{"a":1}`), 0644, false); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if len(rfs.ops) != 2 {
		t.Fatalf("expected put then rename, got %v", rfs.ops)
	}
	if !strings.HasPrefix(rfs.ops[0], "put /opt/ids2/.config.json.") {
		t.Errorf("temporary file not written next to target: %s", rfs.ops[0])
	}
	if !strings.HasSuffix(rfs.ops[1], " /opt/ids2/config.json") || !strings.HasPrefix(rfs.ops[1], "rename ") {
		t.Errorf("expected rename into place, got %s", rfs.ops[1])
	}
	if string(rfs.files["/opt/ids2/config.json"]) != `{"a":1}` {
		t.Errorf("unexpected content %q", rfs.files["/opt/ids2/config.json"])
	}
}

func TestExistsWithFakeFS(t *testing.T) {
	rfs := newFakeFS()
	rfs.files["/etc/ids.conf"] = []byte("x")
	client := newFakeClient(t, rfs)

	ok, err := client.Exists(context.Background(), "/etc/ids.conf")
	if err != nil || !ok {
		t.Errorf("Exists(existing) = %v, %v", ok, err)
	}
	ok, err = client.Exists(context.Background(), "/etc/missing")
	if err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
}

func TestFileTransferOverSFTP(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)
	ctx := context.Background()

	remoteRoot := t.TempDir()

	t.Run("upload", func(t *testing.T) {
		local := filepath.Join(t.TempDir(), "hello.txt")
		if err := os.WriteFile(local, []byte("hello"), 0644); err != nil {
			t.Fatal(err)
		}
		target := filepath.Join(remoteRoot, "nested", "hello.txt")
		if err := client.Upload(ctx, local, target); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		got, err := os.ReadFile(target)
		if err != nil || string(got) != "hello" {
			t.Errorf("uploaded content = %q, %v", got, err)
		}
	})

	t.Run("write file", func(t *testing.T) {
		target := filepath.Join(remoteRoot, "unit.service")
		for _, content := range []string{"v1", "v2"} {
			if err := client.WriteFile(ctx, target, []byte(content), 0644, false); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
		}
		got, _ := os.ReadFile(target)
		if string(got) != "v2" {
			t.Errorf("content = %q, want v2", got)
		}
		entries, _ := os.ReadDir(remoteRoot)
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".tmp") {
				t.Errorf("temporary file left behind: %s", e.Name())
			}
		}
	})

	t.Run("privileged write file", func(t *testing.T) {
		target := filepath.Join(remoteRoot, "etc", "ids.service")
		if err := client.WriteFile(ctx, target, []byte("[Unit]\n"), 0644, true); err != nil {
			t.Fatalf("WriteFile(privileged) error = %v", err)
		}
		got, err := os.ReadFile(target)
		if err != nil || string(got) != "[Unit]\n" {
			t.Errorf("content = %q, %v", got, err)
		}
		if _, secrets := server.recorded(); len(secrets) == 0 {
			t.Error("privileged write did not go through sudo")
		}
	})

	t.Run("file modes", func(t *testing.T) {
		tests := []struct {
			name       string
			file       string
			mode       os.FileMode
			privileged bool
		}{
			{"secret as root", "etc/default/ids-forwarder", 0600, true},
			{"unit as root", "etc/ids-app.service", 0644, true},
			{"script as user", "opt/forwarder.py", 0755, false},
			{"secret as user", "opt/token", 0600, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				target := filepath.Join(remoteRoot, tt.file)
				if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
					t.Fatal(err)
				}
				if err := client.WriteFile(ctx, target, []byte("SEARCH_PASSWORD=secret\n"), tt.mode, tt.privileged); err != nil {
					t.Fatalf("WriteFile() error = %v", err)
				}
				info, err := os.Stat(target)
				if err != nil {
					t.Fatal(err)
				}
				if got := info.Mode().Perm(); got != tt.mode {
					t.Errorf("mode = %v, want %v", got, tt.mode)
				}
			})
		}
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := client.Exists(ctx, filepath.Join(remoteRoot, "unit.service"))
		if err != nil || !ok {
			t.Errorf("Exists(existing) = %v, %v", ok, err)
		}
		ok, err = client.Exists(ctx, filepath.Join(remoteRoot, "nope"))
		if err != nil || ok {
			t.Errorf("Exists(missing) = %v, %v", ok, err)
		}
	})

	t.Run("checksum", func(t *testing.T) {
		sum, err := client.ComputeChecksum(ctx, filepath.Join(remoteRoot, "unit.service"))
		if err != nil {
			t.Fatalf("ComputeChecksum() error = %v", err)
		}
		want := fmt.Sprintf("%x", sha256.Sum256([]byte("v2")))
		if sum != want {
			t.Errorf("checksum = %q, want %q", sum, want)
		}
	})
}
