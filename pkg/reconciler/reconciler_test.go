package reconciler

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/stores"
)

var identity = engine.OwnershipTag{Project: "ids2", Role: "elk"}

type fakeLister struct {
	mu    sync.Mutex
	nodes []engine.ComputeNodeRecord
	err   error
	specs []engine.DesiredStackSpec
}

func (l *fakeLister) ListAllMatching(_ context.Context, spec engine.DesiredStackSpec) ([]engine.ComputeNodeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	return append([]engine.ComputeNodeRecord(nil), l.nodes...), l.err
}

func (l *fakeLister) set(nodes ...engine.ComputeNodeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes = nodes
}

// failingStore fails List while leaving the other calls to the real store.
type failingStore struct {
	*stores.SQLiteStore
	writes int
}

func (s *failingStore) List(context.Context) ([]engine.ComputeNodeRecord, error) {
	return nil, engine.NewStorageError("list", errors.New("database is locked"))
}

func (s *failingStore) Upsert(ctx context.Context, r engine.ComputeNodeRecord) error {
	s.writes++
	return s.SQLiteStore.Upsert(ctx, r)
}

func newStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: stores.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func node(id string, state engine.LifecycleState, addr string) engine.ComputeNodeRecord {
	return engine.ComputeNodeRecord{
		ID:            id,
		Region:        "eu-west-1",
		InstanceType:  "t3.medium",
		PublicAddress: addr,
		State:         state,
		Tags:          identity.Tags(),
		LaunchTime:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testSpec(edgeHost string, edgePort int) engine.DesiredStackSpec {
	return engine.DesiredStackSpec{
		Project: identity.Project,
		Role:    identity.Role,
		Region:  "eu-west-1",
		Edge:    engine.EdgeSpec{Host: edgeHost, Port: edgePort},
	}
}

func listIDs(t *testing.T, store engine.InventoryStore) map[string]engine.ComputeNodeRecord {
	t.Helper()
	records, err := store.List(context.Background())
	require.NoError(t, err)
	out := make(map[string]engine.ComputeNodeRecord, len(records))
	for _, r := range records {
		out[r.ID] = r
	}
	return out
}

func TestRunCycleConverges(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	foreign := node("i-foreign", engine.StateRunning, "198.51.100.9")
	foreign.Tags = engine.OwnershipTag{Project: "other", Role: "elk"}.Tags()
	require.NoError(t, store.Upsert(ctx, foreign))
	require.NoError(t, store.Upsert(ctx, node("i-old", engine.StateRunning, "203.0.113.1")))
	require.NoError(t, store.Upsert(ctx, node("i-1", engine.StatePending, "")))

	lister := &fakeLister{}
	lister.set(
		node("i-1", engine.StateRunning, "203.0.113.10"),
		node("i-2", engine.StateStopped, ""),
	)

	r := New(store, lister, testSpec("", 0), WithProbeTimeout(50*time.Millisecond), WithAuditor(store))
	report, err := r.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, CycleOK, report.Status)
	assert.Equal(t, []string{"i-old"}, report.Deleted)
	assert.Equal(t, []string{"i-1"}, report.Updated)
	assert.Equal(t, []string{"i-2"}, report.Inserted)
	assert.Equal(t, 3, report.Corrections())

	records := listIDs(t, store)
	require.Len(t, records, 3)
	assert.Contains(t, records, "i-foreign")
	assert.NotContains(t, records, "i-old")
	assert.Equal(t, engine.StateRunning, records["i-1"].State)
	assert.Equal(t, "203.0.113.10", records["i-1"].PublicAddress)
	assert.Equal(t, engine.StateStopped, records["i-2"].State)

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snapshot.LastReconciledAt.IsZero())

	audit, err := store.ListAuditEntries(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, audit, 3)

	// A second cycle over unchanged reality is a no-op.
	report, err = r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Corrections())
	assert.Len(t, listIDs(t, store), 3)
}

func TestRunCycleSkipsWhenStoreUnavailable(t *testing.T) {
	store := &failingStore{SQLiteStore: newStore(t)}
	lister := &fakeLister{}
	lister.set(node("i-1", engine.StateRunning, "203.0.113.10"))

	r := New(store, lister, testSpec("", 0))
	report, err := r.RunCycle(context.Background())

	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.Equal(t, CycleSkipped, report.Status)
	assert.Zero(t, store.writes)
	assert.Empty(t, lister.specs, "provider must not be queried when the store is down")
}

func TestRunCycleSkipsWhenProviderFails(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Upsert(context.Background(), node("i-1", engine.StateRunning, "203.0.113.10")))

	lister := &fakeLister{err: engine.NewThrottledError("slow down", nil)}
	r := New(store, lister, testSpec("", 0))

	report, err := r.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, CycleSkipped, report.Status)
	// An outage must never look like every node disappeared.
	assert.Contains(t, listIDs(t, store), "i-1")
}

func TestRunCycleProbesWithoutMutating(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	store := newStore(t)
	live := node("i-1", engine.StateRunning, "")
	require.NoError(t, store.Upsert(context.Background(), live))
	lister := &fakeLister{}
	lister.set(live)

	r := New(store, lister, testSpec("127.0.0.1", port), WithProbeTimeout(time.Second))
	report, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Reachability.Edge.Reachable)
	assert.Equal(t, map[string]bool{"i-1": false}, report.Reachability.Nodes)
	assert.Zero(t, report.Corrections())
	assert.Equal(t, live.State, listIDs(t, store)["i-1"].State)
}

func TestSetSpecSwapsScope(t *testing.T) {
	store := newStore(t)
	lister := &fakeLister{}
	r := New(store, lister, testSpec("", 0))

	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	next := testSpec("", 0)
	next.Role = "search"
	r.SetSpec(next)
	assert.Equal(t, "search", r.Spec().Role)

	_, err = r.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, lister.specs, 2)
	assert.Equal(t, "elk", lister.specs[0].Role)
	assert.Equal(t, "search", lister.specs[1].Role)
}

func TestRunStopsWithContext(t *testing.T) {
	store := newStore(t)
	lister := &fakeLister{}
	lister.set(node("i-1", engine.StateRunning, ""))

	r := New(store, lister, testSpec("", 0), WithInterval(20*time.Millisecond), WithProbeTimeout(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case report := <-r.Reports():
		assert.Equal(t, CycleOK, report.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle report")
	}
	require.Eventually(t, func() bool {
		records, err := store.List(context.Background())
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Later cycles keep the inventory converged.
	lister.set()
	require.Eventually(t, func() bool {
		records, err := store.List(context.Background())
		return err == nil && len(records) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconcile loop did not stop")
	}
}
