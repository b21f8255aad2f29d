package worker

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/poolcore/poolcore/internal/collab"
	"github.com/poolcore/poolcore/internal/handoff"
	"github.com/poolcore/poolcore/internal/registry"
	"github.com/poolcore/poolcore/internal/shm"
)

// --- fakes -------------------------------------------------------------

type fakeSession struct {
	mu                sync.Mutex
	calls             []string
	cleanupErr        error
	activityDisplay   string
}

func (f *fakeSession) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeSession) AbortTransaction()               { f.record("AbortTransaction") }
func (f *fakeSession) DropPreparedStatements()          { f.record("DropPreparedStatements") }
func (f *fakeSession) DropPortalsAndCursors()           { f.record("DropPortalsAndCursors") }
func (f *fakeSession) ReleaseUserLocks()                { f.record("ReleaseUserLocks") }
func (f *fakeSession) DropAdvisoryListenSubscriptions() { f.record("DropAdvisoryListenSubscriptions") }
func (f *fakeSession) ResetSequenceCaches()             { f.record("ResetSequenceCaches") }
func (f *fakeSession) ResetPlanCaches()                 { f.record("ResetPlanCaches") }
func (f *fakeSession) ResetOptionsToDefault()           { f.record("ResetOptionsToDefault") }
func (f *fakeSession) ResetRoleIdentity()               { f.record("ResetRoleIdentity") }
func (f *fakeSession) CleanupTempNamespace(context.Context) error {
	f.record("CleanupTempNamespace")
	return f.cleanupErr
}
func (f *fakeSession) ResetLocalBufferPool()           { f.record("ResetLocalBufferPool") }
func (f *fakeSession) ReleaseStorageHandles()          { f.record("ReleaseStorageHandles") }
func (f *fakeSession) InvalidateOperatorClassCache()   { f.record("InvalidateOperatorClassCache") }
func (f *fakeSession) InvalidateRelationCache()        { f.record("InvalidateRelationCache") }
func (f *fakeSession) SetActivityDisplay(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activityDisplay = s
}
func (f *fakeSession) ClearActivityDisplay() { f.record("ClearActivityDisplay") }

type fakeOptions struct{}

func (fakeOptions) ApplyStartupOptions(context.Context, map[string]string, collab.Severity) error {
	return nil
}
func (fakeOptions) ApplyDatabaseDefaults(context.Context, int64) error { return nil }
func (fakeOptions) ApplyRoleDefaults(context.Context, string) error    { return nil }

type fakeStats struct {
	mu        sync.Mutex
	connected []string
	started   []string
}

func (f *fakeStats) ReportDisconnect(int64, string) {}
func (f *fakeStats) ReportConnect(pid int64, database, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, user+"@"+database)
}
func (f *fakeStats) BackendStarted(pid int64, database, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, user+"@"+database)
}

type fakeLoginTriggers struct {
	mu    sync.Mutex
	fired int
}

func (f *fakeLoginTriggers) FireLoginTriggers(context.Context, int64, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired++
	return nil
}

type fakeCancelKeys struct {
	mu   sync.Mutex
	keys map[int64]uint32
}

func newFakeCancelKeys() *fakeCancelKeys {
	return &fakeCancelKeys{keys: make(map[int64]uint32)}
}
func (f *fakeCancelKeys) SetCancelKey(pid int64, key uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[pid] = key
}

type alwaysAlive struct{}

func (alwaysAlive) Alive() bool { return true }

func newFakeCollaborators(catalog collab.CatalogLookup) (collab.Collaborators, *fakeSession, *fakeStats, *fakeLoginTriggers) {
	sess := &fakeSession{}
	stats := &fakeStats{}
	triggers := &fakeLoginTriggers{}
	c := collab.Collaborators{
		Secure:      collab.NoSecureChannel{},
		Auth:        fakeAuthenticator{},
		AccessCfg:   collab.StaticAccessConfig{},
		Catalog:     catalog,
		Session:     sess,
		Options:     fakeOptions{},
		Stats:       stats,
		LoginEvents: triggers,
		CancelKeys:  newFakeCancelKeys(),
	}
	return c, sess, stats, triggers
}

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(context.Context, net.Conn, string, string) error { return nil }

// --- wire helpers --------------------------------------------------------

func buildStartup(params map[string]string) []byte {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16)
	body = append(body, ver...)
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)
	msg := make([]byte, 4)
	binary.BigEndian.PutUint32(msg, uint32(4+len(body)))
	return append(msg, body...)
}

// newClientSocketPair returns two ends of a connected stream socket: one
// to hand off as a raw fd (as the supervisor would), one to drive as a
// simulated remote client.
func newClientSocketPair(t *testing.T) (clientFD int, remote net.Conn) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	remoteFile := os.NewFile(uintptr(fds[1]), "test-remote-client")
	remote, err = net.FileConn(remoteFile)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	remoteFile.Close()
	return fds[0], remote
}

func newTestRegistry(t *testing.T, capacity int) *registry.Registry {
	t.Helper()
	seg, err := shm.Create("worker-test", registry.ReservedSize(capacity))
	if err != nil {
		t.Fatalf("shm.Create: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	reg, err := registry.Initialize(seg, capacity, 0)
	if err != nil {
		t.Fatalf("registry.Initialize: %v", err)
	}
	return reg
}

// --- tests ----------------------------------------------------------------

func TestEnterPoolResumesOnSuccessfulHandoff(t *testing.T) {
	reg := newTestRegistry(t, 4)
	const pid = 100
	if _, ok := reg.RegisterWorker(pid, 1, 7); !ok {
		t.Fatal("RegisterWorker failed")
	}

	catalog := collab.NewCatalog(collab.DatabaseInfo{ID: 7, Name: "app", TablespaceID: 99, HasLoginEventTriggers: true})
	c, sess, stats, triggers := newFakeCollaborators(catalog)

	supervisorEnd, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer supervisorEnd.Close()

	dummyServer, dummyClient := net.Pipe()
	defer dummyClient.Close()

	w := New(Config{
		PID:              pid,
		Registry:         reg,
		Channel:          workerEnd,
		Collab:           c,
		Health:           alwaysAlive{},
		WaitPollInterval: 50 * time.Millisecond,
	})
	w.Bind(dummyServer, 7, "app", "alice")

	outcomeCh := make(chan Outcome, 1)
	errCh := make(chan error, 1)
	go func() {
		outcome, err := w.EnterPool(context.Background())
		outcomeCh <- outcome
		errCh <- err
	}()

	clientFD, remote := newClientSocketPair(t)
	defer remote.Close()

	if err := handoff.SendHandoff(supervisorEnd, handoff.PeerAddr{Port: 5432}, clientFD); err != nil {
		t.Fatalf("SendHandoff: %v", err)
	}

	startupBytes := buildStartup(map[string]string{"user": "alice", "database": "app"})
	if _, err := remote.Write(startupBytes); err != nil {
		t.Fatalf("writing startup: %v", err)
	}

	select {
	case outcome := <-outcomeCh:
		if outcome != Resumed {
			t.Fatalf("EnterPool outcome = %v, want Resumed", outcome)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("EnterPool did not return in time")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("EnterPool error: %v", err)
	}

	if triggers.fired != 1 {
		t.Fatalf("expected exactly one login trigger fire, got %d", triggers.fired)
	}
	if len(stats.started) != 1 || stats.started[0] != "alice@app" {
		t.Fatalf("unexpected BackendStarted calls: %v", stats.started)
	}
	_ = sess
}

func TestEnterPoolExitsWhenDatabaseGoneDuringDrain(t *testing.T) {
	reg := newTestRegistry(t, 4)
	const pid = 200
	if _, ok := reg.RegisterWorker(pid, 1, 9); !ok {
		t.Fatal("RegisterWorker failed")
	}

	catalog := collab.NewCatalog() // empty: database 9 does not exist
	c, _, _, _ := newFakeCollaborators(catalog)

	_, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer workerEnd.Close()

	w := New(Config{PID: pid, Registry: reg, Channel: workerEnd, Collab: c, Health: alwaysAlive{}})
	w.Bind(nil, 9, "gone-db", "bob")

	outcome, err := w.EnterPool(context.Background())
	if outcome != Exit {
		t.Fatalf("outcome = %v, want Exit", outcome)
	}
	if err != nil {
		t.Fatalf("expected a quiet exit, got error: %v", err)
	}
}

func TestEnterPoolExitsOnShutdownSignal(t *testing.T) {
	reg := newTestRegistry(t, 4)
	const pid = 300
	if _, ok := reg.RegisterWorker(pid, 1, 1); !ok {
		t.Fatal("RegisterWorker failed")
	}

	catalog := collab.NewCatalog(collab.DatabaseInfo{ID: 1, Name: "app"})
	c, _, _, _ := newFakeCollaborators(catalog)

	supervisorEnd, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer supervisorEnd.Close()
	defer workerEnd.Close()

	shutdown := make(chan struct{})
	close(shutdown)

	w := New(Config{
		PID: pid, Registry: reg, Channel: workerEnd, Collab: c,
		Health: alwaysAlive{}, Shutdown: shutdown, WaitPollInterval: 50 * time.Millisecond,
	})
	w.Bind(nil, 1, "app", "alice")

	outcome, err := w.EnterPool(context.Background())
	if outcome != Exit || err != nil {
		t.Fatalf("EnterPool = %v, %v; want Exit, nil", outcome, err)
	}
}

func TestEnterPoolDatabaseMismatchIsFatal(t *testing.T) {
	reg := newTestRegistry(t, 4)
	const pid = 400
	if _, ok := reg.RegisterWorker(pid, 1, 3); !ok {
		t.Fatal("RegisterWorker failed")
	}

	catalog := collab.NewCatalog(collab.DatabaseInfo{ID: 3, Name: "app"})
	c, _, _, _ := newFakeCollaborators(catalog)

	supervisorEnd, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer supervisorEnd.Close()

	w := New(Config{PID: pid, Registry: reg, Channel: workerEnd, Collab: c, Health: alwaysAlive{}})
	w.Bind(nil, 3, "app", "alice")

	outcomeCh := make(chan Outcome, 1)
	errCh := make(chan error, 1)
	go func() {
		outcome, err := w.EnterPool(context.Background())
		outcomeCh <- outcome
		errCh <- err
	}()

	clientFD, remote := newClientSocketPair(t)
	defer remote.Close()
	if err := handoff.SendHandoff(supervisorEnd, handoff.PeerAddr{Port: 1}, clientFD); err != nil {
		t.Fatalf("SendHandoff: %v", err)
	}
	// Requests a different database than the one this worker was pooled
	// under — a race assign_client should have prevented.
	startupBytes := buildStartup(map[string]string{"user": "alice", "database": "other"})
	if _, err := remote.Write(startupBytes); err != nil {
		t.Fatalf("writing startup: %v", err)
	}

	select {
	case outcome := <-outcomeCh:
		if outcome != Exit {
			t.Fatalf("outcome = %v, want Exit", outcome)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("EnterPool did not return in time")
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected a database-mismatch error")
	}
}

func TestEnterPoolRetriesAfterMalformedStartup(t *testing.T) {
	reg := newTestRegistry(t, 4)
	const pid = 500
	if _, ok := reg.RegisterWorker(pid, 1, 5); !ok {
		t.Fatal("RegisterWorker failed")
	}

	catalog := collab.NewCatalog(collab.DatabaseInfo{ID: 5, Name: "app"})
	c, _, _, _ := newFakeCollaborators(catalog)

	supervisorEnd, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer supervisorEnd.Close()

	w := New(Config{PID: pid, Registry: reg, Channel: workerEnd, Collab: c, Health: alwaysAlive{}})
	w.Bind(nil, 5, "app", "alice")

	outcomeCh := make(chan Outcome, 1)
	errCh := make(chan error, 1)
	go func() {
		outcome, err := w.EnterPool(context.Background())
		outcomeCh <- outcome
		errCh <- err
	}()

	// First handoff: client writes a couple of bytes then disconnects,
	// which must be treated as a malformed startup and retried.
	badFD, badRemote := newClientSocketPair(t)
	if err := handoff.SendHandoff(supervisorEnd, handoff.PeerAddr{Port: 1}, badFD); err != nil {
		t.Fatalf("SendHandoff (bad): %v", err)
	}
	badRemote.Write([]byte{0, 0})
	badRemote.Close()

	// Second handoff: a well-formed client.
	goodFD, goodRemote := newClientSocketPair(t)
	defer goodRemote.Close()
	if err := handoff.SendHandoff(supervisorEnd, handoff.PeerAddr{Port: 2}, goodFD); err != nil {
		t.Fatalf("SendHandoff (good): %v", err)
	}
	startupBytes := buildStartup(map[string]string{"user": "alice", "database": "app"})
	if _, err := goodRemote.Write(startupBytes); err != nil {
		t.Fatalf("writing startup: %v", err)
	}

	select {
	case outcome := <-outcomeCh:
		if outcome != Resumed {
			t.Fatalf("outcome = %v, want Resumed", outcome)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("EnterPool did not return in time")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("EnterPool error: %v", err)
	}
}

func TestRunCallsServeThenReentersPoolUntilChannelCloses(t *testing.T) {
	reg := newTestRegistry(t, 4)
	const pid = 300
	if _, ok := reg.RegisterWorker(pid, 1, 7); !ok {
		t.Fatal("RegisterWorker failed")
	}

	catalog := collab.NewCatalog(collab.DatabaseInfo{ID: 7, Name: "app", TablespaceID: 0})
	c, _, _, _ := newFakeCollaborators(catalog)

	supervisorEnd, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}

	dummyServer, dummyClient := net.Pipe()
	defer dummyClient.Close()

	var servedCount int
	var mu sync.Mutex
	w := New(Config{
		PID:              pid,
		Registry:         reg,
		Channel:          workerEnd,
		Collab:           c,
		Health:           alwaysAlive{},
		WaitPollInterval: 50 * time.Millisecond,
		Serve: func(ctx context.Context, conn net.Conn) error {
			mu.Lock()
			servedCount++
			mu.Unlock()
			conn.Close()
			return nil
		},
	})
	w.Bind(dummyServer, 7, "app", "alice")

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- w.Run(context.Background())
	}()

	clientFD, remote := newClientSocketPair(t)
	defer remote.Close()
	if err := handoff.SendHandoff(supervisorEnd, handoff.PeerAddr{Port: 5432}, clientFD); err != nil {
		t.Fatalf("SendHandoff: %v", err)
	}
	startupBytes := buildStartup(map[string]string{"user": "alice", "database": "app"})
	if _, err := remote.Write(startupBytes); err != nil {
		t.Fatalf("writing startup: %v", err)
	}

	// Wait for Serve to run on the bound client and on the first resumed
	// client, then close the control channel so Run's second EnterPool
	// call exits the loop.
	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := servedCount
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Serve was never called")
		}
		time.Sleep(10 * time.Millisecond)
	}

	supervisorEnd.Close()

	select {
	case err := <-runErrCh:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after control channel closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if servedCount != 2 {
		t.Fatalf("servedCount = %d, want 2", servedCount)
	}
}
