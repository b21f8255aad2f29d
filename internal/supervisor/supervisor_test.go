package supervisor

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/poolcore/poolcore/internal/collab"
	"github.com/poolcore/poolcore/internal/handoff"
	"github.com/poolcore/poolcore/internal/registry"
	"github.com/poolcore/poolcore/internal/shm"
)

func newTestRegistry(t *testing.T, capacity int) *registry.Registry {
	t.Helper()
	seg, err := shm.Create("supervisor-test", registry.ReservedSize(capacity))
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

// loopbackPair returns two *net.TCPConn connected to each other, used as
// stand-ins for a real accepted client connection (TCPConn implements
// File(), required for fd extraction).
func loopbackPair(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan *net.TCPConn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c.(*net.TCPConn)
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case accepted := <-acceptCh:
		return dialed.(*net.TCPConn), accepted
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	}
	return nil, nil
}

func newTestSupervisor(t *testing.T, reg *registry.Registry) *Supervisor {
	t.Helper()
	s := New(Config{
		Registry: reg,
		Catalog:  collab.NewCatalog(collab.DatabaseInfo{ID: 1, Name: "app"}),
	})
	t.Cleanup(func() {
		s.mu.Lock()
		for _, end := range s.channels {
			end.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func TestTryAssignRoutesToMatchingPooledWorker(t *testing.T) {
	reg := newTestRegistry(t, 4)
	s := newTestSupervisor(t, reg)

	slot, ok := reg.RegisterWorker(111, 1, 1)
	if !ok {
		t.Fatal("RegisterWorker failed")
	}
	if !reg.MarkPooled(111, "app") {
		t.Fatal("MarkPooled failed")
	}

	supervisorEnd, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer workerEnd.Close()

	s.mu.Lock()
	s.channels[111] = supervisorEnd
	s.slotPID[slot] = 111
	s.mu.Unlock()

	_, server := loopbackPair(t)

	if !s.tryAssign("app", server, handoff.PeerAddr{}) {
		t.Fatal("tryAssign returned false, want true")
	}

	hf, err := handoff.ReceiveHandoff(workerEnd)
	if err != nil {
		t.Fatalf("ReceiveHandoff: %v", err)
	}
	unix.Close(hf.FD)

	snap := reg.Snapshot()
	if snap[slot].Status != registry.StatusReassigning {
		t.Fatalf("slot status = %v, want Reassigning", snap[slot].Status)
	}
}

func TestTryAssignReturnsFalseWhenNoMatch(t *testing.T) {
	reg := newTestRegistry(t, 4)
	s := newTestSupervisor(t, reg)

	_, server := loopbackPair(t)
	defer server.Close()

	if s.tryAssign("nonexistent", server, handoff.PeerAddr{}) {
		t.Fatal("tryAssign returned true, want false")
	}
}

func TestTryAssignRevertsOnSendFailure(t *testing.T) {
	reg := newTestRegistry(t, 4)
	s := newTestSupervisor(t, reg)

	slot, ok := reg.RegisterWorker(222, 1, 1)
	if !ok {
		t.Fatal("RegisterWorker failed")
	}
	if !reg.MarkPooled(222, "app") {
		t.Fatal("MarkPooled failed")
	}

	supervisorEnd, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	workerEnd.Close()
	supervisorEnd.Close() // closed up front so the send below fails

	s.mu.Lock()
	s.channels[222] = supervisorEnd
	s.slotPID[slot] = 222
	s.mu.Unlock()

	_, server := loopbackPair(t)
	defer server.Close()

	if s.tryAssign("app", server, handoff.PeerAddr{}) {
		t.Fatal("tryAssign returned true, want false on closed channel")
	}

	snap := reg.Snapshot()
	if snap[slot].Status != registry.StatusPooled {
		t.Fatalf("slot status = %v, want reverted to Pooled", snap[slot].Status)
	}
}

func TestSpawnFreshWorkerRejectsUnknownDatabase(t *testing.T) {
	reg := newTestRegistry(t, 4)
	s := newTestSupervisor(t, reg)

	client, server := loopbackPair(t)
	defer client.Close()

	if err := s.spawnFreshWorker(server, nil, handoff.PeerAddr{}); err != nil {
		t.Fatalf("spawnFreshWorker: %v", err)
	}

	buf := make([]byte, 256)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if n == 0 {
		t.Fatal("expected an ErrorResponse to be written to the client")
	}
	if buf[0] != 'E' {
		t.Fatalf("first message type = %q, want 'E' (ErrorResponse)", buf[0])
	}
}

func TestEvictDatabaseClosesNotifiedChannels(t *testing.T) {
	reg := newTestRegistry(t, 4)
	s := newTestSupervisor(t, reg)

	slot, ok := reg.RegisterWorker(333, 1, 9)
	if !ok {
		t.Fatal("RegisterWorker failed")
	}
	if !reg.MarkPooled(333, "app") {
		t.Fatal("MarkPooled failed")
	}

	supervisorEnd, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer workerEnd.Close()

	s.mu.Lock()
	s.channels[333] = supervisorEnd
	s.slotPID[slot] = 333
	s.mu.Unlock()

	s.EvictDatabase(9)

	if _, err := handoff.ReceiveHandoff(workerEnd); err != handoff.ErrEndOfStream {
		t.Fatalf("ReceiveHandoff after evict = %v, want ErrEndOfStream", err)
	}
}
