// Package supervisor implements the supervisor side of the reuse protocol:
// the accept loop, the assign_client routing decision (spec §4.1 steps
// 1-6), and the fork/reap machinery that brings a worker into existence
// when no pooled slot matches.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poolcore/poolcore/internal/collab"
	"github.com/poolcore/poolcore/internal/handoff"
	"github.com/poolcore/poolcore/internal/pgwire"
	"github.com/poolcore/poolcore/internal/registry"
	"github.com/poolcore/poolcore/internal/startup"
)

// Config holds everything the supervisor needs to route clients and fork
// workers. ShmFile and WorkerExecutable are required; the rest have
// workable defaults.
type Config struct {
	Registry *registry.Registry
	Catalog  *collab.Catalog

	// WorkerExecutable is re-exec'd with "-worker" appended to WorkerArgs
	// to bring up a fresh worker process (spec §4.1: "otherwise forks").
	WorkerExecutable string
	WorkerArgs       []string

	// ShmFile backs the registry's shared segment; handed to every forked
	// worker via ExtraFiles so it can attach the same mapping (see
	// internal/shm).
	ShmFile *os.File
	ShmSize int

	// WaitPollInterval is passed through to forked workers as their
	// Waiting poll interval (spec §5).
	WaitPollInterval time.Duration

	Logger *slog.Logger

	// OnWorkerRegistered/OnWorkerRemoved are optional hooks for metrics
	// and status reporting; both may be nil.
	OnWorkerRegistered func(pid int64, slot int, databaseID int64)
	OnWorkerRemoved    func(pid int64, slot int)
}

// Supervisor owns the accept loop and every worker's control-channel
// supervisor end.
type Supervisor struct {
	cfg Config

	ln net.Listener

	mu         sync.Mutex
	channels   map[int64]*net.UnixConn // pid -> supervisor_end
	slotPID    map[int]int64           // slot index -> pid, supervisor-local cache
	workerKeys int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor from cfg, filling in defaults.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		channels: make(map[int64]*net.UnixConn),
		slotPID:  make(map[int]int64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ListenAndServe starts accepting client connections on addr. It returns
// once the listener is up; accepting runs in a background goroutine.
func (s *Supervisor) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("supervisor: listening on %s: %w", addr, err)
	}
	s.ln = ln
	s.cfg.Logger.Info("supervisor listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Supervisor) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.cfg.Logger.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn implements assign_client end to end for one accepted
// connection (spec §4.1): peek, filter sentinels, try a pooled match,
// fall back to a fresh fork.
func (s *Supervisor) handleConn(conn net.Conn) {
	peer := peerAddrOf(conn)

	info, err := startup.Peek(conn)
	if err != nil {
		s.cfg.Logger.Warn("startup peek failed, forking fresh worker", "error", err)
		if err := s.spawnFreshWorker(conn, nil, peer); err != nil {
			s.cfg.Logger.Error("fresh fork failed", "error", err)
			conn.Close()
		}
		return
	}

	if !info.IsRegularStartup() || info.IsReplication() {
		if err := s.spawnFreshWorker(conn, info, peer); err != nil {
			s.cfg.Logger.Error("fresh fork failed", "error", err)
			conn.Close()
		}
		return
	}

	if s.tryAssign(info.DatabaseName(), conn, peer) {
		return
	}

	if err := s.spawnFreshWorker(conn, info, peer); err != nil {
		s.cfg.Logger.Error("fresh fork failed", "error", err)
		conn.Close()
	}
}

// tryAssign implements assign_client steps 4-6: scan for a Pooled slot
// with a matching database name and hand the client's FD to it.
func (s *Supervisor) tryAssign(databaseName string, conn net.Conn, peer handoff.PeerAddr) bool {
	slot, ok := s.cfg.Registry.Match(databaseName)
	if !ok {
		return false
	}

	s.mu.Lock()
	pid, known := s.slotPID[slot]
	var end *net.UnixConn
	if known {
		end = s.channels[pid]
	}
	s.mu.Unlock()

	if !known || end == nil {
		s.cfg.Logger.Error("matched slot has no known channel, reverting", "slot", slot)
		s.cfg.Registry.Revert(slot)
		return false
	}

	f, err := connFile(conn)
	if err != nil {
		s.cfg.Logger.Error("extracting client fd failed, reverting", "slot", slot, "error", err)
		s.cfg.Registry.Revert(slot)
		return false
	}

	if err := handoff.SendHandoff(end, peer, int(f.Fd())); err != nil {
		s.cfg.Logger.Warn("send_handoff failed, reverting slot", "slot", slot, "pid", pid, "error", err)
		s.cfg.Registry.Revert(slot)
		f.Close()
		return false
	}

	f.Close()
	conn.Close()
	return true
}

// spawnFreshWorker resolves the requested database, forks a worker
// re-exec'ing WorkerExecutable with "-worker", and hands it the client's
// FD directly as an ExtraFiles descriptor (the only time a client FD
// travels by exec rather than by the control channel).
func (s *Supervisor) spawnFreshWorker(conn net.Conn, info *startup.Info, peer handoff.PeerAddr) error {
	name := userOf(info)
	if info != nil {
		if n := info.DatabaseName(); n != "" {
			name = n
		}
	}

	dbInfo, found := s.cfg.Catalog.Lookup(name)
	if !found {
		pgwire.WriteErrorResponse(conn, "FATAL", "3D000", fmt.Sprintf("database %q does not exist", name))
		conn.Close()
		return nil
	}

	supervisorEnd, workerEnd, err := handoff.NewChannelPair()
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating control channel: %w", err)
	}

	workerFile, err := workerEnd.File()
	workerEnd.Close()
	if err != nil {
		supervisorEnd.Close()
		conn.Close()
		return fmt.Errorf("extracting channel fd: %w", err)
	}

	clientFile, err := connFile(conn)
	if err != nil {
		supervisorEnd.Close()
		workerFile.Close()
		conn.Close()
		return fmt.Errorf("extracting client fd: %w", err)
	}

	workerKey := atomic.AddInt64(&s.workerKeys, 1)

	args := append(append([]string{}, s.cfg.WorkerArgs...), "-worker")
	cmd := exec.Command(s.cfg.WorkerExecutable, args...)
	cmd.ExtraFiles = []*os.File{s.cfg.ShmFile, workerFile, clientFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"POOLCORE_SHM_FD=3",
		fmt.Sprintf("POOLCORE_SHM_SIZE=%d", s.cfg.ShmSize),
		"POOLCORE_CHANNEL_FD=4",
		"POOLCORE_CLIENT_FD=5",
		fmt.Sprintf("POOLCORE_WORKER_KEY=%d", workerKey),
		fmt.Sprintf("POOLCORE_DATABASE_ID=%d", dbInfo.ID),
		fmt.Sprintf("POOLCORE_DATABASE_NAME=%s", dbInfo.Name),
		fmt.Sprintf("POOLCORE_USER=%s", userOf(info)),
		fmt.Sprintf("POOLCORE_PEER_IP=%s", peer.IP.String()),
		fmt.Sprintf("POOLCORE_PEER_PORT=%d", peer.Port),
		fmt.Sprintf("POOLCORE_WAIT_POLL_SECONDS=%d", int(s.cfg.WaitPollInterval.Seconds())),
	)

	if err := cmd.Start(); err != nil {
		supervisorEnd.Close()
		workerFile.Close()
		clientFile.Close()
		conn.Close()
		return fmt.Errorf("starting worker process: %w", err)
	}

	workerFile.Close()
	clientFile.Close()
	conn.Close()

	pid := int64(cmd.Process.Pid)
	slot, registered := s.cfg.Registry.RegisterWorker(pid, workerKey, dbInfo.ID)
	if !registered {
		s.cfg.Logger.Warn("registry full, worker running unpooled", "pid", pid)
		supervisorEnd.Close()
	} else {
		s.mu.Lock()
		s.channels[pid] = supervisorEnd
		s.slotPID[slot] = pid
		s.mu.Unlock()
		if s.cfg.OnWorkerRegistered != nil {
			s.cfg.OnWorkerRegistered(pid, slot, dbInfo.ID)
		}
	}

	s.wg.Add(1)
	go s.reap(cmd, pid, slot, registered)
	return nil
}

// reap waits for a worker process to exit and reclaims its slot — the
// supervisor is the sole reclaimer of registry state (spec §5).
func (s *Supervisor) reap(cmd *exec.Cmd, pid int64, slot int, registered bool) {
	defer s.wg.Done()

	if err := cmd.Wait(); err != nil {
		s.cfg.Logger.Info("worker exited", "pid", pid, "error", err)
	} else {
		s.cfg.Logger.Info("worker exited", "pid", pid)
	}

	s.cfg.Registry.RemoveWorker(pid)

	s.mu.Lock()
	if end, ok := s.channels[pid]; ok {
		end.Close()
		delete(s.channels, pid)
	}
	if registered {
		delete(s.slotPID, slot)
	}
	s.mu.Unlock()

	if s.cfg.OnWorkerRemoved != nil {
		s.cfg.OnWorkerRemoved(pid, slot)
	}
}

// EvictDatabase runs registry.EvictDatabase and closes the supervisor end
// of every notified slot's channel, which the pooled worker observes as
// end-of-stream and treats as Exit (spec §4.1 evict_database, §4.3 Waiting).
func (s *Supervisor) EvictDatabase(databaseID int64) {
	slots := s.cfg.Registry.EvictDatabase(databaseID)
	if len(slots) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range slots {
		pid, ok := s.slotPID[slot]
		if !ok {
			continue
		}
		if end, ok := s.channels[pid]; ok {
			end.Close()
			delete(s.channels, pid)
		}
	}
}

// ShutdownPooled runs registry.ShutdownPooled and closes every pooled
// worker's channel, draining the pool on orderly shutdown (spec §4.1).
func (s *Supervisor) ShutdownPooled() {
	slots := s.cfg.Registry.ShutdownPooled()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range slots {
		pid, ok := s.slotPID[slot]
		if !ok {
			continue
		}
		if end, ok := s.channels[pid]; ok {
			end.Close()
			delete(s.channels, pid)
		}
	}
}

// Stop closes the listener, drains every pooled worker, and waits for all
// accept and reap goroutines to finish.
func (s *Supervisor) Stop() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.ShutdownPooled()
	s.wg.Wait()
	s.cfg.Logger.Info("supervisor stopped")
}

func peerAddrOf(conn net.Conn) handoff.PeerAddr {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return handoff.PeerAddrFromTCPAddr(tcpAddr)
	}
	return handoff.PeerAddr{}
}

func userOf(info *startup.Info) string {
	if info == nil {
		return ""
	}
	return info.Params["user"]
}

// connFile extracts a duplicated, blocking-mode *os.File from conn for
// passing across fork/exec or SCM_RIGHTS. Both *net.TCPConn and
// *net.UnixConn implement this method.
func connFile(conn net.Conn) (*os.File, error) {
	fc, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("supervisor: connection type %T does not support fd extraction", conn)
	}
	return fc.File()
}
