// Package worker implements the reuse protocol: the worker-local state
// machine that takes a worker from "just finished serving a client" back
// to "fully greeted a new one," without restarting the process. See spec
// §4.3; this package is the ≈60% of the core given over to the ordered
// cleanup/reinitialize sequence.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/poolcore/poolcore/internal/collab"
	"github.com/poolcore/poolcore/internal/handoff"
	"github.com/poolcore/poolcore/internal/pgwire"
	"github.com/poolcore/poolcore/internal/registry"
	"github.com/poolcore/poolcore/internal/startup"
)

// Outcome is enter_pool()'s result: Resumed means a new client has been
// fully greeted and the caller should return to serving it; Exit means
// the worker process must terminate.
type Outcome int

const (
	Exit Outcome = iota
	Resumed
)

func (o Outcome) String() string {
	if o == Resumed {
		return "resumed"
	}
	return "exit"
}

// stepResult is the internal continue/exit signal between phases, kept
// distinct from Outcome so "drain succeeded, proceed to wait" is never
// confused with "a new client was fully greeted."
type stepResult int

const (
	stepContinue stepResult = iota
	stepExit
)

var (
	// errStartupMalformed means the new client's startup packet could not
	// be parsed; the worker loops back to Draining for another handoff
	// rather than exiting (spec §4.3 Greeting, §7 Startup-malformed).
	errStartupMalformed = errors.New("worker: malformed startup packet")
	// errReplicationOnPooled means the new client's startup requested
	// replication — fatal on a pooled worker (spec §7 Replication-on-pooled).
	errReplicationOnPooled = errors.New("worker: replication request on a pooled connection")
	// errSentinelOnPooled means a TLS/GSSENC/cancel sentinel reached a
	// pooled worker after assign_client should have filtered it out.
	errSentinelOnPooled = errors.New("worker: sentinel request code on a pooled connection")
	// errDatabaseGone means the worker's database was dropped while it sat
	// pooled; the worker exits quietly (spec §7 Database-gone).
	errDatabaseGone = errors.New("worker: database dropped while pooled")
	// errDatabaseMismatch means the resumed client's requested database
	// differs from the one the worker was pooled under — an unexpected
	// race, fatal (spec §7 Database-mismatch).
	errDatabaseMismatch = errors.New("worker: database mismatch during verify")
)

// Config holds the fixed collaborators and parameters for one worker's
// reuse cycles. All fields except Shutdown/ReloadConfig/ReloadHook/Health/
// Logger/WaitPollInterval/RandCancelKey/Serve are required.
type Config struct {
	PID       int64
	WorkerKey int64
	Registry  *registry.Registry
	Channel   *net.UnixConn // worker_end of this slot's control channel
	Collab    collab.Collaborators

	// Health reports supervisor liveness, polled once per wakeup in
	// Waiting. A nil Health is treated as always alive.
	Health SupervisorHealthMonitor
	Logger *slog.Logger

	// WaitPollInterval bounds how long Waiting blocks between wakeups
	// (spec §5: a 10-second polling timeout). Defaults to 10s.
	WaitPollInterval time.Duration

	// Shutdown and ReloadConfig are observed only at Waiting's wakeup
	// points (spec §9 "Cooperative signal handling"); nil channels are
	// simply never ready.
	Shutdown     <-chan struct{}
	ReloadConfig <-chan struct{}

	// ReloadHook reloads the server configuration file, called
	// unconditionally at the top of every Greeting (spec §4.3). Optional.
	ReloadHook func(ctx context.Context) error

	// RandCancelKey generates a fresh cancellation key each reuse cycle.
	// Defaults to a crypto/rand-backed generator; overridable for tests.
	RandCancelKey func() uint32

	// Serve implements the Serving state: it owns the connection set by
	// Bind, and then each connection from a Resumed outcome, until the
	// client disconnects or Serve chooses to return. The SQL engine itself
	// is out of scope; Run calls Serve once per client and enters
	// EnterPool on return. A nil Serve is skipped.
	Serve func(ctx context.Context, conn net.Conn) error
}

// Worker runs the reuse protocol for one pooled worker process.
type Worker struct {
	cfg Config

	conn         net.Conn
	peerAddr     handoff.PeerAddr
	databaseID   int64
	databaseName string
	user         string

	tablespaceID     int64
	hasLoginTriggers bool
}

// New builds a Worker from cfg, filling in defaults.
func New(cfg Config) *Worker {
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RandCancelKey == nil {
		cfg.RandCancelKey = randomCancelKey
	}
	return &Worker{cfg: cfg}
}

// Bind seeds the worker's current session right after fork (or after a
// prior Resumed cycle), before the caller's query loop runs and
// eventually calls EnterPool again on disconnect.
func (w *Worker) Bind(conn net.Conn, databaseID int64, databaseName, user string) {
	w.conn = conn
	w.databaseID = databaseID
	w.databaseName = databaseName
	w.user = user
}

// EnterPool runs Draining, Waiting, Greeting, and Verifying in sequence,
// looping back to Draining on a recoverable Greeting failure. It
// implements spec §4.3's single entry operation.
func (w *Worker) EnterPool(ctx context.Context) (Outcome, error) {
	for {
		if res := w.drain(ctx); res == stepExit {
			return Exit, nil
		}

		hf, res := w.wait(ctx)
		if res == stepExit {
			return Exit, nil
		}

		conn, err := handoff.ConnFromFD(hf.FD)
		if err != nil {
			return Exit, fmt.Errorf("wrapping handed-off client descriptor: %w", err)
		}
		w.conn = conn
		w.peerAddr = hf.Addr

		info, err := w.greet(ctx)
		if err != nil {
			if errors.Is(err, errStartupMalformed) {
				w.cfg.Logger.Warn("greeting failed, re-draining for next client", "pid", w.cfg.PID, "error", err)
				w.conn.Close()
				w.conn = nil
				continue
			}
			w.cfg.Collab.Secure.Close(w.conn)
			w.conn.Close()
			w.conn = nil
			return Exit, err
		}

		if err := w.verify(ctx, info); err != nil {
			w.cfg.Collab.Secure.Close(w.conn)
			w.conn.Close()
			w.conn = nil
			if errors.Is(err, errDatabaseGone) {
				return Exit, nil
			}
			return Exit, err
		}

		if err := w.finishResume(ctx); err != nil {
			return Exit, err
		}
		return Resumed, nil
	}
}

// drain implements the Draining contract (spec §4.3 steps 1-13).
func (w *Worker) drain(ctx context.Context) stepResult {
	savedName := w.databaseName
	sess := w.cfg.Collab.Session

	sess.AbortTransaction()
	sess.DropPreparedStatements()
	sess.DropPortalsAndCursors()
	sess.ReleaseUserLocks()
	sess.DropAdvisoryListenSubscriptions()
	sess.ResetSequenceCaches()
	sess.ResetPlanCaches()
	sess.ResetOptionsToDefault()
	sess.ResetRoleIdentity()

	if err := sess.CleanupTempNamespace(ctx); err != nil {
		w.cfg.Logger.Error("temp namespace cleanup failed during drain", "pid", w.cfg.PID, "error", err)
		return stepExit
	}
	sess.ResetLocalBufferPool()
	sess.ReleaseStorageHandles()
	sess.InvalidateOperatorClassCache()

	if w.conn != nil {
		w.cfg.Collab.Stats.ReportDisconnect(w.cfg.PID, savedName)
		w.conn.Close()
		w.conn = nil
	}

	sess.ClearActivityDisplay()

	_, found, err := w.cfg.Collab.Catalog.DatabaseByID(ctx, w.databaseID)
	if err != nil {
		w.cfg.Logger.Error("catalog lookup failed during drain", "pid", w.cfg.PID, "error", err)
		return stepExit
	}
	if !found {
		w.cfg.Logger.Info("database dropped while active, exiting instead of pooling", "pid", w.cfg.PID, "database_id", w.databaseID)
		return stepExit
	}

	if !w.cfg.Registry.MarkPooled(w.cfg.PID, savedName) {
		w.cfg.Logger.Info("mark_pooled refused, exiting", "pid", w.cfg.PID)
		return stepExit
	}
	return stepContinue
}

// wait implements the Waiting contract (spec §4.3): a three-way wait set
// (channel readable, shutdown latch, supervisor-health poll) collapsed
// onto a select loop, since the blocking receive_handoff call itself
// can't participate in a select without a helper goroutine.
func (w *Worker) wait(ctx context.Context) (*handoff.Handoff, stepResult) {
	type recvResult struct {
		hf  *handoff.Handoff
		err error
	}
	resultCh := make(chan recvResult, 1)
	go func() {
		hf, err := handoff.ReceiveHandoff(w.cfg.Channel)
		resultCh <- recvResult{hf, err}
	}()

	ticker := time.NewTicker(w.cfg.WaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-resultCh:
			if r.err != nil {
				if errors.Is(r.err, handoff.ErrEndOfStream) {
					w.cfg.Logger.Info("control channel closed, exiting", "pid", w.cfg.PID)
				} else {
					w.cfg.Logger.Error("receive_handoff failed", "pid", w.cfg.PID, "error", r.err)
				}
				return nil, stepExit
			}
			w.cfg.Registry.MarkActive(w.cfg.PID)
			return r.hf, stepContinue

		case <-w.cfg.Shutdown:
			w.cfg.Logger.Info("shutdown observed while waiting", "pid", w.cfg.PID)
			return nil, stepExit

		case <-w.cfg.ReloadConfig:
			if err := w.cfg.Collab.AccessCfg.LoadAccessConfig(ctx); err != nil {
				w.cfg.Logger.Warn("access config reload failed", "error", err)
			}
			if err := w.cfg.Collab.AccessCfg.LoadIdentityMap(ctx); err != nil {
				w.cfg.Logger.Warn("identity map reload failed", "error", err)
			}

		case <-ticker.C:
			if w.cfg.Health != nil && !w.cfg.Health.Alive() {
				w.cfg.Logger.Warn("supervisor appears to have exited, exiting", "pid", w.cfg.PID)
				return nil, stepExit
			}

		case <-ctx.Done():
			return nil, stepExit
		}
	}
}

// greet implements the Greeting contract (spec §4.3).
func (w *Worker) greet(ctx context.Context) (*startup.Info, error) {
	if w.cfg.ReloadHook != nil {
		if err := w.cfg.ReloadHook(ctx); err != nil {
			w.cfg.Logger.Warn("config reload during greeting failed", "pid", w.cfg.PID, "error", err)
		}
	}

	securedConn, err := w.cfg.Collab.Secure.Negotiate(ctx, w.conn)
	if err != nil {
		return nil, fmt.Errorf("secure channel negotiation: %w", err)
	}
	w.conn = securedConn

	info, err := startup.ReadAndParse(w.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStartupMalformed, err)
	}

	if !info.IsRegularStartup() {
		pgwire.WriteErrorResponse(w.conn, "FATAL", "08P01", "unsupported startup request on a pooled connection")
		return nil, errSentinelOnPooled
	}
	if info.IsReplication() {
		pgwire.WriteErrorResponse(w.conn, "FATAL", "08P01", "replication is not supported on a pooled connection")
		return nil, errReplicationOnPooled
	}

	if user, ok := info.Params["user"]; ok && user != "" {
		w.user = user
	}
	return info, nil
}

// verify implements the Verifying contract (spec §4.3).
func (w *Worker) verify(ctx context.Context, info *startup.Info) error {
	dbInfo, found, err := w.cfg.Collab.Catalog.DatabaseByID(ctx, w.databaseID)
	if err != nil {
		return fmt.Errorf("catalog lookup during verify: %w", err)
	}
	if !found {
		w.cfg.Logger.Info("database dropped while pooled, exiting quietly", "pid", w.cfg.PID, "database_id", w.databaseID)
		return errDatabaseGone
	}

	w.tablespaceID = dbInfo.TablespaceID
	w.hasLoginTriggers = dbInfo.HasLoginEventTriggers

	w.cfg.Collab.Session.ReleaseStorageHandles()
	w.cfg.Collab.Session.InvalidateRelationCache()

	requested := info.DatabaseName()
	if requested != w.databaseName {
		pgwire.WriteErrorResponse(w.conn, "FATAL", "XX000", "pooled connection database binding changed unexpectedly")
		return fmt.Errorf("%w: pooled for %q, client now requests %q", errDatabaseMismatch, w.databaseName, requested)
	}

	if err := w.cfg.Collab.AccessCfg.LoadAccessConfig(ctx); err != nil {
		return fmt.Errorf("reloading access config: %w", err)
	}
	if err := w.cfg.Collab.AccessCfg.LoadIdentityMap(ctx); err != nil {
		return fmt.Errorf("reloading identity map: %w", err)
	}

	if err := w.cfg.Collab.Auth.Authenticate(ctx, w.conn, w.user, w.databaseName); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	w.cfg.Collab.Session.ResetRoleIdentity()

	if err := w.cfg.Collab.Options.ApplyStartupOptions(ctx, info.Params, collab.SeverityWarning); err != nil {
		return fmt.Errorf("applying startup options: %w", err)
	}
	if err := w.cfg.Collab.Options.ApplyDatabaseDefaults(ctx, w.databaseID); err != nil {
		return fmt.Errorf("applying database defaults: %w", err)
	}
	if err := w.cfg.Collab.Options.ApplyRoleDefaults(ctx, w.user); err != nil {
		return fmt.Errorf("applying role defaults: %w", err)
	}

	return nil
}

// finishResume sends the final handshake that lets the client start
// issuing queries, and fires the bookkeeping spec §4.3 lists before
// returning Resumed.
func (w *Worker) finishResume(ctx context.Context) error {
	key := w.cfg.RandCancelKey()
	w.cfg.Collab.CancelKeys.SetCancelKey(w.cfg.PID, key)

	if err := pgwire.WriteBackendKeyData(w.conn, int32(w.cfg.PID), key); err != nil {
		return fmt.Errorf("sending backend key data: %w", err)
	}
	if err := pgwire.WriteReadyForQuery(w.conn, 'I'); err != nil {
		return fmt.Errorf("sending ready for query: %w", err)
	}

	w.cfg.Collab.Stats.BackendStarted(w.cfg.PID, w.databaseName, w.user)
	w.cfg.Collab.Stats.ReportConnect(w.cfg.PID, w.databaseName, w.user)
	w.cfg.Collab.Session.SetActivityDisplay(fmt.Sprintf("%s %s idle", w.user, w.databaseName))

	if w.hasLoginTriggers {
		if err := w.cfg.Collab.LoginEvents.FireLoginTriggers(ctx, w.databaseID, w.user); err != nil {
			w.cfg.Logger.Warn("login event trigger failed", "pid", w.cfg.PID, "error", err)
		}
	}
	return nil
}

// Run drives the full worker lifecycle: EnterPool, then Serve for as long
// as a client is bound, looping back into EnterPool until EnterPool
// returns Exit. It is the outer loop a forked worker process runs for its
// entire life, first against the client handed to it at fork time and
// then against every subsequent client handed off over the control
// channel.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if w.cfg.Serve != nil && w.conn != nil {
			if err := w.cfg.Serve(ctx, w.conn); err != nil {
				w.cfg.Logger.Warn("serve returned error", "pid", w.cfg.PID, "error", err)
			}
		}
		outcome, err := w.EnterPool(ctx)
		if err != nil {
			return err
		}
		if outcome == Exit {
			return nil
		}
	}
}

// Conn returns the worker's current client connection, valid after a
// Resumed outcome until the caller's query loop closes it and calls
// EnterPool again.
func (w *Worker) Conn() net.Conn { return w.conn }

// PeerAddr returns the resumed client's peer address.
func (w *Worker) PeerAddr() handoff.PeerAddr { return w.peerAddr }

func randomCancelKey() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}
