package collab

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// NoSecureChannel is a SecureChannel that never upgrades the transport —
// the default for deployments that terminate TLS ahead of the pool, or
// for tests that talk plaintext.
type NoSecureChannel struct{}

func (NoSecureChannel) Negotiate(_ context.Context, conn net.Conn) (net.Conn, error) {
	return conn, nil
}

func (NoSecureChannel) Close(net.Conn) {}

// StaticAccessConfig implements AccessConfigLoader with a no-op reload,
// used where the access rules are fixed at process start.
type StaticAccessConfig struct{}

func (StaticAccessConfig) LoadAccessConfig(context.Context) error { return nil }
func (StaticAccessConfig) LoadIdentityMap(context.Context) error  { return nil }

// NoopSessionResetter implements SessionResetter with no-ops, suitable
// for a worker whose SQL execution layer is out of scope (spec §1
// Non-goals).
type NoopSessionResetter struct{}

func (NoopSessionResetter) AbortTransaction()                  {}
func (NoopSessionResetter) DropPreparedStatements()             {}
func (NoopSessionResetter) DropPortalsAndCursors()              {}
func (NoopSessionResetter) ReleaseUserLocks()                   {}
func (NoopSessionResetter) DropAdvisoryListenSubscriptions()    {}
func (NoopSessionResetter) ResetSequenceCaches()                {}
func (NoopSessionResetter) ResetPlanCaches()                    {}
func (NoopSessionResetter) ResetOptionsToDefault()              {}
func (NoopSessionResetter) ResetRoleIdentity()                  {}
func (NoopSessionResetter) CleanupTempNamespace(context.Context) error { return nil }
func (NoopSessionResetter) ResetLocalBufferPool()               {}
func (NoopSessionResetter) ReleaseStorageHandles()               {}
func (NoopSessionResetter) InvalidateOperatorClassCache()        {}
func (NoopSessionResetter) InvalidateRelationCache()             {}
func (NoopSessionResetter) SetActivityDisplay(string)             {}
func (NoopSessionResetter) ClearActivityDisplay()                 {}

// PermissiveOptionApplier implements OptionApplier by accepting every
// option and logging at the requested Severity instead of enforcing
// anything, since option validation against a real catalog is out of
// scope (spec §1 Non-goals).
type PermissiveOptionApplier struct {
	Logger *slog.Logger
}

func (p PermissiveOptionApplier) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p PermissiveOptionApplier) ApplyStartupOptions(_ context.Context, params map[string]string, sev Severity) error {
	p.logger().Debug("applying startup options", "count", len(params), "severity", sev)
	return nil
}

func (p PermissiveOptionApplier) ApplyDatabaseDefaults(_ context.Context, databaseID int64) error {
	p.logger().Debug("applying database defaults", "database_id", databaseID)
	return nil
}

func (p PermissiveOptionApplier) ApplyRoleDefaults(_ context.Context, role string) error {
	p.logger().Debug("applying role defaults", "role", role)
	return nil
}

// LogStatsReporter implements StatsReporter by emitting structured log
// lines, standing in for a real shared statistics collector.
type LogStatsReporter struct {
	Logger *slog.Logger
}

func (l LogStatsReporter) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l LogStatsReporter) ReportDisconnect(pid int64, database string) {
	l.logger().Info("backend disconnected", "pid", pid, "database", database)
}

func (l LogStatsReporter) ReportConnect(pid int64, database, user string) {
	l.logger().Info("backend connected", "pid", pid, "database", database, "user", user)
}

func (l LogStatsReporter) BackendStarted(pid int64, database, user string) {
	l.logger().Info("backend started", "pid", pid, "database", database, "user", user)
}

// NoLoginTriggers implements LoginEventTrigger with a no-op, the default
// when no post-authentication triggers are configured.
type NoLoginTriggers struct{}

func (NoLoginTriggers) FireLoginTriggers(context.Context, int64, string) error { return nil }

// MemoryCancelKeyStore implements CancelKeyStore with a mutex-guarded
// map, sufficient for a single-process demo; a real deployment would
// share this across workers the way the registry shares slot state.
type MemoryCancelKeyStore struct {
	mu   sync.Mutex
	keys map[int64]uint32
}

func NewMemoryCancelKeyStore() *MemoryCancelKeyStore {
	return &MemoryCancelKeyStore{keys: make(map[int64]uint32)}
}

func (m *MemoryCancelKeyStore) SetCancelKey(pid int64, key uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[pid] = key
}

func (m *MemoryCancelKeyStore) CancelKey(pid int64) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[pid]
	return key, ok
}

// DefaultCollaborators builds a Collaborators bundle from the no-op and
// logging defaults above plus the given catalog and authenticator,
// suitable for the demo binary and for tests that only care about the
// reuse protocol's control flow.
func DefaultCollaborators(catalog CatalogLookup, auth Authenticator) Collaborators {
	return Collaborators{
		Secure:      NoSecureChannel{},
		Auth:        auth,
		AccessCfg:   StaticAccessConfig{},
		Catalog:     catalog,
		Session:     NoopSessionResetter{},
		Options:     PermissiveOptionApplier{},
		Stats:       LogStatsReporter{},
		LoginEvents: NoLoginTriggers{},
		CancelKeys:  NewMemoryCancelKeyStore(),
	}
}

// requireCollaborators validates that every field of c is set, returning
// a descriptive error naming the first missing one.
func requireCollaborators(c Collaborators) error {
	switch {
	case c.Secure == nil:
		return fmt.Errorf("collab: missing SecureChannel")
	case c.Auth == nil:
		return fmt.Errorf("collab: missing Authenticator")
	case c.AccessCfg == nil:
		return fmt.Errorf("collab: missing AccessConfigLoader")
	case c.Catalog == nil:
		return fmt.Errorf("collab: missing CatalogLookup")
	case c.Session == nil:
		return fmt.Errorf("collab: missing SessionResetter")
	case c.Options == nil:
		return fmt.Errorf("collab: missing OptionApplier")
	case c.Stats == nil:
		return fmt.Errorf("collab: missing StatsReporter")
	case c.LoginEvents == nil:
		return fmt.Errorf("collab: missing LoginEventTrigger")
	case c.CancelKeys == nil:
		return fmt.Errorf("collab: missing CancelKeyStore")
	}
	return nil
}

// RequireCollaborators exposes requireCollaborators for use outside the
// package (internal/worker validates a bundle before starting a reuse
// cycle).
func RequireCollaborators(c Collaborators) error {
	return requireCollaborators(c)
}
