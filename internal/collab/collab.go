// Package collab declares the narrow interfaces the reuse protocol depends
// on for everything spec §1 puts out of scope: SQL execution, storage,
// authentication mechanics, statistics collection, and cache invalidation.
// The worker state machine in internal/worker only ever calls through
// these — it never assumes a concrete backend, matching spec §6's
// "external collaborators consumed by the core."
package collab

import (
	"context"
	"net"
)

// Severity parameterizes how an option-application failure is reported,
// replacing the source's global "ignore errors while applying placeholder
// options" flag with an explicit argument (spec §9 Design Notes).
type Severity int

const (
	// SeverityError is enforced: an invalid option fails the operation.
	SeverityError Severity = iota
	// SeverityWarning downgrades a permission failure to a log line, used
	// when reapplying a reused client's startup options (spec §4.3
	// Verifying: "permission-error severity downgraded to Warning").
	SeverityWarning
)

// DatabaseInfo is the catalog row a worker needs to rebind to a database.
type DatabaseInfo struct {
	ID                    int64
	Name                  string
	TablespaceID          int64
	HasLoginEventTriggers bool
}

// SecureChannel negotiates (or declines) a secure transport upgrade during
// Greeting, and performs any teardown required when a client goes away
// mid-negotiation.
type SecureChannel interface {
	// Negotiate inspects the startup bytes already peeked off conn and, if
	// they request a secure upgrade this collaborator supports, returns a
	// wrapping net.Conn; otherwise it returns conn unchanged.
	Negotiate(ctx context.Context, conn net.Conn) (net.Conn, error)
	// Close releases any secure-channel state associated with conn,
	// called when a worker is exiting mid-handshake.
	Close(conn net.Conn)
}

// Authenticator performs credential verification against a worker's
// currently-loaded access-control configuration.
type Authenticator interface {
	Authenticate(ctx context.Context, conn net.Conn, user, database string) error
}

// AccessConfigLoader reloads the access-control and identity-mapping
// tables a worker authenticates against — done unconditionally on every
// reuse cycle (spec §4.3 Verifying) since they may have changed while the
// worker sat idle.
type AccessConfigLoader interface {
	LoadAccessConfig(ctx context.Context) error
	LoadIdentityMap(ctx context.Context) error
}

// CatalogLookup resolves a database by its stable id, the collaborator
// behind spec §6's get_database_tuple_by_id.
type CatalogLookup interface {
	DatabaseByID(ctx context.Context, id int64) (DatabaseInfo, bool, error)
}

// SessionResetter performs the Draining teardown steps spec §4.3 lists:
// dropping every cache and handle scoped to the outgoing session.
type SessionResetter interface {
	AbortTransaction()
	DropPreparedStatements()
	DropPortalsAndCursors()
	ReleaseUserLocks()
	DropAdvisoryListenSubscriptions()
	ResetSequenceCaches()
	ResetPlanCaches()
	ResetOptionsToDefault()
	ResetRoleIdentity()
	CleanupTempNamespace(ctx context.Context) error
	ResetLocalBufferPool()
	ReleaseStorageHandles()
	InvalidateOperatorClassCache()
	InvalidateRelationCache()
	SetActivityDisplay(s string)
	ClearActivityDisplay()
}

// OptionApplier reapplies startup-time, per-database, and per-role
// settings during Verifying. ApplyStartupOptions takes an explicit
// Severity rather than relying on a global error-emission mode.
type OptionApplier interface {
	ApplyStartupOptions(ctx context.Context, params map[string]string, sev Severity) error
	ApplyDatabaseDefaults(ctx context.Context, databaseID int64) error
	ApplyRoleDefaults(ctx context.Context, role string) error
}

// StatsReporter mirrors spec §6's statistics collector entry points.
type StatsReporter interface {
	ReportDisconnect(pid int64, database string)
	ReportConnect(pid int64, database, user string)
	BackendStarted(pid int64, database, user string)
}

// LoginEventTrigger fires any configured post-authentication triggers.
type LoginEventTrigger interface {
	FireLoginTriggers(ctx context.Context, databaseID int64, user string) error
}

// CancelKeyStore records the fresh cancellation key generated for each
// reuse cycle, keyed by worker pid, so a later cancel request can be
// authenticated against it.
type CancelKeyStore interface {
	SetCancelKey(pid int64, key uint32)
}

// Collaborators bundles every external dependency a worker needs for one
// reuse cycle. All fields are required; internal/collab/defaults.go
// provides a working set for tests and the demo binary.
type Collaborators struct {
	Secure      SecureChannel
	Auth        Authenticator
	AccessCfg   AccessConfigLoader
	Catalog     CatalogLookup
	Session     SessionResetter
	Options     OptionApplier
	Stats       StatsReporter
	LoginEvents LoginEventTrigger
	CancelKeys  CancelKeyStore
}
