// Catalog holds the known databases as an immutable snapshot behind
// atomic.Value for lock-free reads, with mutations serialized on a write
// mutex that swaps in a new snapshot. It resolves database ids to the
// catalog rows a worker needs to rebind to a database during Verifying
// (spec §6 get_database_tuple_by_id), and it is the trigger point for
// database drops that must run evict_database before the drop proceeds
// (spec §6).
package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DropHook is invoked synchronously, before Catalog removes a database
// from its table, so the caller can run registry.EvictDatabase first —
// spec §6 requires evict_database to run "before the drop's active
// connection count" is taken.
type DropHook func(databaseID int64)

type catalogSnapshot struct {
	byID map[int64]DatabaseInfo
}

// Catalog is a minimal, in-process stand-in for the real server's
// catalog: a table of known databases, addressable by id. It satisfies
// CatalogLookup and is the default used by the demo binary and tests.
type Catalog struct {
	snap atomic.Value // *catalogSnapshot
	wmu  sync.Mutex
	drop DropHook
}

// NewCatalog creates a catalog seeded with the given rows.
func NewCatalog(rows ...DatabaseInfo) *Catalog {
	byID := make(map[int64]DatabaseInfo, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	c := &Catalog{}
	c.snap.Store(&catalogSnapshot{byID: byID})
	return c
}

// OnDrop registers the hook called immediately before a database is
// removed from the catalog.
func (c *Catalog) OnDrop(hook DropHook) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.drop = hook
}

func (c *Catalog) load() *catalogSnapshot {
	return c.snap.Load().(*catalogSnapshot)
}

// DatabaseByID implements CatalogLookup.
func (c *Catalog) DatabaseByID(_ context.Context, id int64) (DatabaseInfo, bool, error) {
	info, ok := c.load().byID[id]
	return info, ok, nil
}

// Add registers or replaces a database row.
func (c *Catalog) Add(info DatabaseInfo) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	cur := c.load()
	next := make(map[int64]DatabaseInfo, len(cur.byID)+1)
	for k, v := range cur.byID {
		next[k] = v
	}
	next[info.ID] = info
	c.snap.Store(&catalogSnapshot{byID: next})
}

// Drop removes a database, first invoking the registered DropHook so the
// caller can evict any pooled workers bound to it.
func (c *Catalog) Drop(id int64) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	cur := c.load()
	if _, ok := cur.byID[id]; !ok {
		return fmt.Errorf("collab: unknown database id %d", id)
	}
	if c.drop != nil {
		c.drop(id)
	}

	next := make(map[int64]DatabaseInfo, len(cur.byID))
	for k, v := range cur.byID {
		if k != id {
			next[k] = v
		}
	}
	c.snap.Store(&catalogSnapshot{byID: next})
	return nil
}

// Lookup resolves a database by name, used by the demo binary to map an
// operator-supplied name to an id before registering a worker.
func (c *Catalog) Lookup(name string) (DatabaseInfo, bool) {
	for _, info := range c.load().byID {
		if info.Name == name {
			return info, true
		}
	}
	return DatabaseInfo{}, false
}
