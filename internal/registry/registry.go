// Package registry implements the pool registry: the fixed-capacity table
// of worker slots shared between the supervisor and every pooled worker,
// guarded by a single spinlock living in the same shared-memory segment.
//
// Every exported mutator acquires the spinlock for the duration of one
// critical section and releases it before returning; none of them block on
// anything but the lock itself, so callers never stall behind I/O while
// holding it.
package registry

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/poolcore/poolcore/internal/shm"
)

// SlotStatus is the lifecycle state of one worker slot.
type SlotStatus int32

const (
	// StatusUnused marks a free slot: no worker owns it.
	StatusUnused SlotStatus = iota
	// StatusActive marks a worker currently serving a client.
	StatusActive
	// StatusPooled marks an idle worker eligible for a new client.
	StatusPooled
	// StatusReassigning marks a slot mid-handoff; never matched again.
	StatusReassigning
)

func (s SlotStatus) String() string {
	switch s {
	case StatusUnused:
		return "unused"
	case StatusActive:
		return "active"
	case StatusPooled:
		return "pooled"
	case StatusReassigning:
		return "reassigning"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// NoDatabase is the sentinel database_id value meaning "not bound to any
// database right now" (cleared on eviction, cleared while idle-draining).
const NoDatabase int64 = -1

const (
	headerSize   = 16
	maxDBNameLen = 64
	slotSize     = 8 + 8 + 8 + 4 + 1 + 3 + maxDBNameLen // pid,key,dbid,status,namelen,pad,name

	offLock        = 0
	offCapacity    = 4
	offReservedCap = 8
)

// ReservedSize computes the number of bytes a registry of the given
// capacity needs in the shared segment.
func ReservedSize(capacity int) int {
	return headerSize + capacity*slotSize
}

// Registry is a view over a shared-memory segment holding the slot table.
// A Registry value is safe to share across goroutines within one process;
// cross-process safety comes from the spinlock in the segment itself.
type Registry struct {
	seg      *shm.Segment
	capacity int
}

// Initialize formats a freshly-created segment as an empty registry of the
// given capacity: every slot Unused, pid 0. Called exactly once by the
// supervisor before any worker is forked. reservedFraction is the policy
// knob from spec §9's Open Question — the reserved headroom is
// max(capacity/reservedFraction, 1); pass 0 to get the spec's default of 4.
func Initialize(seg *shm.Segment, capacity, reservedFraction int) (*Registry, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("registry capacity must be positive, got %d", capacity)
	}
	if reservedFraction <= 0 {
		reservedFraction = 4
	}
	b := seg.Bytes()
	need := ReservedSize(capacity)
	if len(b) < need {
		return nil, fmt.Errorf("shared segment too small: have %d bytes, need %d for capacity %d", len(b), need, capacity)
	}

	reservedCap := capacity / reservedFraction
	if reservedCap < 1 {
		reservedCap = 1
	}

	binary.LittleEndian.PutUint32(b[offLock:], 0)
	binary.LittleEndian.PutUint32(b[offCapacity:], uint32(capacity))
	binary.LittleEndian.PutUint32(b[offReservedCap:], uint32(reservedCap))

	r := &Registry{seg: seg, capacity: capacity}
	empty := slotRecord{status: StatusUnused, databaseID: NoDatabase}
	for i := 0; i < capacity; i++ {
		r.writeSlot(i, empty)
	}
	return r, nil
}

// Attach opens a Registry view over a segment an Initialize call already
// formatted — the path a re-exec'd worker takes after inheriting the
// segment's file descriptor.
func Attach(seg *shm.Segment) *Registry {
	b := seg.Bytes()
	capacity := int(binary.LittleEndian.Uint32(b[offCapacity:]))
	return &Registry{seg: seg, capacity: capacity}
}

// Capacity returns the fixed slot count.
func (r *Registry) Capacity() int {
	return r.capacity
}

// --- spinlock -------------------------------------------------------------

func (r *Registry) lockWord() *int32 {
	return (*int32)(unsafe.Pointer(&r.seg.Bytes()[offLock]))
}

func (r *Registry) lock() {
	word := r.lockWord()
	spins := 0
	for !atomic.CompareAndSwapInt32(word, 0, 1) {
		spins++
		if spins > 1000 {
			runtime.Gosched()
			spins = 0
		}
	}
}

func (r *Registry) unlock() {
	atomic.StoreInt32(r.lockWord(), 0)
}

func (r *Registry) reservedCapLocked() int {
	return int(binary.LittleEndian.Uint32(r.seg.Bytes()[offReservedCap:]))
}

// --- slot encoding ---------------------------------------------------------

type slotRecord struct {
	pid        int64
	workerKey  int64
	databaseID int64
	status     SlotStatus
	dbName     string
}

func (r *Registry) slotOffset(i int) int {
	return headerSize + i*slotSize
}

func (r *Registry) readSlot(i int) slotRecord {
	b := r.seg.Bytes()[r.slotOffset(i):]
	var rec slotRecord
	rec.pid = int64(binary.LittleEndian.Uint64(b[0:8]))
	rec.workerKey = int64(binary.LittleEndian.Uint64(b[8:16]))
	rec.databaseID = int64(binary.LittleEndian.Uint64(b[16:24]))
	rec.status = SlotStatus(int32(binary.LittleEndian.Uint32(b[24:28])))
	nameLen := int(b[28])
	if nameLen > maxDBNameLen {
		nameLen = maxDBNameLen
	}
	rec.dbName = string(b[32 : 32+nameLen])
	return rec
}

func (r *Registry) writeSlot(i int, rec slotRecord) {
	b := r.seg.Bytes()[r.slotOffset(i):]
	binary.LittleEndian.PutUint64(b[0:8], uint64(rec.pid))
	binary.LittleEndian.PutUint64(b[8:16], uint64(rec.workerKey))
	binary.LittleEndian.PutUint64(b[16:24], uint64(rec.databaseID))
	binary.LittleEndian.PutUint32(b[24:28], uint32(int32(rec.status)))
	name := rec.dbName
	if len(name) > maxDBNameLen {
		name = name[:maxDBNameLen]
	}
	b[28] = byte(len(name))
	b[29], b[30], b[31] = 0, 0, 0
	copy(b[32:32+maxDBNameLen], make([]byte, maxDBNameLen)) // clear stale bytes
	copy(b[32:32+len(name)], name)
}

// findByPIDLocked returns the slot index owning pid, or -1. Must be called
// with the lock held. pid 0 never matches (that is the Unused sentinel).
func (r *Registry) findByPIDLocked(pid int64) int {
	if pid == 0 {
		return -1
	}
	for i := 0; i < r.capacity; i++ {
		if r.readSlot(i).pid == pid {
			return i
		}
	}
	return -1
}

func (r *Registry) countPooledAndReassigningLocked() int {
	n := 0
	for i := 0; i < r.capacity; i++ {
		switch r.readSlot(i).status {
		case StatusPooled, StatusReassigning:
			n++
		}
	}
	return n
}

// --- public operations ------------------------------------------------------

// RegisterWorker publishes a freshly-forked worker as Active. Called by the
// supervisor immediately after fork. If the registry is at capacity this
// logs nothing itself (the caller decides how to surface a Registry-full
// warning) — it returns ok=false and the worker proceeds unpooled rather
// than the supervisor crashing.
func (r *Registry) RegisterWorker(pid, workerKey, databaseID int64) (slot int, ok bool) {
	r.lock()
	defer r.unlock()

	for i := 0; i < r.capacity; i++ {
		if r.readSlot(i).status == StatusUnused {
			r.writeSlot(i, slotRecord{
				pid:        pid,
				workerKey:  workerKey,
				databaseID: databaseID,
				status:     StatusActive,
			})
			return i, true
		}
	}
	return -1, false
}

// MarkPooled transitions pid's slot from Active to Pooled, recording
// databaseName for routing. It refuses (returns false) if the reserved
// headroom is already full or if the slot's database_id was cleared by a
// concurrent eviction — in both cases the worker must exit rather than
// pool, per spec §4.1/§7.
func (r *Registry) MarkPooled(pid int64, databaseName string) bool {
	r.lock()
	defer r.unlock()

	idx := r.findByPIDLocked(pid)
	if idx < 0 {
		return false
	}
	rec := r.readSlot(idx)
	if rec.status != StatusActive {
		return false
	}
	if rec.databaseID == NoDatabase {
		return false
	}
	if r.countPooledAndReassigningLocked() >= r.reservedCapLocked() {
		return false
	}

	rec.status = StatusPooled
	rec.dbName = databaseName
	r.writeSlot(idx, rec)
	return true
}

// MarkActive transitions pid's slot to Active, used by a worker right after
// it consumes a handoff.
func (r *Registry) MarkActive(pid int64) bool {
	r.lock()
	defer r.unlock()

	idx := r.findByPIDLocked(pid)
	if idx < 0 {
		return false
	}
	rec := r.readSlot(idx)
	rec.status = StatusActive
	r.writeSlot(idx, rec)
	return true
}

// RemoveWorker reclaims pid's slot on worker reap, setting it back to
// Unused. A no-op if pid is unknown or already Unused — callers (the
// supervisor's reap loop) do not need to special-case double-reaps.
func (r *Registry) RemoveWorker(pid int64) {
	r.lock()
	defer r.unlock()

	idx := r.findByPIDLocked(pid)
	if idx < 0 {
		return
	}
	r.writeSlot(idx, slotRecord{status: StatusUnused, databaseID: NoDatabase})
}

// UpdateDatabaseID mutates only the identity field of pid's slot, used when
// a worker's database binding changes without a status transition.
func (r *Registry) UpdateDatabaseID(pid, databaseID int64) {
	r.lock()
	defer r.unlock()

	idx := r.findByPIDLocked(pid)
	if idx < 0 {
		return
	}
	rec := r.readSlot(idx)
	rec.databaseID = databaseID
	r.writeSlot(idx, rec)
}

// EvictDatabase clears databaseID from every Pooled or Active slot bound
// to it; Reassigning slots are left unchanged. Pooled slots
// move to Reassigning (so no further client is routed to them) with their
// name/id cleared, and are returned so the caller can post the exit
// notification — closing the slot's control-channel endpoint, which the
// worker observes as end-of-stream. Active slots just lose their
// database_id, which makes a later MarkPooled refuse.
func (r *Registry) EvictDatabase(databaseID int64) (needsNotify []int) {
	r.lock()
	defer r.unlock()

	for i := 0; i < r.capacity; i++ {
		rec := r.readSlot(i)
		if rec.databaseID != databaseID {
			continue
		}
		switch rec.status {
		case StatusPooled:
			rec.status = StatusReassigning
			rec.dbName = ""
			rec.databaseID = NoDatabase
			r.writeSlot(i, rec)
			needsNotify = append(needsNotify, i)
		case StatusActive:
			rec.databaseID = NoDatabase
			r.writeSlot(i, rec)
		}
	}
	return needsNotify
}

// ShutdownPooled returns the indices of every currently-Pooled slot, for
// the caller to close; closing a slot's supervisor-side channel end is how
// the pooled worker observes shutdown (end-of-stream in its Waiting loop).
func (r *Registry) ShutdownPooled() (slots []int) {
	r.lock()
	defer r.unlock()

	for i := 0; i < r.capacity; i++ {
		if r.readSlot(i).status == StatusPooled {
			slots = append(slots, i)
		}
	}
	return slots
}

// Match implements the supervisor's routing scan (spec §4.1 step 4): scan
// in reverse index order and select the first Pooled slot whose stored
// database name matches byte-exactly, preferring the most-recently-pooled
// worker. On a hit the slot moves to Reassigning under the same critical
// section so no other scan can select it.
func (r *Registry) Match(databaseName string) (slot int, ok bool) {
	r.lock()
	defer r.unlock()

	for i := r.capacity - 1; i >= 0; i-- {
		rec := r.readSlot(i)
		if rec.status == StatusPooled && rec.dbName == databaseName {
			rec.status = StatusReassigning
			r.writeSlot(i, rec)
			return i, true
		}
	}
	return -1, false
}

// Revert undoes a Match on handoff-send failure, putting the slot back to
// Pooled so a later client may still be routed to it.
func (r *Registry) Revert(slot int) {
	r.lock()
	defer r.unlock()

	rec := r.readSlot(slot)
	if rec.status == StatusReassigning {
		rec.status = StatusPooled
		r.writeSlot(slot, rec)
	}
}

// SlotView is a read-only, lock-free-to-use copy of one slot's published
// state, for status reporting and tests.
type SlotView struct {
	Index        int
	PID          int64
	WorkerKey    int64
	DatabaseID   int64
	DatabaseName string
	Status       SlotStatus
}

// Snapshot copies out every slot's state under the lock. It never blocks on
// anything but the spinlock, so it is safe to call from a metrics loop or
// an HTTP handler.
func (r *Registry) Snapshot() []SlotView {
	r.lock()
	defer r.unlock()

	out := make([]SlotView, r.capacity)
	for i := 0; i < r.capacity; i++ {
		rec := r.readSlot(i)
		out[i] = SlotView{
			Index:        i,
			PID:          rec.pid,
			WorkerKey:    rec.workerKey,
			DatabaseID:   rec.databaseID,
			DatabaseName: rec.dbName,
			Status:       rec.status,
		}
	}
	return out
}

// PeekDatabaseID reads a single slot's database_id without the lock. Per
// spec §5 this is safe because the field is word-sized and changes
// monotonically within a reuse cycle; callers that need a consistent view
// across multiple fields must use Snapshot instead.
func (r *Registry) PeekDatabaseID(slot int) int64 {
	b := r.seg.Bytes()[r.slotOffset(slot):]
	return int64(binary.LittleEndian.Uint64(b[16:24]))
}
