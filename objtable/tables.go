// Package objtable maintains the two halves of a connection's identity
// bookkeeping: the local-object table (things this side has exported to
// the peer) and the proxy table (handles the peer has exported to us),
// together with the versioned reclamation protocol that keeps them
// consistent without ever corresponding over the wire about every
// mutation.
package objtable

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
)

// DefaultGCInterval is the minimum time between Delete batches sent to
// the peer, matching spec's five-second default.
const DefaultGCInterval = 5 * time.Second

// LocalEntry is one row of the local-object table: an object this side
// has exported to the peer at least once.
type LocalEntry struct {
	ID      int64
	Object  any
	Kind    byte // proxy.Kind, stored as byte to avoid an import cycle
	Mask    uint64
	Args    []byte // pre-encoded constructor args, or nil
	version uint64
}

// Version returns the current version of the entry.
func (e *LocalEntry) Version() uint64 { return atomic.LoadUint64(&e.version) }

// bump increments the version and returns the new value. Called once per
// outbound marshalling of this object, per spec §4.2 rule 4.
func (e *LocalEntry) bump() uint64 { return atomic.AddUint64(&e.version, 1) }

// ProxyEntry is one row of the client-side proxy table: a remote object
// id this side has a handle for.
type ProxyEntry struct {
	RemoteID int64
	handle   unsafeWeak
	Version  uint64
}

// unsafeWeak is deliberately not a true weak pointer (Go's runtime did
// not expose one when this was written): it holds a live pointer while
// the caller has not called Close on the corresponding proxy.Handle, and
// is cleared by the handle's finalizer/refcount-reaches-zero path. See
// DESIGN.md "weak references" for the rationale.
type unsafeWeak struct {
	mu  sync.Mutex
	ptr any
}

func (w *unsafeWeak) set(p any) {
	w.mu.Lock()
	w.ptr = p
	w.mu.Unlock()
}

func (w *unsafeWeak) get() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ptr
}

func (w *unsafeWeak) clear() {
	w.mu.Lock()
	w.ptr = nil
	w.mu.Unlock()
}

// identityKey is the Go rendering of Python's id(obj): it only exists for
// reference-kind values (pointer, map, chan, func, slice backing array).
// Value types (ints, strings, structs passed by value) have no identity
// to speak of in Go, so every outbound marshalling of one creates a new
// local-object entry rather than being deduplicated against a previous
// one. This is a deliberate, documented divergence from CPython's
// id()-based identity (see DESIGN.md, Open Questions).
type identityKey struct {
	typ reflect.Type
	ptr uintptr
}

func identityOf(obj any) (identityKey, bool) {
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return identityKey{}, false
		}
		return identityKey{typ: v.Type(), ptr: v.Pointer()}, true
	case reflect.Slice:
		if v.IsNil() {
			return identityKey{}, false
		}
		return identityKey{typ: v.Type(), ptr: v.Pointer()}, true
	default:
		return identityKey{}, false
	}
}

// Tables owns a connection's local-object table, proxy table, and
// pending-delete set. One Tables is created per connection and never
// shared, per spec §9's decided Open Question.
type Tables struct {
	mu sync.Mutex

	nextLocalID int64

	// (server side) id -> entry, for objects this side exported.
	localByID map[int64]*LocalEntry
	// (server side) identity -> entry, for dedup on re-marshal.
	localByIdentity map[identityKey]*LocalEntry

	// (client side) remote id -> entry, for objects the peer exported.
	proxies map[int64]*ProxyEntry

	// pending-proxy condition variables: a decode blocked on a
	// known-proxy descriptor whose id isn't installed yet waits here.
	pendingCond map[int64]*sync.Cond

	pendingMu      sync.Mutex
	pendingDeletes map[int64]uint64
	lastDelete     time.Time

	gcEnabled  int32 // atomic bool
	gcInterval time.Duration
}

// New creates an empty Tables with GC enabled and the default interval.
func New() *Tables {
	return &Tables{
		localByID:       make(map[int64]*LocalEntry),
		localByIdentity: make(map[identityKey]*LocalEntry),
		proxies:         make(map[int64]*ProxyEntry),
		pendingCond:     make(map[int64]*sync.Cond),
		pendingDeletes:  make(map[int64]uint64),
		gcEnabled:       1,
		gcInterval:      DefaultGCInterval,
	}
}

// SetGC enables or disables the reclamation protocol. With GC disabled,
// proxy handles are held strongly and no Delete is ever produced.
func (t *Tables) SetGC(enabled bool) {
	v := int32(0)
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&t.gcEnabled, v)
}

// GCEnabled reports whether the reclamation protocol is active.
func (t *Tables) GCEnabled() bool { return atomic.LoadInt32(&t.gcEnabled) != 0 }

// SetGCInterval changes the minimum spacing between Delete batches.
func (t *Tables) SetGCInterval(d time.Duration) {
	t.pendingMu.Lock()
	t.gcInterval = d
	t.pendingMu.Unlock()
}

// LookupLocalByIdentity returns the existing entry for obj, if this side
// has already exported it, bumping its version (spec §4.2 rule 4).
func (t *Tables) LookupLocalByIdentity(obj any) (*LocalEntry, bool) {
	key, ok := identityOf(obj)
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.localByIdentity[key]
	if !ok {
		return nil, false
	}
	e.bump()
	return e, true
}

// NewLocal allocates a fresh local-object entry (spec §4.2 rule 5). The
// caller supplies the already-computed kind/mask/args.
func (t *Tables) NewLocal(obj any, kind byte, mask uint64, args []byte) *LocalEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextLocalID++
	e := &LocalEntry{ID: t.nextLocalID, Object: obj, Kind: kind, Mask: mask, Args: args}
	t.localByID[e.ID] = e
	if key, ok := identityOf(obj); ok {
		t.localByIdentity[key] = e
	}
	return e
}

// LocalByID returns the local entry for id, used to resolve peer-origin
// back-references (spec §4.2 rule 3 on decode).
func (t *Tables) LocalByID(id int64) (*LocalEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.localByID[id]
	return e, ok
}

// HandleDelete applies an inbound Delete entry: the local-object entry is
// only dropped if the stored version still matches what the peer last
// observed (spec §4.3).
func (t *Tables) HandleDelete(id int64, remoteVersion uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.localByID[id]
	if !ok {
		return
	}
	if e.Version() != remoteVersion {
		return
	}
	delete(t.localByID, id)
	if key, ok := identityOf(e.Object); ok {
		delete(t.localByIdentity, key)
	}
}

// InstallProxy registers a freshly unmarshalled proxy descriptor's handle
// under its remote id, waking any decode that was blocked waiting for it
// (spec §4.2's per-id condition). Returns false if a proxy for this id is
// already installed (the caller should reuse the existing one instead).
// The finalizer backstop for a forgotten Close lives on the handle type
// itself (package proxy), not here; Tables only tracks liveness.
func (t *Tables) InstallProxy(remoteID int64, version uint64, handle any) (*ProxyEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.proxies[remoteID]; ok {
		if live := e.handle.get(); live != nil {
			return e, false
		}
	}

	e := &ProxyEntry{RemoteID: remoteID, Version: version}
	e.handle.set(handle)
	t.proxies[remoteID] = e

	if cond, ok := t.pendingCond[remoteID]; ok {
		cond.Broadcast()
	}

	return e, true
}

// LookupProxy returns the live handle for remoteID, if we still hold one
// and it hasn't been reclaimed.
func (t *Tables) LookupProxy(remoteID int64) (any, bool) {
	t.mu.Lock()
	e, ok := t.proxies[remoteID]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	h := e.handle.get()
	return h, h != nil
}

// WaitForProxy blocks until a proxy for remoteID is installed by a
// concurrent decode (spec §4.2: "blocks until another unmarshalling
// installs it"), or returns immediately if one already exists.
func (t *Tables) WaitForProxy(remoteID int64) any {
	t.mu.Lock()
	if e, ok := t.proxies[remoteID]; ok {
		if h := e.handle.get(); h != nil {
			t.mu.Unlock()
			return h
		}
	}
	cond, ok := t.pendingCond[remoteID]
	if !ok {
		cond = sync.NewCond(&t.mu)
		t.pendingCond[remoteID] = cond
	}
	for {
		e, ok := t.proxies[remoteID]
		if ok {
			if h := e.handle.get(); h != nil {
				t.mu.Unlock()
				return h
			}
		}
		cond.Wait()
	}
}

// UpdateProxyVersion records the latest version this side has observed
// for an already-installed proxy (spec §4.2: "known proxy" unmarshalling
// updates the locally observed version).
func (t *Tables) UpdateProxyVersion(remoteID int64, version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.proxies[remoteID]; ok {
		e.Version = version
	}
}

// Reclaim is the Go rendering of the weakref callback in
// pushy.protocol.baseconnection.BaseConnection.delete: called when a
// proxy.Handle's refcount reaches zero (or its finalizer fires), it
// enqueues (remoteID, lastObservedVersion) for the next outbound Delete
// and drops our own bookkeeping for it. Errors are impossible here, but
// the call is structured to mirror the original's swallow-and-return
// discipline, since it can run during interpreter/program teardown.
func (t *Tables) Reclaim(remoteID int64) {
	t.mu.Lock()
	e, ok := t.proxies[remoteID]
	if ok {
		delete(t.proxies, remoteID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	e.handle.clear()

	if !t.GCEnabled() {
		return
	}

	t.pendingMu.Lock()
	t.pendingDeletes[remoteID] = e.Version
	t.pendingMu.Unlock()
}

// PendingDeletes returns, and clears, the batch of pending deletes if the
// GC interval has elapsed since the last batch was sent. It returns nil
// if there is nothing to send yet.
func (t *Tables) PendingDeletes() map[int64]uint64 {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	if len(t.pendingDeletes) == 0 {
		return nil
	}
	if time.Since(t.lastDelete) <= t.gcInterval {
		return nil
	}

	batch := t.pendingDeletes
	t.pendingDeletes = make(map[int64]uint64)
	t.lastDelete = time.Now()
	return batch
}

// ErrUnknownOrigin is returned by decode when a peer-origin back-reference
// names a local object id we have no record of exporting.
var ErrUnknownOrigin = errors.Str("unknown origin object id")

// LocalCount returns the number of entries in the local-object table.
func (t *Tables) LocalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.localByID)
}

// ProxyCount returns the number of entries in the proxy table.
func (t *Tables) ProxyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.proxies)
}

// PendingDeleteCount returns the number of reclaimed ids queued for the
// next outbound Delete batch.
func (t *Tables) PendingDeleteCount() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pendingDeletes)
}

// GCInterval returns the current minimum spacing between Delete batches.
func (t *Tables) GCInterval() time.Duration {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return t.gcInterval
}
