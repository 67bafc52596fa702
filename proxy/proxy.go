// Package proxy implements the Proxy Facade: client-side transparent
// handles standing in for objects the peer exported, plus the host-side
// classification logic that decides how a brand-new local object should
// be described to the peer (spec §4.6, grounded on pushy.protocol.proxy).
package proxy

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/roadrunner-server/errors"

	"github.com/roadrunner-server/pushgate/value"
)

// Caller is the subset of the Multiplexer (package rpc) a Handle needs in
// order to issue requests back to the peer: GetAttr, SetAttr, Call,
// Operator, GetStr, GetRepr and the Delete side-channel. Kept as an
// interface here so this package never imports rpc (rpc imports proxy to
// build handles, not the other way around).
type Caller interface {
	GetAttr(remoteID int64, name string) (any, error)
	SetAttr(remoteID int64, name string, v any) error
	Call(remoteID int64, args value.Tuple, kwargs map[string]any) (any, error)
	Operator(remoteID int64, op int, args value.Tuple) (any, error)
	GetStr(remoteID int64) (string, error)
	GetRepr(remoteID int64) (string, error)
	Reclaim(remoteID int64)
}

// Handle is the base of every proxy kind: a reference-counted stand-in
// for one remote object id. Go has no native weak reference at the go1.19
// level this runtime targets, so reclamation is driven explicitly by
// Close; NewHandle also registers a finalizer (see DESIGN.md "weak
// references").
type Handle struct {
	conn     Caller
	remoteID int64
	kind     value.Kind
	refcount int32
	closed   int32
}

// NewHandle wraps remoteID in a fresh, single-reference Handle. A
// finalizer is registered that reclaims the handle once the garbage
// collector finds it unreachable. A handle installed in a connection's
// proxy table stays reachable from that table until Reclaim removes it,
// so for such a handle the finalizer does not run while the connection
// is reachable, and a handle that is never closed is not reclaimed;
// Close is what releases the remote object.
func NewHandle(conn Caller, remoteID int64, kind value.Kind) *Handle {
	h := &Handle{conn: conn, remoteID: remoteID, kind: kind, refcount: 1}
	runtime.SetFinalizer(h, (*Handle).reclaimOnce)
	return h
}

func (h *Handle) reclaimOnce() {
	if atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		h.conn.Reclaim(h.remoteID)
	}
}

// RemoteObjectID implements value.RemoteRef, letting the codec recognise
// this handle as a peer-origin back-reference when it is marshalled back
// to the peer that exported it.
func (h *Handle) RemoteObjectID() int64 { return h.remoteID }

// Kind reports the proxy kind this handle was built as.
func (h *Handle) Kind() value.Kind { return h.kind }

// Retain increments the reference count. Used when a second decode path
// (e.g. the dedup branch in value.Codec.unmarshal) hands out the same
// handle again.
func (h *Handle) Retain() { atomic.AddInt32(&h.refcount, 1) }

// Close releases one reference; when the count reaches zero the handle
// notifies the connection's object tables that the remote object may be
// reclaimed (a Delete will be batched and sent per the GC interval).
func (h *Handle) Close() error {
	if atomic.AddInt32(&h.refcount, -1) > 0 {
		return nil
	}
	h.reclaimOnce()
	return nil
}

// GetAttr performs a transparent attribute read against the remote
// object.
func (h *Handle) GetAttr(name string) (any, error) {
	return h.conn.GetAttr(h.remoteID, name)
}

// SetAttr performs a transparent attribute write against the remote
// object.
func (h *Handle) SetAttr(name string, v any) error {
	return h.conn.SetAttr(h.remoteID, name, v)
}

// Call invokes the remote object as a callable.
func (h *Handle) Call(args ...any) (any, error) {
	return h.conn.Call(h.remoteID, value.Tuple(args), nil)
}

// CallKW invokes the remote object, passing both positional and keyword
// arguments to the Caller. rpc.Connection's Call sends only the
// positional arguments; kwargs are not transmitted.
func (h *Handle) CallKW(args value.Tuple, kwargs map[string]any) (any, error) {
	return h.conn.Call(h.remoteID, args, kwargs)
}

// String fetches the remote str() rendering (spec's GetStr operation).
func (h *Handle) String() string {
	s, err := h.conn.GetStr(h.remoteID)
	if err != nil {
		return fmt.Sprintf("<proxy %d: %v>", h.remoteID, err)
	}
	return s
}

// GoString fetches the remote repr() rendering (spec's GetRepr
// operation), used by %#v and debugger printing.
func (h *Handle) GoString() string {
	s, err := h.conn.GetRepr(h.remoteID)
	if err != nil {
		return fmt.Sprintf("<proxy %d: %v>", h.remoteID, err)
	}
	return s
}

// Operator sends the operator request identified by op (a message.Kind
// value) to the peer. The handle does not consult the descriptor's
// OperatorMask: every call is sent, whether or not the peer advertised
// the operator.
func (h *Handle) Operator(op int, args ...any) (any, error) {
	return h.conn.Operator(h.remoteID, op, value.Tuple(args))
}

// -- Container kinds -----------------------------------------------------

// Container is implemented by the Dict, List and Set proxy kinds.
type Container interface {
	Len() (int, error)
	Iterate(func(any) bool) error
}

// Dict is the transparent proxy rendering of spec's "dict" proxy kind.
type Dict struct{ *Handle }

// Len returns len(remote).
func (d Dict) Len() (int, error) {
	n, err := d.Operator(lenOp)
	if err != nil {
		return 0, err
	}
	return toInt(n)
}

// Get returns remote[key].
func (d Dict) Get(key any) (any, error) { return d.Operator(getItemOp, key) }

// Set performs remote[key] = v.
func (d Dict) Set(key, v any) error { _, err := d.Operator(setItemOp, key, v); return err }

// Delete performs del remote[key].
func (d Dict) Delete(key any) error { _, err := d.Operator(delItemOp, key); return err }

// Iterate walks the remote mapping's keys, stopping early if fn returns
// false.
func (d Dict) Iterate(fn func(any) bool) error {
	return iterateRemote(d.Handle, fn)
}

// List is the transparent proxy rendering of spec's "list" proxy kind.
type List struct{ *Handle }

// Len returns len(remote).
func (l List) Len() (int, error) {
	n, err := l.Operator(lenOp)
	if err != nil {
		return 0, err
	}
	return toInt(n)
}

// Get returns remote[index].
func (l List) Get(index int) (any, error) { return l.Operator(getItemOp, int64(index)) }

// Set performs remote[index] = v.
func (l List) Set(index int, v any) error { _, err := l.Operator(setItemOp, int64(index), v); return err }

// Delete performs del remote[index].
func (l List) Delete(index int) error { _, err := l.Operator(delItemOp, int64(index)); return err }

// Iterate walks the remote sequence in order, stopping early if fn
// returns false.
func (l List) Iterate(fn func(any) bool) error {
	return iterateRemote(l.Handle, fn)
}

// Set is the transparent proxy rendering of spec's "set" proxy kind.
type Set struct{ *Handle }

// Len returns len(remote).
func (s Set) Len() (int, error) {
	n, err := s.Operator(lenOp)
	if err != nil {
		return 0, err
	}
	return toInt(n)
}

// Contains reports whether v is a member of the remote set.
func (s Set) Contains(v any) (bool, error) {
	r, err := s.Operator(containsOp, v)
	if err != nil {
		return false, err
	}
	b, _ := r.(bool)
	return b, nil
}

// Iterate walks the remote set's members, stopping early if fn returns
// false.
func (s Set) Iterate(fn func(any) bool) error {
	return iterateRemote(s.Handle, fn)
}

func iterateRemote(h *Handle, fn func(any) bool) error {
	it, err := h.Operator(iterOp)
	if err != nil {
		return err
	}
	next, ok := it.(*Handle)
	if !ok {
		return errors.E(errors.Op("proxy_iterate"), errors.Str("iterator did not proxy back"))
	}
	for {
		v, err := next.Call()
		if err != nil {
			if isStopIteration(err) {
				return nil
			}
			return err
		}
		if !fn(v) {
			return nil
		}
	}
}

func isStopIteration(err error) bool {
	re, ok := err.(*RemoteError)
	return ok && re.Class == "StopIteration"
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, errors.E(errors.Op("proxy_len"), errors.Str("non-integer length"))
	}
}

// Module is the transparent proxy rendering of spec's "module" proxy
// kind: attribute access is the only supported operation.
type Module struct{ *Handle }

// Class is the transparent proxy rendering of spec's "old-style class"
// proxy kind: callable to construct instances, attribute access for
// static members.
type Class struct{ *Handle }

// New constructs an instance of the remote class.
func (c Class) New(args ...any) (any, error) { return c.Call(args...) }

// RemoteError is the Go rendering of spec's exception proxy kind: since
// Go has no open exception-class hierarchy to mirror, a remote exception
// is flattened to (class-name, message) and implements the error
// interface directly rather than being raised.
type RemoteError struct {
	*Handle
	Class   string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Class == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Traceback fetches the remote traceback text, if the peer attached one
// as a "traceback" attribute (spec §4.5's exception-propagation note).
func (e *RemoteError) Traceback() (string, error) {
	v, err := e.GetAttr("traceback")
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// Modules wraps a handle to a peer object whose attributes are modules:
// Import is a plain GetAttr on it. Nothing in this module exports such an
// object or builds a Modules value (local object ids start at 1), and no
// importer is compiled in the peer.
type Modules struct{ *Handle }

// Import fetches the named module as a proxy.
func (m Modules) Import(name string) (any, error) { return m.GetAttr(name) }

// Operator kind numbers, copied from message.Kind's values rather than
// imported from package message. Kept in lock-step with message.Kind's
// operator block; see DESIGN.md.
const (
	ltOp = iota + 9
	leOp
	eqOp
	neOp
	gtOp
	geOp
	hashOp
	lenOp
	getItemOp
	setItemOp
	delItemOp
	iterOp
	containsOp
	addOp
	subOp
	mulOp
	divOp
	floorDivOp
	modOp
	powOp
	lshiftOp
	rshiftOp
	andOp
	xorOp
	orOp
	iaddOp
	isubOp
	imulOp
	idivOp
	negOp
	posOp
	absOp
	invertOp
	enterOp
	exitOp
)

// Builder implements value.ProxyBuilder: it turns a decoded descriptor
// into the right concrete proxy kind.
type Builder struct {
	Conn Caller
}

// Build implements value.ProxyBuilder.
func (b Builder) Build(desc *value.Descriptor) any {
	h := NewHandle(b.Conn, desc.ObjectID, desc.Kind)
	switch desc.Kind {
	case value.KindDict:
		return Dict{h}
	case value.KindList:
		return List{h}
	case value.KindSet:
		return Set{h}
	case value.KindModule:
		return Module{h}
	case value.KindClass:
		return Class{h}
	case value.KindException:
		class, message := "", ""
		if desc.Args != nil && len(desc.Args.Items) >= 1 {
			class = desc.Args.Items[0].Str
			if len(desc.Args.Items) >= 2 {
				message = desc.Args.Items[1].Str
			}
		}
		return &RemoteError{Handle: h, Class: class, Message: message}
	default:
		return h
	}
}

// DefaultClassifier implements value.Classifier using reflection over
// arbitrary Go values: it reports which operators a value plausibly
// supports and which proxy kind best renders it, caching the decision
// per concrete type the way pushy.protocol.proxy.ProxyType.getoperators
// caches per class.
type DefaultClassifier struct {
	mu    sync.Mutex
	cache map[reflect.Type]classification
}

type classification struct {
	kind value.Kind
	mask value.OperatorMask
}

// NewDefaultClassifier builds an empty, ready-to-use classifier.
func NewDefaultClassifier() *DefaultClassifier {
	return &DefaultClassifier{cache: make(map[reflect.Type]classification)}
}

// Classify implements value.Classifier.
func (c *DefaultClassifier) Classify(obj any) (value.Kind, value.OperatorMask, *value.Value) {
	if err, ok := obj.(error); ok {
		class := errorClassName(err)
		if named, ok := obj.(classNamer); ok {
			class = named.ClassName()
		}
		args := value.Value{Tag: value.TagTuple, Items: []value.Value{
			{Tag: value.TagString, Str: class},
			{Tag: value.TagString, Str: err.Error()},
		}}
		return value.KindException, exceptionMask(), &args
	}

	t := reflect.TypeOf(obj)
	if t == nil {
		return value.KindGeneric, 0, nil
	}

	c.mu.Lock()
	if cl, ok := c.cache[t]; ok {
		c.mu.Unlock()
		return cl.kind, cl.mask, nil
	}
	c.mu.Unlock()

	kind, mask := classifyType(t)

	c.mu.Lock()
	c.cache[t] = classification{kind: kind, mask: mask}
	c.mu.Unlock()

	return kind, mask, nil
}

func classifyType(t reflect.Type) (value.Kind, value.OperatorMask) {
	switch t.Kind() {
	case reflect.Map:
		return value.KindDict, mapMask()
	case reflect.Slice, reflect.Array:
		return value.KindList, listMask()
	case reflect.Func:
		return value.KindGeneric, callMask()
	case reflect.Struct, reflect.Ptr:
		if t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct {
			return value.KindGeneric, attrMask()
		}
		if t.Kind() == reflect.Struct {
			return value.KindGeneric, attrMask()
		}
	}
	return value.KindGeneric, 0
}

func mapMask() value.OperatorMask {
	var m value.OperatorMask
	for _, op := range []int{lenOp, getItemOp, setItemOp, delItemOp, iterOp, containsOp} {
		m = m.Set(op)
	}
	return m
}

func listMask() value.OperatorMask {
	var m value.OperatorMask
	for _, op := range []int{lenOp, getItemOp, setItemOp, delItemOp, iterOp, containsOp} {
		m = m.Set(op)
	}
	return m
}

func callMask() value.OperatorMask { return 0 }

func attrMask() value.OperatorMask { return 0 }

func exceptionMask() value.OperatorMask { return 0 }

// classNamer lets a host error report the class name it should be
// proxied under, overriding the reflect-type-name default.
type classNamer interface {
	ClassName() string
}

func errorClassName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
