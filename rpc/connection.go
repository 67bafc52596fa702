// Package rpc implements the Multiplexer and the Dispatcher: a single
// Connection type that lets either peer issue requests and serve them
// concurrently over one framed byte stream, including nested/recursive
// calls, while respecting the gate invariant of spec §4.4.
package rpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/roadrunner-server/pushgate/message"
	"github.com/roadrunner-server/pushgate/objtable"
	"github.com/roadrunner-server/pushgate/proxy"
	"github.com/roadrunner-server/pushgate/rpclog"
	"github.com/roadrunner-server/pushgate/rpcmetrics"
	"github.com/roadrunner-server/pushgate/value"
)

// Evaluator lets the host language plug in an Evaluate handler (spec's
// Evaluate operation has no fixed Go equivalent, since Go has no runtime
// "eval"). The default Connection returns a protocol error if none is
// configured and Evaluate arrives.
type Evaluator interface {
	Evaluate(source string, isExpr bool) (any, error)
}

// Reflector supplies the host-side implementations of GetAttr, SetAttr,
// GetStr, GetRepr, Call and Operator against arbitrary exported Go
// values, since Go has no uniform runtime reflection protocol for these
// the way CPython does.
type Reflector interface {
	GetAttr(obj any, name string) (any, error)
	SetAttr(obj any, name string, v any) error
	GetStr(obj any) (string, error)
	GetRepr(obj any) (string, error)
	Call(obj any, args value.Tuple, kwargs map[string]any) (any, error)
	Operator(obj any, op message.Kind, args value.Tuple) (any, error)
	Delete(obj any) error
}

// CallContext is the Go rendering of spec's "logical thread" identity.
// Go has no OS-thread-per-call model, so every SendRequest call
// allocates one: it is the source-thread value embedded in outbound
// requests, which the peer echoes as the target of its answer, and is
// what steers a response back to the correct waiter.
type CallContext struct {
	id int64
}

var threadSeq int64

func newCallContext() *CallContext {
	return &CallContext{id: atomic.AddInt64(&threadSeq, 1)}
}

type responseSlot struct {
	message *message.Message
	err     error
}

// Connection is one bidirectional pushgate session: the Multiplexer's
// gate state plus the Dispatcher's handler table, bound to one
// transport.Pair, one objtable.Tables and one value.Codec.
type Connection struct {
	id     string
	framer *message.Framer
	tables *objtable.Tables
	codec  *value.Codec

	evaluator Evaluator
	reflector Reflector

	log     *zap.Logger
	metrics *rpcmetrics.Metrics

	// gate state, guarded by mu/cond exactly as spec §4.4 describes: a
	// single shared monitor, not one per logical thread.
	mu         sync.Mutex
	cond       *sync.Cond
	receiving  bool
	processing int
	waiting    int
	pending    map[int64]*responseSlot
	queue      []*message.Message

	closed   int32
	closeErr error
	closeCh  chan struct{}

	gcTicker *time.Ticker
	gcStop   chan struct{}
}

// Options configures a new Connection.
type Options struct {
	Evaluator Evaluator
	Reflector Reflector
	Logger    *zap.Logger
	Metrics   *rpcmetrics.Metrics
}

// New builds a Connection over transport r/w. The caller must call Serve
// in a goroutine (or several) to pump inbound frames.
func New(framer *message.Framer, opts Options) *Connection {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = rpcmetrics.NewNop()
	}

	c := &Connection{
		id:        uuid.NewString(),
		framer:    framer,
		tables:    objtable.New(),
		evaluator: opts.Evaluator,
		reflector: opts.Reflector,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		pending:   make(map[int64]*responseSlot),
		closeCh:   make(chan struct{}),
		gcStop:    make(chan struct{}),
	}
	c.log = opts.Logger.With(zap.String("conn", c.id))
	c.cond = sync.NewCond(&c.mu)
	c.codec = value.NewCodec(c.tables, proxy.NewDefaultClassifier(), proxy.Builder{Conn: c})

	c.metrics.ConnectionsOpened.Inc()
	go c.gcLoop()

	return c
}

// ID returns the connection's unique identifier, used to correlate log
// lines and debug dumps across peers that may hold several connections
// open at once.
func (c *Connection) ID() string { return c.id }

// SetGC toggles the reclamation protocol for this connection's tables.
func (c *Connection) SetGC(enabled bool) { c.tables.SetGC(enabled) }

// SetGCInterval changes the minimum spacing between Delete batches.
func (c *Connection) SetGCInterval(d time.Duration) { c.tables.SetGCInterval(d) }

func (c *Connection) gcLoop() {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.flushDeletes()
		case <-c.gcStop:
			return
		}
	}
}

func (c *Connection) flushDeletes() {
	batch := c.tables.PendingDeletes()
	if len(batch) == 0 {
		return
	}
	v, err := c.codec.Encode(deleteBatchToValue(batch))
	if err != nil {
		c.log.Error("encode delete batch", zap.Error(err))
		return
	}
	ctx := newCallContext()
	m := &message.Message{Kind: message.KindDelete, Source: ctx.id, Target: 0, Payload: v}
	if err := c.framer.Send(m); err != nil {
		c.log.Error("send delete batch", zap.Error(err))
		return
	}
	c.metrics.DeletesSent.Add(float64(len(batch)))
}

func deleteBatchToValue(batch map[int64]uint64) value.Tuple {
	out := make(value.Tuple, 0, len(batch))
	for id, ver := range batch {
		out = append(out, value.Tuple{id, int64(ver)})
	}
	return out
}

// Reclaim implements proxy.Caller: called when a Handle's refcount hits
// zero.
func (c *Connection) Reclaim(remoteID int64) {
	c.tables.Reclaim(remoteID)
	c.metrics.ProxiesAlive.Dec()
}

// Close shuts the connection down: pending requests fail with
// ErrClosed, the gc loop stops, and the underlying transport is closed
// by the caller (Connection does not own transport lifetime, since both
// halves of a transport.Pair may outlive a single logical session).
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.gcStop)
	c.mu.Lock()
	c.closeErr = ErrClosed
	close(c.closeCh)
	c.cond.Broadcast()
	c.mu.Unlock()
	c.metrics.ConnectionsOpened.Dec()
	return nil
}

// ErrClosed is returned by any in-flight or new operation once Close has
// been called.
var ErrClosed = errors.Str("connection closed")

// DebugState snapshots the gate and table bookkeeping for diagnostics.
func (c *Connection) DebugState() rpclog.State {
	c.mu.Lock()
	s := rpclog.State{
		ConnectionID:     c.id,
		Receiving:        c.receiving,
		Processing:       c.processing,
		Waiting:          c.waiting,
		PendingResponses: len(c.pending),
		QueueDepth:       len(c.queue),
	}
	c.mu.Unlock()

	s.LocalObjects = c.tables.LocalCount()
	s.ProxyObjects = c.tables.ProxyCount()
	s.PendingDeletes = c.tables.PendingDeleteCount()
	s.GCEnabled = c.tables.GCEnabled()
	s.GCIntervalMillis = c.tables.GCInterval().Milliseconds()
	return s
}

// LogState emits the current DebugState at debug level.
func (c *Connection) LogState() { rpclog.Dump(c.log, c.DebugState()) }

// Serve pumps inbound frames until the transport or the connection is
// closed. Spec's gate invariant allows multiple goroutines to call Serve
// concurrently on the same Connection (mirroring multiple OS threads
// sharing one pushy connection), but a single goroutine is the common
// case.
func (c *Connection) Serve() error {
	for {
		m, err := c.acquireRead()
		if err != nil {
			return err
		}
		if m == nil {
			return nil // closed
		}
		c.handleFrame(m)
	}
}

// acquireRead implements the gate: a goroutine may read the stream iff no
// request is queued ahead of it, no other goroutine is already
// receiving, there are no unconsumed pending responses, and either no
// goroutine is mid-dispatch or every mid-dispatch goroutine is itself
// blocked waiting on a nested response (spec §4.4).
func (c *Connection) acquireRead() (*message.Message, error) {
	c.mu.Lock()
	for {
		if c.closeErr != nil {
			c.mu.Unlock()
			return nil, nil
		}
		if len(c.queue) > 0 {
			m := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return m, nil
		}
		routed := 0
		for _, slot := range c.pending {
			if slot.message != nil {
				routed++
			}
		}
		if !c.receiving && routed == 0 && (c.processing == 0 || c.processing == c.waiting) {
			c.receiving = true
			c.mu.Unlock()
			m, err := c.framer.Receive()
			c.mu.Lock()
			c.receiving = false
			if err != nil {
				c.closeErr = err
				c.cond.Broadcast()
				c.mu.Unlock()
				return nil, err
			}
			c.cond.Broadcast()
			c.mu.Unlock()
			return m, nil
		}
		c.cond.Wait()
	}
}

func (c *Connection) handleFrame(m *message.Message) {
	if m.Kind.IsResponse() {
		c.deliverResponse(m)
		return
	}
	if m.Kind == message.KindDelete {
		c.handleDelete(m)
		return
	}

	c.mu.Lock()
	c.processing++
	c.mu.Unlock()
	c.metrics.RequestsInFlight.Inc()

	go func() {
		defer func() {
			c.mu.Lock()
			c.processing--
			c.cond.Broadcast()
			c.mu.Unlock()
			c.metrics.RequestsInFlight.Dec()
		}()
		c.dispatch(m)
	}()
}

func (c *Connection) deliverResponse(m *message.Message) {
	c.mu.Lock()
	slot, ok := c.pending[m.Target]
	if ok {
		slot.message = m
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	if !ok {
		c.log.Warn("response for unknown thread", zap.Int64("target", m.Target))
	}
}

func (c *Connection) handleDelete(m *message.Message) {
	decoded, err := c.codec.Decode(m.Payload)
	if err != nil {
		c.log.Error("decode delete batch", zap.Error(err))
		return
	}
	tup, ok := decoded.(value.Tuple)
	if !ok {
		return
	}
	for _, entry := range tup {
		pair, ok := entry.(value.Tuple)
		if !ok || len(pair) != 2 {
			continue
		}
		id, _ := pair[0].(int64)
		ver, _ := pair[1].(int64)
		c.tables.HandleDelete(id, uint64(ver))
	}
	c.metrics.DeletesReceived.Add(float64(len(tup)))
}

// SendRequest issues one request and blocks for its response, correctly
// participating in the gate so a dispatch handler invoked from inside
// this same goroutine (a nested/recursive call) can issue its own
// SendRequest without deadlocking the connection.
func (c *Connection) SendRequest(kind message.Kind, remoteID int64, payload []byte) (*message.Message, error) {
	ctx := newCallContext()

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return nil, c.closeErr
	}
	c.pending[ctx.id] = &responseSlot{}
	c.mu.Unlock()

	m := &message.Message{Kind: kind, Source: ctx.id, Target: remoteID, Payload: payload}
	if err := c.framer.Send(m); err != nil {
		c.mu.Lock()
		delete(c.pending, ctx.id)
		c.mu.Unlock()
		return nil, err
	}

	return c.awaitResponse(ctx.id)
}

func (c *Connection) awaitResponse(threadID int64) (*message.Message, error) {
	c.mu.Lock()
	c.waiting++
	c.cond.Broadcast()
	defer func() {
		c.waiting--
		c.mu.Unlock()
	}()

	for {
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		slot, ok := c.pending[threadID]
		if !ok {
			return nil, errors.E(errors.Op("rpc_await"), errors.Str("response slot missing"))
		}
		if slot.message != nil {
			delete(c.pending, threadID)
			return slot.message, nil
		}

		// While waiting, this goroutine may still need to service the
		// stream itself (spec's gate invariant: a blocked caller can
		// become the reader that unblocks itself via a nested call).
		if !c.receiving && (c.processing == 0 || c.processing == c.waiting) {
			c.receiving = true
			c.mu.Unlock()
			m, err := c.framer.Receive()
			c.mu.Lock()
			c.receiving = false
			if err != nil {
				c.closeErr = err
				c.cond.Broadcast()
				continue
			}
			c.cond.Broadcast()
			c.mu.Unlock()
			c.handleFrame(m)
			c.mu.Lock()
			continue
		}

		c.cond.Wait()
	}
}
