package rpc

import (
	"go.uber.org/zap"

	"github.com/roadrunner-server/errors"

	"github.com/roadrunner-server/pushgate/message"
	"github.com/roadrunner-server/pushgate/proxy"
	"github.com/roadrunner-server/pushgate/value"
)

// dispatch implements the Dispatcher: it decodes m's payload, runs the
// handler for m.Kind against the local-object table, and always answers
// with exactly one Response or Exception frame (spec §4.5).
func (c *Connection) dispatch(m *message.Message) {
	result, err := c.route(m)

	ctx := newCallContext()
	if err != nil {
		payload, encErr := c.encodeException(err)
		if encErr != nil {
			c.log.Error("encode exception", zap.Error(encErr))
			return
		}
		c.send(&message.Message{Kind: message.KindException, Source: ctx.id, Target: m.Source, Payload: payload})
		return
	}

	payload, encErr := c.codec.Encode(result)
	if encErr != nil {
		c.log.Error("encode response", zap.Error(encErr))
		payload, _ = c.encodeException(encErr)
		c.send(&message.Message{Kind: message.KindException, Source: ctx.id, Target: m.Source, Payload: payload})
		return
	}
	c.send(&message.Message{Kind: message.KindResponse, Source: ctx.id, Target: m.Source, Payload: payload})
}

func (c *Connection) send(m *message.Message) {
	if err := c.framer.Send(m); err != nil {
		c.log.Error("send frame", zap.Error(err), zap.Stringer("kind", m.Kind))
	}
}

func (c *Connection) encodeException(err error) ([]byte, error) {
	c.metrics.ExceptionsPropagated.Inc()
	return c.codec.Encode(namedError(err))
}

// namedError normalises any Go error into one that reports a stable
// class name when classified, so a RemoteError bounced back from a peer
// round-trips under its original class name instead of being relabelled
// "RuntimeError" every hop.
type namedErrorValue struct {
	class string
	error
}

// ClassName implements proxy.classNamer.
func (n namedErrorValue) ClassName() string { return n.class }

func namedError(err error) error {
	if re, ok := err.(*proxy.RemoteError); ok {
		return namedErrorValue{class: re.Class, error: re}
	}
	return namedErrorValue{class: "RuntimeError", error: err}
}

func (c *Connection) route(m *message.Message) (any, error) {
	const op = errors.Op("rpc_dispatch")

	switch m.Kind {
	case message.KindEvaluate:
		return c.handleEvaluate(m)
	case message.KindGetAttr:
		return c.handleGetAttr(m)
	case message.KindSetAttr:
		return c.handleSetAttr(m)
	case message.KindGetStr:
		return c.handleGetStr(m)
	case message.KindGetRepr:
		return c.handleGetRepr(m)
	case message.KindCall:
		return c.handleCall(m)
	default:
		if m.Kind.IsOperator() {
			return c.handleOperator(m)
		}
		return nil, errors.E(op, errors.Str("unsupported message kind"))
	}
}

func (c *Connection) resolveTarget(id int64) (any, error) {
	e, ok := c.tables.LocalByID(id)
	if !ok {
		return nil, errors.E(errors.Op("rpc_resolve"), objtableUnknownTarget)
	}
	return e.Object, nil
}

var objtableUnknownTarget = errors.Str("unknown local object id")

func (c *Connection) handleEvaluate(m *message.Message) (any, error) {
	if c.evaluator == nil {
		return nil, errors.E(errors.Op("rpc_evaluate"), errors.Str("no evaluator configured"))
	}
	decoded, err := c.codec.Decode(m.Payload)
	if err != nil {
		return nil, err
	}
	args, ok := decoded.(value.Tuple)
	if !ok || len(args) != 2 {
		return nil, errors.E(errors.Op("rpc_evaluate"), errors.Str("malformed evaluate payload"))
	}
	source, _ := args[0].(string)
	isExpr, _ := args[1].(bool)
	return c.evaluator.Evaluate(source, isExpr)
}

func (c *Connection) handleGetAttr(m *message.Message) (any, error) {
	decoded, err := c.codec.Decode(m.Payload)
	if err != nil {
		return nil, err
	}
	name, _ := decoded.(string)
	target, err := c.resolveTarget(m.Target)
	if err != nil {
		return nil, err
	}
	return c.reflector.GetAttr(target, name)
}

func (c *Connection) handleSetAttr(m *message.Message) (any, error) {
	decoded, err := c.codec.Decode(m.Payload)
	if err != nil {
		return nil, err
	}
	pair, ok := decoded.(value.Tuple)
	if !ok || len(pair) != 2 {
		return nil, errors.E(errors.Op("rpc_setattr"), errors.Str("malformed setattr payload"))
	}
	name, _ := pair[0].(string)
	target, err := c.resolveTarget(m.Target)
	if err != nil {
		return nil, err
	}
	return nil, c.reflector.SetAttr(target, name, pair[1])
}

func (c *Connection) handleGetStr(m *message.Message) (any, error) {
	target, err := c.resolveTarget(m.Target)
	if err != nil {
		return nil, err
	}
	return c.reflector.GetStr(target)
}

func (c *Connection) handleGetRepr(m *message.Message) (any, error) {
	target, err := c.resolveTarget(m.Target)
	if err != nil {
		return nil, err
	}
	return c.reflector.GetRepr(target)
}

func (c *Connection) handleCall(m *message.Message) (any, error) {
	decoded, err := c.codec.Decode(m.Payload)
	if err != nil {
		return nil, err
	}
	args, _ := decoded.(value.Tuple)
	target, err := c.resolveTarget(m.Target)
	if err != nil {
		return nil, err
	}
	return c.reflector.Call(target, args, nil)
}

func (c *Connection) handleOperator(m *message.Message) (any, error) {
	decoded, err := c.codec.Decode(m.Payload)
	if err != nil {
		return nil, err
	}
	args, _ := decoded.(value.Tuple)
	target, err := c.resolveTarget(m.Target)
	if err != nil {
		return nil, err
	}
	return c.reflector.Operator(target, m.Kind, args)
}

// Evaluate asks the peer to run source through its Evaluator, the public
// bootstrap entry point a client uses before it holds any proxy at all
// (spec's root-object acquisition path).
func (c *Connection) Evaluate(source string, isExpr bool) (any, error) {
	payload, err := c.codec.Encode(value.Tuple{source, isExpr})
	if err != nil {
		return nil, err
	}
	return c.requestValue(message.KindEvaluate, 0, payload)
}

// -- outbound half: implements proxy.Caller -----------------------------

// GetAttr implements proxy.Caller.
func (c *Connection) GetAttr(remoteID int64, name string) (any, error) {
	payload, err := c.codec.Encode(name)
	if err != nil {
		return nil, err
	}
	return c.requestValue(message.KindGetAttr, remoteID, payload)
}

// SetAttr implements proxy.Caller.
func (c *Connection) SetAttr(remoteID int64, name string, v any) error {
	payload, err := c.codec.Encode(value.Tuple{name, v})
	if err != nil {
		return err
	}
	_, err = c.requestValue(message.KindSetAttr, remoteID, payload)
	return err
}

// Call implements proxy.Caller. Only args are sent to the peer; kwargs is
// not transmitted.
func (c *Connection) Call(remoteID int64, args value.Tuple, kwargs map[string]any) (any, error) {
	payload, err := c.codec.Encode(args)
	if err != nil {
		return nil, err
	}
	return c.requestValue(message.KindCall, remoteID, payload)
}

// Operator implements proxy.Caller.
func (c *Connection) Operator(remoteID int64, op int, args value.Tuple) (any, error) {
	payload, err := c.codec.Encode(args)
	if err != nil {
		return nil, err
	}
	return c.requestValue(message.Kind(op), remoteID, payload)
}

// GetStr implements proxy.Caller.
func (c *Connection) GetStr(remoteID int64) (string, error) {
	v, err := c.requestValue(message.KindGetStr, remoteID, nil)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// GetRepr implements proxy.Caller.
func (c *Connection) GetRepr(remoteID int64) (string, error) {
	v, err := c.requestValue(message.KindGetRepr, remoteID, nil)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (c *Connection) requestValue(kind message.Kind, remoteID int64, payload []byte) (any, error) {
	resp, err := c.SendRequest(kind, remoteID, payload)
	if err != nil {
		return nil, err
	}
	decoded, err := c.codec.Decode(resp.Payload)
	if err != nil {
		return nil, err
	}
	if resp.Kind == message.KindException {
		return nil, exceptionFromValue(decoded)
	}
	return decoded, nil
}

// exceptionFromValue turns a decoded Exception-frame payload into a Go
// error. The codec already materialises an exception proxy descriptor as
// a *proxy.RemoteError (see proxy.Builder.Build); this only falls back
// to a generic wrapping if a peer somehow answered with something else.
func exceptionFromValue(decoded any) error {
	if err, ok := decoded.(error); ok {
		return err
	}
	return errors.E(errors.Op("rpc_exception"), errors.Str("malformed exception payload"))
}
