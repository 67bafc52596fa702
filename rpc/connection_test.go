package rpc_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roadrunner-server/pushgate/message"
	"github.com/roadrunner-server/pushgate/proxy"
	"github.com/roadrunner-server/pushgate/rpc"
	"github.com/roadrunner-server/pushgate/transport/pipe"
	"github.com/roadrunner-server/pushgate/value"
)

// testReflector is the minimal Reflector a test server needs: it treats
// map[string]any as a dict-like object and func(value.Tuple) (any,
// error) as a callable, which covers every scenario below.
type testReflector struct{}

func (testReflector) GetAttr(obj any, name string) (any, error) {
	if m, ok := obj.(map[string]any); ok {
		v, ok := m[name]
		if !ok {
			return nil, errors.Str("attribute not found: " + name)
		}
		return v, nil
	}
	return nil, errors.Str("getattr unsupported for this type")
}

func (testReflector) SetAttr(obj any, name string, v any) error {
	m, ok := obj.(map[string]any)
	if !ok {
		return errors.Str("setattr unsupported for this type")
	}
	m[name] = v
	return nil
}

func (testReflector) GetStr(obj any) (string, error)  { return fmt.Sprint(obj), nil }
func (testReflector) GetRepr(obj any) (string, error) { return fmt.Sprintf("%#v", obj), nil }

func (testReflector) Call(obj any, args value.Tuple, kwargs map[string]any) (any, error) {
	fn, ok := obj.(func(value.Tuple) (any, error))
	if !ok {
		return nil, errors.Str("object is not callable")
	}
	return fn(args)
}

func (testReflector) Operator(obj any, op message.Kind, args value.Tuple) (any, error) {
	m, ok := obj.(map[string]any)
	if !ok {
		return nil, errors.Str("operator unsupported for this type")
	}
	switch op {
	case message.KindOpLen:
		return int64(len(m)), nil
	case message.KindOpGetItem:
		key, _ := args[0].(string)
		v, ok := m[key]
		if !ok {
			return nil, errors.Str("KeyError: " + key)
		}
		return v, nil
	case message.KindOpSetItem:
		key, _ := args[0].(string)
		m[key] = args[1]
		return nil, nil
	case message.KindOpDelItem:
		key, _ := args[0].(string)
		delete(m, key)
		return nil, nil
	case message.KindOpContains:
		key, _ := args[0].(string)
		_, ok := m[key]
		return ok, nil
	}
	return nil, errors.Str("operator not implemented")
}

func (testReflector) Delete(obj any) error { return nil }

type rootEvaluator struct{ roots map[string]any }

func (r rootEvaluator) Evaluate(source string, isExpr bool) (any, error) {
	v, ok := r.roots[source]
	if !ok {
		return nil, errors.Str("NameError: " + source)
	}
	return v, nil
}

func newPair(t *testing.T, roots map[string]any) (server, client *rpc.Connection) {
	t.Helper()
	a, b := pipe.New()

	server = rpc.New(message.NewFramer(a, a), rpc.Options{
		Evaluator: rootEvaluator{roots: roots},
		Reflector: testReflector{},
	})
	client = rpc.New(message.NewFramer(b, b), rpc.Options{
		Reflector: testReflector{},
	})

	go server.Serve()
	go client.Serve()

	t.Cleanup(func() {
		server.Close()
		client.Close()
		a.Close()
		b.Close()
	})
	return server, client
}

func TestEvaluateAndCall(t *testing.T) {
	greet := func(args value.Tuple) (any, error) {
		name, _ := args[0].(string)
		return "hello " + name, nil
	}
	_, client := newPair(t, map[string]any{"greet": greet})

	v, err := client.Evaluate("greet", false)
	require.NoError(t, err)
	handle, ok := v.(*proxy.Handle)
	require.True(t, ok)

	result, err := handle.Call("world")
	require.NoError(t, err)
	require.Equal(t, "hello world", result)
}

func TestDictProxyOperators(t *testing.T) {
	data := map[string]any{"a": int64(1)}
	_, client := newPair(t, map[string]any{"data": data})

	v, err := client.Evaluate("data", false)
	require.NoError(t, err)
	d, ok := v.(proxy.Dict)
	require.True(t, ok)

	n, err := d.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, d.Set("b", int64(2)))
	got, err := d.Get("b")
	require.NoError(t, err)
	require.Equal(t, int64(2), got)

	require.NoError(t, d.Delete("a"))
	_, err = d.Get("a")
	require.Error(t, err)
}

func TestExceptionPropagation(t *testing.T) {
	_, client := newPair(t, map[string]any{})

	_, err := client.Evaluate("missing", false)
	require.Error(t, err)
	re, ok := err.(*proxy.RemoteError)
	require.True(t, ok)
	require.Contains(t, re.Message, "NameError")
}

func TestGetAttrSetAttr(t *testing.T) {
	obj := map[string]any{"x": int64(1)}
	_, client := newPair(t, map[string]any{"obj": obj})

	v, err := client.Evaluate("obj", false)
	require.NoError(t, err)
	h, ok := v.(*proxy.Handle)
	require.True(t, ok)

	got, err := h.GetAttr("x")
	require.NoError(t, err)
	require.Equal(t, int64(1), got)

	require.NoError(t, h.SetAttr("y", int64(2)))
	got, err = h.GetAttr("y")
	require.NoError(t, err)
	require.Equal(t, int64(2), got)
}

func TestReclamationSendsDelete(t *testing.T) {
	obj := map[string]any{"k": int64(1)}
	server, client := newPair(t, map[string]any{"obj": obj})
	client.SetGCInterval(0)

	v, err := client.Evaluate("obj", false)
	require.NoError(t, err)
	h := v.(proxy.Dict)
	require.NoError(t, h.Close())

	require.Eventually(t, func() bool {
		return server.DebugState().LocalObjects == 0
	}, time.Second, 10*time.Millisecond)
}

func TestNestedCallDoesNotDeadlock(t *testing.T) {
	// The callback, once invoked by the server, calls back into the
	// client's own exported object before returning -- exercising the
	// gate invariant's nested/recursive-call path on a single stream.
	var client *rpc.Connection
	echo := func(args value.Tuple) (any, error) {
		h, ok := args[0].(*proxy.Handle)
		if !ok {
			return nil, errors.Str("expected callback handle")
		}
		return h.Call("ping")
	}

	identity := func(args value.Tuple) (any, error) { return args[0], nil }

	a, b := pipe.New()
	server := rpc.New(message.NewFramer(a, a), rpc.Options{
		Evaluator: rootEvaluator{roots: map[string]any{"echo": echo}},
		Reflector: testReflector{},
	})
	client = rpc.New(message.NewFramer(b, b), rpc.Options{Reflector: testReflector{}})
	go server.Serve()
	go client.Serve()
	t.Cleanup(func() { server.Close(); client.Close(); a.Close(); b.Close() })

	v, err := client.Evaluate("echo", false)
	require.NoError(t, err)
	h := v.(*proxy.Handle)

	result, err := h.Call(identity)
	require.NoError(t, err)
	require.Equal(t, "ping", result)
}

// TestConcurrentCallsProgressUnderLoad fires many overlapping requests
// down one Connection at once, checking that the gate invariant lets
// them all complete rather than serializing into deadlock or starving
// any single caller.
func TestConcurrentCallsProgressUnderLoad(t *testing.T) {
	counter := func(args value.Tuple) (any, error) {
		n, _ := args[0].(int64)
		return n * 2, nil
	}
	_, client := newPair(t, map[string]any{"double": counter})

	v, err := client.Evaluate("double", false)
	require.NoError(t, err)
	h := v.(*proxy.Handle)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		i := int64(i)
		g.Go(func() error {
			result, err := h.Call(i)
			if err != nil {
				return err
			}
			if result != i*2 {
				return errors.Str("unexpected result from concurrent call")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
