// Package value implements the Value Codec: the encode/decode rules that
// turn host values into wire payloads and back, distinguishing
// primitives, tuples, peer-origin back-references, and new/known proxy
// descriptors (spec §4.2).
package value

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/roadrunner-server/errors"

	"github.com/roadrunner-server/pushgate/objtable"
)

// Kind is the proxy-kind enumeration of spec §3: which host container
// type a proxy descriptor should be rendered as on the receiving side.
type Kind byte

const (
	KindGeneric Kind = iota
	KindException
	KindDict
	KindList
	KindSet
	KindModule
	KindClass
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindException:
		return "exception"
	case KindDict:
		return "dict"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindModule:
		return "module"
	case KindClass:
		return "class"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// OperatorMask is the spec's "one bit per supported operator" bitset. Bit
// index equals the int value of the corresponding message.Kind. It is
// sent in every new-proxy descriptor; proxy handles do not check it
// before issuing an operator request.
type OperatorMask uint64

// Has reports whether bit i is set.
func (m OperatorMask) Has(bit int) bool { return m&(1<<uint(bit)) != 0 }

// Set returns a copy of m with bit i set.
func (m OperatorMask) Set(bit int) OperatorMask { return m | (1 << uint(bit)) }

// Tag identifies the shape of an encoded Value on the wire.
type Tag byte

const (
	TagNil Tag = iota
	TagBool
	TagInt
	TagFloat
	TagString
	TagBytes
	TagSlice
	TagTuple
	TagFrozenSet
	TagOrigin
	TagProxyNew
	TagProxyKnown
)

// Descriptor is a proxy-descriptor, spec §3: (object-id, operator-mask,
// proxy-kind, optional constructor-args).
type Descriptor struct {
	ObjectID int64
	Mask     OperatorMask
	Kind     Kind
	Args     *Value // nil if the proxy kind carries no constructor args
	Version  uint64 // not set by the codec: a TagProxyKnown Value carries its version in Value.Int
}

// SliceBounds is the Go rendering of Python's immutable `slice` builtin:
// an optional (start, stop, step) triple used by extended-slicing
// operators. A nil pointer means the corresponding component was None.
type SliceBounds struct {
	Start, Stop, Step *int64
}

// Value is the decoded form of one wire payload: a closed tagged union
// covering every case the Value Codec distinguishes.
type Value struct {
	Tag Tag

	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Slice SliceBounds

	Items []Value // TagTuple, TagFrozenSet

	OriginID int64 // TagOrigin

	Proxy *Descriptor // TagProxyNew, TagProxyKnown
}

// RemoteRef is implemented by client-side proxy handles (package proxy)
// so the codec can recognise, without importing that package, that a
// value being marshalled is actually one of the peer's own objects
// being handed back to it (spec §4.2 rule 3).
type RemoteRef interface {
	RemoteObjectID() int64
}

// Classifier computes the proxy-kind, operator-mask and optional
// constructor-args for a host value the codec has never seen before
// (spec §4.2 rule 5). rpc.New supplies package proxy's DefaultClassifier,
// which inspects arbitrary Go values; the codec itself has no opinion on
// what makes something "dict-like" versus "generic".
type Classifier interface {
	Classify(obj any) (kind Kind, mask OperatorMask, args *Value)
}

// ProxyBuilder turns a freshly-decoded Descriptor into a live host-side
// handle (one of package proxy's per-kind types); the codec then installs
// it in the proxy table. It mirrors pushy.protocol.proxy.Proxy's factory
// dispatch.
type ProxyBuilder interface {
	Build(desc *Descriptor) any
}

// primitive boxes a Go primitive directly, skipping the marshalling
// machinery; these are the types spec §4.2 rule 1 recognises.
func primitive(v any) (Value, bool) {
	switch x := v.(type) {
	case nil:
		return Value{Tag: TagNil}, true
	case bool:
		return Value{Tag: TagBool, Bool: x}, true
	case int:
		return Value{Tag: TagInt, Int: int64(x)}, true
	case int8:
		return Value{Tag: TagInt, Int: int64(x)}, true
	case int16:
		return Value{Tag: TagInt, Int: int64(x)}, true
	case int32:
		return Value{Tag: TagInt, Int: int64(x)}, true
	case int64:
		return Value{Tag: TagInt, Int: x}, true
	case uint:
		return Value{Tag: TagInt, Int: int64(x)}, true
	case uint8:
		return Value{Tag: TagInt, Int: int64(x)}, true
	case uint16:
		return Value{Tag: TagInt, Int: int64(x)}, true
	case uint32:
		return Value{Tag: TagInt, Int: int64(x)}, true
	case uint64:
		return Value{Tag: TagInt, Int: int64(x)}, true
	case float32:
		return Value{Tag: TagFloat, Float: float64(x)}, true
	case float64:
		return Value{Tag: TagFloat, Float: x}, true
	case string:
		return Value{Tag: TagString, Str: x}, true
	case []byte:
		return Value{Tag: TagBytes, Bytes: x}, true
	case SliceBounds:
		return Value{Tag: TagSlice, Slice: x}, true
	}
	return Value{}, false
}

func (v Value) toGo() any {
	switch v.Tag {
	case TagNil:
		return nil
	case TagBool:
		return v.Bool
	case TagInt:
		return v.Int
	case TagFloat:
		return v.Float
	case TagString:
		return v.Str
	case TagBytes:
		return v.Bytes
	case TagSlice:
		return v.Slice
	}
	return v
}

// Codec ties the wire encoding rules to one connection's object tables.
type Codec struct {
	Tables   *objtable.Tables
	Classify Classifier
	Build    ProxyBuilder
}

// NewCodec constructs a Codec bound to tables, using classify to render
// brand-new local objects and build to materialise decoded proxies.
func NewCodec(tables *objtable.Tables, classify Classifier, build ProxyBuilder) *Codec {
	return &Codec{Tables: tables, Classify: classify, Build: build}
}

// Encode implements spec §4.2's five ordered rules and serialises the
// result to bytes.
func (c *Codec) Encode(obj any) ([]byte, error) {
	v, err := c.marshal(obj)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 64)
	buf = appendValue(buf, v)
	return buf, nil
}

// Decode inverts Encode, resolving back-references and proxy descriptors
// against the connection's tables.
func (c *Codec) Decode(payload []byte) (any, error) {
	v, rest, err := parseValue(payload)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.E(errors.Op("value_decode"), errors.Str("trailing bytes after value"))
	}
	return c.unmarshal(v)
}

func (c *Codec) marshal(obj any) (Value, error) {
	if v, ok := primitive(obj); ok {
		return v, nil
	}

	if tup, ok := obj.(Tuple); ok {
		items := make([]Value, len(tup))
		for i, e := range tup {
			ev, err := c.marshal(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = ev
		}
		return Value{Tag: TagTuple, Items: items}, nil
	}

	if fs, ok := obj.(FrozenSet); ok {
		items := make([]Value, len(fs))
		for i, e := range fs {
			ev, err := c.marshal(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = ev
		}
		return Value{Tag: TagFrozenSet, Items: items}, nil
	}

	// Rule 3: peer-origin reference -- obj is one of the peer's own
	// objects, handed back to it.
	if ref, ok := obj.(RemoteRef); ok {
		return Value{Tag: TagOrigin, OriginID: ref.RemoteObjectID()}, nil
	}

	// Rule 4: previously-exported local object.
	if e, ok := c.Tables.LookupLocalByIdentity(obj); ok {
		return Value{Tag: TagProxyKnown, Proxy: &Descriptor{ObjectID: e.ID}, Int: int64(e.Version())}, nil
	}

	// Rule 5: brand new local object.
	kind, mask, args := c.Classify.Classify(obj)
	e := c.Tables.NewLocal(obj, byte(kind), uint64(mask), nil)
	return Value{Tag: TagProxyNew, Proxy: &Descriptor{ObjectID: e.ID, Mask: mask, Kind: kind, Args: args}}, nil
}

func (c *Codec) unmarshal(v Value) (any, error) {
	switch v.Tag {
	case TagTuple:
		out := make(Tuple, len(v.Items))
		for i, e := range v.Items {
			x, err := c.unmarshal(e)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case TagFrozenSet:
		out := make(FrozenSet, len(v.Items))
		for i, e := range v.Items {
			x, err := c.unmarshal(e)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case TagOrigin:
		entry, ok := c.Tables.LocalByID(v.OriginID)
		if !ok {
			return nil, errors.E(errors.Op("value_unmarshal"), objtable.ErrUnknownOrigin)
		}
		return entry.Object, nil
	case TagProxyKnown:
		remoteID := v.Proxy.ObjectID
		version := uint64(v.Int)
		handle := c.Tables.WaitForProxy(remoteID)
		c.Tables.UpdateProxyVersion(remoteID, version)
		if r, ok := handle.(interface{ Retain() }); ok {
			r.Retain()
		}
		return handle, nil
	case TagProxyNew:
		desc := v.Proxy
		if desc.Args != nil {
			args, err := c.unmarshal(*desc.Args)
			if err != nil {
				return nil, err
			}
			wrapped := wrapGo(args)
			desc.Args = &wrapped
		}
		if existing, ok := c.Tables.LookupProxy(desc.ObjectID); ok {
			if r, ok := existing.(interface{ Retain() }); ok {
				r.Retain()
			}
			return existing, nil
		}
		handle := c.Build.Build(desc)
		c.Tables.InstallProxy(desc.ObjectID, 0, handle)
		return handle, nil
	default:
		return v.toGo(), nil
	}
}

func wrapGo(x any) Value {
	if v, ok := primitive(x); ok {
		return v
	}
	if tup, ok := x.(Tuple); ok {
		items := make([]Value, len(tup))
		for i, e := range tup {
			items[i] = wrapGo(e)
		}
		return Value{Tag: TagTuple, Items: items}
	}
	return Value{Tag: TagString, Str: fmt.Sprint(x)}
}

// Tuple is the Go rendering of spec's fixed sequence: ordered, fixed
// arity, each element encoded recursively.
type Tuple []any

// FrozenSet is the Go rendering of spec's "frozen set of primitives":
// order-preserving, since Go has no literal hashable-set-of-any type to
// mirror Python's frozenset one-to-one (see SPEC_FULL §4.2).
type FrozenSet []any

// --- wire serialisation -----------------------------------------------

func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Tag))
	switch v.Tag {
	case TagNil:
		// no payload
	case TagBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case TagInt:
		buf = appendInt64(buf, v.Int)
	case TagFloat:
		buf = appendUint64(buf, math.Float64bits(v.Float))
	case TagString:
		buf = appendUint32(buf, uint32(len(v.Str)))
		buf = append(buf, v.Str...)
	case TagBytes:
		buf = appendUint32(buf, uint32(len(v.Bytes)))
		buf = append(buf, v.Bytes...)
	case TagSlice:
		buf = appendOptInt(buf, v.Slice.Start)
		buf = appendOptInt(buf, v.Slice.Stop)
		buf = appendOptInt(buf, v.Slice.Step)
	case TagTuple, TagFrozenSet:
		buf = appendUint32(buf, uint32(len(v.Items)))
		for _, item := range v.Items {
			buf = appendValue(buf, item)
		}
	case TagOrigin:
		buf = appendInt64(buf, v.OriginID)
	case TagProxyKnown:
		buf = appendInt64(buf, v.Proxy.ObjectID)
		buf = appendUint64(buf, uint64(v.Int))
	case TagProxyNew:
		buf = appendInt64(buf, v.Proxy.ObjectID)
		buf = appendUint64(buf, uint64(v.Proxy.Mask))
		buf = append(buf, byte(v.Proxy.Kind))
		if v.Proxy.Args == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			buf = appendValue(buf, *v.Proxy.Args)
		}
	}
	return buf
}

func appendOptInt(buf []byte, p *int64) []byte {
	if p == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendInt64(buf, *p)
}

func appendInt64(buf []byte, x int64) []byte  { return appendUint64(buf, uint64(x)) }
func appendUint32(buf []byte, x uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], x)
	return append(buf, b[:]...)
}
func appendUint64(buf []byte, x uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], x)
	return append(buf, b[:]...)
}

func parseValue(b []byte) (Value, []byte, error) {
	const op = errors.Op("value_parse")
	if len(b) < 1 {
		return Value{}, nil, errors.E(op, errors.Str("truncated value"))
	}
	tag := Tag(b[0])
	b = b[1:]

	switch tag {
	case TagNil:
		return Value{Tag: TagNil}, b, nil
	case TagBool:
		if len(b) < 1 {
			return Value{}, nil, errors.E(op, errors.Str("truncated bool"))
		}
		return Value{Tag: TagBool, Bool: b[0] != 0}, b[1:], nil
	case TagInt:
		x, rest, err := takeInt64(b)
		return Value{Tag: TagInt, Int: x}, rest, err
	case TagFloat:
		x, rest, err := takeUint64(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Tag: TagFloat, Float: math.Float64frombits(x)}, rest, nil
	case TagString:
		n, rest, err := takeUint32(b)
		if err != nil {
			return Value{}, nil, err
		}
		if uint32(len(rest)) < n {
			return Value{}, nil, errors.E(op, errors.Str("truncated string"))
		}
		return Value{Tag: TagString, Str: string(rest[:n])}, rest[n:], nil
	case TagBytes:
		n, rest, err := takeUint32(b)
		if err != nil {
			return Value{}, nil, err
		}
		if uint32(len(rest)) < n {
			return Value{}, nil, errors.E(op, errors.Str("truncated bytes"))
		}
		out := make([]byte, n)
		copy(out, rest[:n])
		return Value{Tag: TagBytes, Bytes: out}, rest[n:], nil
	case TagSlice:
		var sl SliceBounds
		var err error
		if sl.Start, b, err = takeOptInt(b); err != nil {
			return Value{}, nil, err
		}
		if sl.Stop, b, err = takeOptInt(b); err != nil {
			return Value{}, nil, err
		}
		if sl.Step, b, err = takeOptInt(b); err != nil {
			return Value{}, nil, err
		}
		return Value{Tag: TagSlice, Slice: sl}, b, nil
	case TagTuple, TagFrozenSet:
		n, rest, err := takeUint32(b)
		if err != nil {
			return Value{}, nil, err
		}
		items := make([]Value, n)
		for i := uint32(0); i < n; i++ {
			var item Value
			item, rest, err = parseValue(rest)
			if err != nil {
				return Value{}, nil, err
			}
			items[i] = item
		}
		return Value{Tag: tag, Items: items}, rest, nil
	case TagOrigin:
		id, rest, err := takeInt64(b)
		return Value{Tag: TagOrigin, OriginID: id}, rest, err
	case TagProxyKnown:
		id, rest, err := takeInt64(b)
		if err != nil {
			return Value{}, nil, err
		}
		version, rest2, err := takeUint64(rest)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Tag: TagProxyKnown, Proxy: &Descriptor{ObjectID: id}, Int: int64(version)}, rest2, nil
	case TagProxyNew:
		id, rest, err := takeInt64(b)
		if err != nil {
			return Value{}, nil, err
		}
		mask, rest, err := takeUint64(rest)
		if err != nil {
			return Value{}, nil, err
		}
		if len(rest) < 1 {
			return Value{}, nil, errors.E(op, errors.Str("truncated proxy descriptor"))
		}
		kind := Kind(rest[0])
		rest = rest[1:]
		if len(rest) < 1 {
			return Value{}, nil, errors.E(op, errors.Str("truncated proxy descriptor"))
		}
		hasArgs := rest[0] != 0
		rest = rest[1:]
		desc := &Descriptor{ObjectID: id, Mask: OperatorMask(mask), Kind: kind}
		if hasArgs {
			var args Value
			args, rest, err = parseValue(rest)
			if err != nil {
				return Value{}, nil, err
			}
			desc.Args = &args
		}
		return Value{Tag: TagProxyNew, Proxy: desc}, rest, nil
	default:
		return Value{}, nil, errors.E(op, errors.Str(fmt.Sprintf("unknown value tag %d", tag)))
	}
}

func takeOptInt(b []byte) (*int64, []byte, error) {
	if len(b) < 1 {
		return nil, nil, errors.E(errors.Op("value_parse"), errors.Str("truncated optional int"))
	}
	present := b[0] != 0
	b = b[1:]
	if !present {
		return nil, b, nil
	}
	x, rest, err := takeInt64(b)
	if err != nil {
		return nil, nil, err
	}
	return &x, rest, nil
}

func takeInt64(b []byte) (int64, []byte, error) {
	x, rest, err := takeUint64(b)
	return int64(x), rest, err
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.E(errors.Op("value_parse"), errors.Str("truncated uint32"))
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func takeUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errors.E(errors.Op("value_parse"), errors.Str("truncated uint64"))
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}
