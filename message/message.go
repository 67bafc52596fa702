// Package message implements the Framer: the wire-level frame format
// shared by both peers of a pushgate connection, and nothing more. It has
// no notion of requests, responses, or nested calls — that is the
// Multiplexer's job (package rpc).
package message

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/roadrunner-server/errors"
)

// Kind identifies the purpose of a Message. The first nine values carry
// no operator semantics; values from FirstOperator onward are operators,
// whose bit in a proxy descriptor's OperatorMask says whether the peer's
// object supports them. The mask travels on the wire; proxy handles do
// not consult it before sending an operator request.
type Kind uint8

const (
	KindResponse Kind = iota
	KindException
	KindDelete
	KindEvaluate
	KindGetAttr
	KindSetAttr
	KindGetStr
	KindGetRepr
	KindCall

	// Operators. Bit position in a value.OperatorMask equals int(Kind).
	KindOpLt
	KindOpLe
	KindOpEq
	KindOpNe
	KindOpGt
	KindOpGe
	KindOpHash
	KindOpLen
	KindOpGetItem
	KindOpSetItem
	KindOpDelItem
	KindOpIter
	KindOpContains
	KindOpAdd
	KindOpSub
	KindOpMul
	KindOpDiv
	KindOpFloorDiv
	KindOpMod
	KindOpPow
	KindOpLShift
	KindOpRShift
	KindOpAnd
	KindOpXor
	KindOpOr
	KindOpIAdd
	KindOpISub
	KindOpIMul
	KindOpIDiv
	KindOpNeg
	KindOpPos
	KindOpAbs
	KindOpInvert
	KindOpEnter
	KindOpExit

	kindCount
)

// FirstOperator is the first Kind that represents an operator, for
// OperatorMask indexing and validation.
const FirstOperator = KindOpLt

// KindCount is the number of distinct message kinds this runtime knows
// about; OperatorMask is sized against it.
const KindCount = int(kindCount)

var kindNames = [...]string{
	"response", "exception", "delete", "evaluate", "getattr", "setattr",
	"getstr", "getrepr", "call",
	"op_lt", "op_le", "op_eq", "op_ne", "op_gt", "op_ge", "op_hash",
	"op_len", "op_getitem", "op_setitem", "op_delitem", "op_iter",
	"op_contains", "op_add", "op_sub", "op_mul", "op_div", "op_floordiv",
	"op_mod", "op_pow", "op_lshift", "op_rshift", "op_and", "op_xor",
	"op_or", "op_iadd", "op_isub", "op_imul", "op_idiv", "op_neg",
	"op_pos", "op_abs", "op_invert", "op_enter", "op_exit",
}

// IsOperator reports whether k represents an Operator(op) dispatch row
// rather than one of the fixed message kinds.
func (k Kind) IsOperator() bool {
	return k >= FirstOperator && int(k) < KindCount
}

// IsResponse reports whether k is a kind that may be received in answer
// to an outstanding request (Response or Exception).
func (k Kind) IsResponse() bool {
	return k == KindResponse || k == KindException
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is one frame of the wire protocol: a typed, sourced, targeted,
// length-prefixed unit of opaque payload bytes produced by the value
// codec.
type Message struct {
	Kind    Kind
	Source  int64
	Target  int64
	Payload []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(%s, %d->%d, %d bytes)",
		m.Kind, m.Source, m.Target, len(m.Payload))
}

// headerSize is len(kind) + len(source) + len(target) + len(length).
const headerSize = 1 + 8 + 8 + 4

// Framer packs and unpacks Messages over a paired byte-stream. Send and
// Receive each hold their own mutex so a frame is written, or read,
// atomically; the Framer itself knows nothing about requests or
// responses.
type Framer struct {
	r      io.Reader
	w      io.Writer
	rmu    sync.Mutex
	wmu    sync.Mutex
	rheads [headerSize]byte
}

// NewFramer builds a Framer over the given reader/writer halves of a
// transport.Pair.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: r, w: w}
}

// Send writes m as a single frame. Concurrent calls to Send are safe;
// each frame is written atomically with respect to other Sends.
func (f *Framer) Send(m *Message) error {
	const op = errors.Op("message_send")

	var header [headerSize]byte
	header[0] = byte(m.Kind)
	binary.BigEndian.PutUint64(header[1:9], uint64(m.Source))
	binary.BigEndian.PutUint64(header[9:17], uint64(m.Target))
	binary.BigEndian.PutUint32(header[17:21], uint32(len(m.Payload)))

	f.wmu.Lock()
	defer f.wmu.Unlock()

	if _, err := f.w.Write(header[:]); err != nil {
		return errors.E(op, errors.Str("transport write failed"), err)
	}
	if len(m.Payload) > 0 {
		if _, err := f.w.Write(m.Payload); err != nil {
			return errors.E(op, errors.Str("transport write failed"), err)
		}
	}
	return nil
}

// Receive reads and reassembles the next frame. A short read is retried
// internally via io.ReadFull; an end-of-stream mid-frame is a fatal I/O
// error, surfaced to the Multiplexer so it can close the connection.
func (f *Framer) Receive() (*Message, error) {
	const op = errors.Op("message_receive")

	f.rmu.Lock()
	defer f.rmu.Unlock()

	var header [headerSize]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return nil, errors.E(op, errors.Str("transport read failed"), err)
	}

	kind := Kind(header[0])
	source := int64(binary.BigEndian.Uint64(header[1:9]))
	target := int64(binary.BigEndian.Uint64(header[9:17]))
	length := binary.BigEndian.Uint32(header[17:21])

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return nil, errors.E(op, errors.Str("transport read failed"), err)
		}
	}

	return &Message{Kind: kind, Source: source, Target: target, Payload: payload}, nil
}
