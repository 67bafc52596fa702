package value_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/roadrunner-server/pushgate/objtable"
	"github.com/roadrunner-server/pushgate/value"
)

type stubClassifier struct{}

func (stubClassifier) Classify(obj any) (value.Kind, value.OperatorMask, *value.Value) {
	return value.KindGeneric, 0, nil
}

type stubBuilder struct{ built []*value.Descriptor }

func (b *stubBuilder) Build(desc *value.Descriptor) any {
	b.built = append(b.built, desc)
	return &stubHandle{id: desc.ObjectID}
}

type stubHandle struct{ id int64 }

func (h *stubHandle) RemoteObjectID() int64 { return h.id }

func newCodec() (*value.Codec, *stubBuilder) {
	b := &stubBuilder{}
	c := value.NewCodec(objtable.New(), stubClassifier{}, b)
	return c, b
}

func TestEncodeDecodePrimitives(t *testing.T) {
	c, _ := newCodec()

	cases := []any{nil, true, false, int64(42), -7, 3.5, "hello", []byte("bytes")}
	for _, in := range cases {
		payload, err := c.Encode(in)
		require.NoError(t, err)
		out, err := c.Decode(payload)
		require.NoError(t, err)
		if !cmp.Equal(in, out) {
			// int gets widened to int64 across the wire; compare loosely.
			if n, ok := in.(int); ok {
				require.EqualValues(t, n, out)
				continue
			}
			t.Fatalf("round trip mismatch: in=%#v out=%#v", in, out)
		}
	}
}

func TestEncodeDecodeTuple(t *testing.T) {
	c, _ := newCodec()

	in := value.Tuple{int64(1), "two", value.Tuple{int64(3), false}}
	payload, err := c.Encode(in)
	require.NoError(t, err)

	out, err := c.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEncodeNewLocalObjectAllocatesID(t *testing.T) {
	c, _ := newCodec()
	obj := &struct{ N int }{N: 1}

	payload, err := c.Encode(obj)
	require.NoError(t, err)

	out, err := c.Decode(payload)
	require.NoError(t, err)
	h, ok := out.(*stubHandle)
	require.True(t, ok)
	require.Equal(t, int64(1), h.id)
}

func TestEncodeKnownLocalObjectReusesID(t *testing.T) {
	c, _ := newCodec()
	obj := &struct{ N int }{N: 1}

	first, err := c.Encode(obj)
	require.NoError(t, err)
	second, err := c.Encode(obj)
	require.NoError(t, err)

	require.Equal(t, value.TagProxyNew, value.Tag(first[0]))
	require.Equal(t, value.TagProxyKnown, value.Tag(second[0]))
}

func TestDecodeOrigin(t *testing.T) {
	tbl := objtable.New()
	c := value.NewCodec(tbl, stubClassifier{}, &stubBuilder{})

	obj := &struct{ N int }{N: 9}
	entry := tbl.NewLocal(obj, 0, 0, nil)

	payload := []byte{byte(value.TagOrigin), 0, 0, 0, 0, 0, 0, 0, byte(entry.ID)}
	out, err := c.Decode(payload)
	require.NoError(t, err)
	require.Same(t, obj, out)
}

func TestDecodeUnknownOriginErrors(t *testing.T) {
	c, _ := newCodec()
	payload := []byte{byte(value.TagOrigin), 0, 0, 0, 0, 0, 0, 0, 77}
	_, err := c.Decode(payload)
	require.Error(t, err)
}
