package proxy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roadrunner-server/pushgate/proxy"
	"github.com/roadrunner-server/pushgate/value"
)

type stubCaller struct {
	reclaimed []int64
	getAttr   func(int64, string) (any, error)
}

func (s *stubCaller) GetAttr(id int64, name string) (any, error) {
	if s.getAttr != nil {
		return s.getAttr(id, name)
	}
	return nil, nil
}
func (s *stubCaller) SetAttr(int64, string, any) error { return nil }
func (s *stubCaller) Call(int64, value.Tuple, map[string]any) (any, error) {
	return nil, nil
}
func (s *stubCaller) Operator(int64, int, value.Tuple) (any, error) { return nil, nil }
func (s *stubCaller) GetStr(int64) (string, error)                  { return "", nil }
func (s *stubCaller) GetRepr(int64) (string, error)                 { return "", nil }
func (s *stubCaller) Reclaim(id int64)                              { s.reclaimed = append(s.reclaimed, id) }

func TestHandleCloseReclaimsAtZeroRefcount(t *testing.T) {
	c := &stubCaller{}
	h := proxy.NewHandle(c, 42, value.KindGeneric)
	h.Retain()

	require.NoError(t, h.Close())
	require.Empty(t, c.reclaimed)

	require.NoError(t, h.Close())
	require.Equal(t, []int64{42}, c.reclaimed)

	// idempotent
	require.NoError(t, h.Close())
	require.Equal(t, []int64{42}, c.reclaimed)
}

func TestRemoteObjectIDImplementsRemoteRef(t *testing.T) {
	h := proxy.NewHandle(&stubCaller{}, 7, value.KindGeneric)
	var ref value.RemoteRef = h
	require.Equal(t, int64(7), ref.RemoteObjectID())
}

func TestBuilderDispatchesByKind(t *testing.T) {
	b := proxy.Builder{Conn: &stubCaller{}}

	dict := b.Build(&value.Descriptor{ObjectID: 1, Kind: value.KindDict})
	_, ok := dict.(proxy.Dict)
	require.True(t, ok)

	list := b.Build(&value.Descriptor{ObjectID: 2, Kind: value.KindList})
	_, ok = list.(proxy.List)
	require.True(t, ok)

	exc := b.Build(&value.Descriptor{
		ObjectID: 3,
		Kind:     value.KindException,
		Args: &value.Value{Tag: value.TagTuple, Items: []value.Value{
			{Tag: value.TagString, Str: "ValueError"},
			{Tag: value.TagString, Str: "bad value"},
		}},
	})
	re, ok := exc.(*proxy.RemoteError)
	require.True(t, ok)
	require.Equal(t, "ValueError", re.Class)
	require.Equal(t, "ValueError: bad value", re.Error())
}

func TestDefaultClassifierCachesByType(t *testing.T) {
	c := proxy.NewDefaultClassifier()

	kind1, mask1, _ := c.Classify(map[string]any{})
	require.Equal(t, value.KindDict, kind1)
	require.True(t, mask1 != 0)

	kind2, mask2, _ := c.Classify(map[string]any{"a": 1})
	require.Equal(t, kind1, kind2)
	require.Equal(t, mask1, mask2)
}

func TestDefaultClassifierException(t *testing.T) {
	c := proxy.NewDefaultClassifier()
	kind, _, args := c.Classify(stubErr{})
	require.Equal(t, value.KindException, kind)
	require.NotNil(t, args)
	require.Equal(t, "stubErr", args.Items[0].Str)
}

type stubErr struct{}

func (stubErr) Error() string { return "boom" }
