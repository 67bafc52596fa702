package grpcstream

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRawCodecRoundTrips(t *testing.T) {
	c := rawCodec{}
	require.Equal(t, codecName, c.Name())

	in := &rawFrame{data: []byte("hello pushgate")}
	wire, err := c.Marshal(in)
	require.NoError(t, err)

	out := &rawFrame{}
	require.NoError(t, c.Unmarshal(wire, out))
	require.Equal(t, in.data, out.data)
}

func TestRawCodecRejectsWrongType(t *testing.T) {
	c := rawCodec{}
	_, err := c.Marshal("not a rawFrame")
	require.Error(t, err)

	err = c.Unmarshal([]byte("x"), "not a rawFrame")
	require.Error(t, err)
}

func TestWrapErrorPassesThroughPlainErrors(t *testing.T) {
	require.NoError(t, wrapError(nil))

	plain := errors.New("boom")
	require.Equal(t, plain, wrapError(plain))
}

func TestWrapErrorMapsClosedStream(t *testing.T) {
	err := wrapError(status.Error(codes.Unavailable, "peer hung up"))
	require.Error(t, err)
	require.ErrorIs(t, err, io.ErrClosedPipe)
}
