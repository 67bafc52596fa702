package message_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roadrunner-server/pushgate/message"
)

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := message.NewFramer(&buf, &buf)

	want := &message.Message{
		Kind:    message.KindCall,
		Source:  7,
		Target:  -3,
		Payload: []byte("hello"),
	}
	require.NoError(t, f.Send(want))

	got, err := f.Receive()
	require.NoError(t, err)
	require.Equal(t, want.Kind, got.Kind)
	require.Equal(t, want.Source, got.Source)
	require.Equal(t, want.Target, got.Target)
	require.Equal(t, want.Payload, got.Payload)
}

func TestFramerEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	f := message.NewFramer(&buf, &buf)

	require.NoError(t, f.Send(&message.Message{Kind: message.KindGetStr, Source: 1, Target: 2}))

	got, err := f.Receive()
	require.NoError(t, err)
	require.Empty(t, got.Payload)
}

func TestKindClassification(t *testing.T) {
	require.True(t, message.KindResponse.IsResponse())
	require.True(t, message.KindException.IsResponse())
	require.False(t, message.KindCall.IsResponse())

	require.True(t, message.KindOpAdd.IsOperator())
	require.False(t, message.KindCall.IsOperator())
	require.False(t, message.KindDelete.IsOperator())
}

func TestReceiveTruncatedHeaderErrors(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1, 2, 3})
	f := message.NewFramer(buf, &bytes.Buffer{})
	_, err := f.Receive()
	require.Error(t, err)
}
