package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncode_WireShape(t *testing.T) {
	b, err := Encode(Sync("s(\"bd sd\")", []string{"p1"}, "jam1"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"sync","code":"s(\"bd sd\")","peers":["p1"],"authorityId":"jam1"}`, string(b))

	b, err = Encode(Sync("", nil, "jam1"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"sync","authorityId":"jam1"}`, string(b))

	b, err = Encode(PeerJoined("p1"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"peerJoined","peerId":"p1"}`, string(b))

	b, err = Encode(Evaluate())
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"evaluate"}`, string(b))
}

func TestDecode_Malformed(t *testing.T) {
	frames := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"bogus"}`),
		[]byte(`{"type":"sync","code":"x"}`),
		[]byte(`{"type":"peerLeft"}`),
		[]byte(`{}`),
	}
	for _, f := range frames {
		_, err := Decode(f)
		require.Error(t, err, string(f))
		require.True(t, errors.Is(err, ErrMalformed), string(f))
	}
}

func TestDecode_Valid(t *testing.T) {
	m, err := Decode([]byte(`{"type":"sync","code":"abc","peers":["a","b"],"authorityId":"jam1"}`))
	require.NoError(t, err)
	require.Equal(t, TypeSync, m.Type)
	require.Equal(t, []string{"a", "b"}, m.Peers)
	require.False(t, m.Relayable())

	m, err = Decode([]byte(`{"type":"change","code":""}`))
	require.NoError(t, err)
	require.True(t, m.Relayable())
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, err := Encode(Message{Type: TypePeerJoined})
	require.ErrorIs(t, err, ErrMalformed)
}
