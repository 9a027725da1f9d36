package collab

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayStatus(t *testing.T) {
	cases := []struct {
		raw   Status
		peers int
		want  Status
	}{
		{StatusConnected, 0, StatusSolo},
		{StatusConnected, 1, StatusConnected},
		{StatusConnected, -1, StatusSolo},
		{StatusConnecting, 0, StatusConnecting},
		{StatusDisconnected, 0, StatusDisconnected},
		{StatusDisconnected, 3, StatusDisconnected},
		{StatusSolo, 2, StatusSolo},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DisplayStatus(c.raw, c.peers), "raw=%s peers=%d", c.raw, c.peers)
	}
}

func TestNewConnectionInfo_ClampsPeerCount(t *testing.T) {
	info := NewConnectionInfo(StatusConnected, -1, false)
	require.Equal(t, 0, info.PeerCount)
	require.Equal(t, StatusSolo, info.Status)
	require.True(t, info.Connected())

	info = NewConnectionInfo(StatusDisconnected, 0, false)
	require.False(t, info.Connected())
}

func TestStatus_JSONAndParse(t *testing.T) {
	b, err := json.Marshal(NewConnectionInfo(StatusConnected, 2, true))
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"connected","peerCount":2,"isAuthority":true}`, string(b))

	for _, s := range []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusSolo} {
		require.Equal(t, s, ParseStatus(s.String()))
	}
	require.Equal(t, StatusDisconnected, ParseStatus("bogus"))
}

func TestBus_SubscribeUnsubscribe(t *testing.T) {
	b := NewBus()
	var statuses []Status
	var counts []int
	var evals []EvaluateEvent

	unS := b.OnStatusChange(func(i ConnectionInfo) { statuses = append(statuses, i.Status) })
	b.OnPeerCountChange(func(n int) { counts = append(counts, n) })
	b.OnEvaluate(func(e EvaluateEvent) { evals = append(evals, e) })

	b.PublishStatus(NewConnectionInfo(StatusConnected, 0, true))
	b.PublishPeerCount(3)
	b.PublishEvaluate(EvaluateEvent{From: "b"})
	unS()
	b.PublishStatus(NewConnectionInfo(StatusDisconnected, 0, false))

	require.Equal(t, []Status{StatusSolo}, statuses)
	require.Equal(t, []int{3}, counts)
	require.Equal(t, []EvaluateEvent{{From: "b"}}, evals)
}

func TestBuffer_NotifiesOnChange(t *testing.T) {
	buf := NewBuffer("a")
	var seen []string
	un := buf.OnLocalChange(func(s string) { seen = append(seen, s) })
	buf.Append("b")
	buf.ReplaceAll("ab") // sin cambio: no notifica
	buf.ReplaceAll("xyz")
	un()
	buf.Append("!")
	require.Equal(t, []string{"ab", "xyz"}, seen)
	require.Equal(t, "xyz!", buf.Text())
}

func TestUsernameOrRandom(t *testing.T) {
	require.Equal(t, "alice", UsernameOrRandom("  alice "))
	u := UsernameOrRandom("")
	require.True(t, strings.HasPrefix(u, "peer-"))
	require.Len(t, u, len("peer-")+9)
}

func TestTimings_WithDefaults(t *testing.T) {
	got := Timings{ElectionTimeout: 5}.WithDefaults()
	d := DefaultTimings()
	require.EqualValues(t, 5, got.ElectionTimeout)
	require.Equal(t, d.ReconnectBackoff, got.ReconnectBackoff)
	require.Equal(t, d.ConnectTimeout, got.ConnectTimeout)
	require.Equal(t, d.MaxElectionRounds, got.MaxElectionRounds)
	require.Equal(t, DefaultLobbyID, RoomOrDefault(""))
	require.Equal(t, "jam1", RoomOrDefault("jam1"))
}
