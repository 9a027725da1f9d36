package redisroom

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojam/internal/collab"
	"github.com/dropDatabas3/hellojam/internal/crdt"
)

func TestDiffPresence(t *testing.T) {
	prev := map[string]crdt.PresenceState{
		"a": {User: &crdt.UserState{Name: "alice", Color: "#30bced"}},
		"b": {Evaluate: 1},
		"c": {},
	}
	next := map[string]crdt.PresenceState{
		"a": {User: &crdt.UserState{Name: "alice", Color: "#30bced"}},
		"b": {Evaluate: 2},
		"d": {},
	}
	ch := diffPresence(prev, next)
	assert.Equal(t, []string{"d"}, ch.Added)
	assert.Equal(t, []string{"b"}, ch.Updated)
	assert.Equal(t, []string{"c"}, ch.Removed)

	assert.True(t, diffPresence(next, next).Empty())
}

func TestSamePresence(t *testing.T) {
	u := &crdt.UserState{Name: "x"}
	assert.True(t, samePresence(crdt.PresenceState{User: u}, crdt.PresenceState{User: &crdt.UserState{Name: "x"}}))
	assert.False(t, samePresence(crdt.PresenceState{User: u}, crdt.PresenceState{}))
	assert.False(t, samePresence(crdt.PresenceState{Evaluate: 1}, crdt.PresenceState{Evaluate: 2}))
}

func TestKeyPrefix(t *testing.T) {
	b := &Backend{prefix: "hj"}
	assert.Equal(t, "hj:room:jam1:doc", b.key("room", "jam1", "doc"))
	b.prefix = ""
	assert.Equal(t, "room:jam1:doc", b.key("room", "jam1", "doc"))
}

// Requiere un Redis real: HELLOJAM_TEST_REDIS_ADDR=localhost:6379.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	addr := os.Getenv("HELLOJAM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HELLOJAM_TEST_REDIS_ADDR not set")
	}
	b, err := New(Config{Addr: addr, Prefix: "hjtest-" + uuid.NewString(), PresenceTTL: 3 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisRoom_SharedState(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	a, err := b.Join(ctx, "jam1", "a")
	require.NoError(t, err)
	defer a.Close()
	c, err := b.Join(ctx, "jam1", "c")
	require.NoError(t, err)
	defer c.Close()
	<-a.Synced()

	origins := make(chan string, 4)
	c.Doc().OnChange(func(o string) { origins <- o })

	require.NoError(t, a.Doc().Insert(0, "note(\"c\")"))
	require.NoError(t, a.Doc().Delete(0, 4))
	require.Equal(t, "(\"c\")", c.Doc().Text())
	require.ErrorIs(t, a.Doc().Insert(50, "x"), crdt.ErrOutOfRange)

	select {
	case o := <-origins:
		require.Equal(t, "a", o)
	case <-time.After(2 * time.Second):
		t.Fatal("no doc notice")
	}

	ok, err := a.Meta().PutIfAbsent("ticket_a", []byte(`{"id":"a","timestamp":1}`))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.Meta().PutIfAbsent("ticket_a", []byte(`{}`))
	require.NoError(t, err)
	require.False(t, ok)
	got, err := c.Meta().Scan(crdt.TicketPrefix)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, a.Presence().SetLocal(crdt.PresenceState{Evaluate: 9}))
	require.Eventually(t, func() bool {
		st, ok := c.Presence().States()["a"]
		return ok && st.Evaluate == 9
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		_, ok := c.Presence().States()["a"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisRoom_LastLeaveDropsDocAndTickets(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	p, err := b.Join(ctx, "jam1", "p")
	require.NoError(t, err)
	_, err = p.Meta().PutIfAbsent("ticket_p", []byte(`{"id":"p","timestamp":100}`))
	require.NoError(t, err)
	require.NoError(t, p.Presence().SetLocal(crdt.PresenceState{}))
	require.NoError(t, p.Doc().Insert(0, "stale"))
	require.NoError(t, p.Close())

	q, err := b.Join(ctx, "jam1", "q")
	require.NoError(t, err)
	defer q.Close()
	got, err := q.Meta().Scan(crdt.TicketPrefix)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Empty(t, q.Doc().Text())
}

func TestRedisRoom_LaterPeerSeedsAfterEmptyWinnerLeft(t *testing.T) {
	b := newTestBackend(t)
	timings := collab.Timings{ConnectTimeout: 3 * time.Second}
	join := func(text string, ts int64) (*crdt.Session, *collab.Buffer) {
		buf := collab.NewBuffer(text)
		s, err := crdt.New(crdt.Options{
			Backend: b,
			Editor:  buf,
			Timings: timings,
			Logger:  zap.NewNop(),
			Clock:   func() time.Time { return time.UnixMilli(ts) },
		})
		require.NoError(t, err)
		t.Cleanup(s.Disconnect)
		require.NoError(t, s.Connect(context.Background(), "jam1", ""))
		return s, buf
	}

	p, _ := join("", 100)
	p.Disconnect()

	_, buf := join("s(\"bd\")", 200)
	require.Equal(t, "s(\"bd\")", buf.Text())

	r, err := b.Join(context.Background(), "jam1", "reader")
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, "s(\"bd\")", r.Doc().Text())
}
