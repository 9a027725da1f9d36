package memnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellojam/internal/transport"
)

func TestOpen_BindConflict(t *testing.T) {
	n := New()
	ctx := context.Background()
	a, err := n.Open(ctx, "lobby")
	require.NoError(t, err)
	_, err = n.Open(ctx, "lobby")
	require.ErrorIs(t, err, transport.ErrIDTaken)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close()) // idempotente
	b, err := n.Open(ctx, "lobby")
	require.NoError(t, err)
	require.Equal(t, "lobby", b.ID())
}

func TestOpen_AssignsTransientID(t *testing.T) {
	n := New()
	a, err := n.Open(context.Background(), "")
	require.NoError(t, err)
	b, err := n.Open(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
}

func TestDial_DeliversInOrderBothWays(t *testing.T) {
	n := New()
	ctx := context.Background()
	srv, _ := n.Open(ctx, "lobby")
	cli, _ := n.Open(ctx, "c1")

	l, err := cli.Dial(ctx, "lobby")
	require.NoError(t, err)
	require.Equal(t, "lobby", l.Remote())

	var in transport.Link
	select {
	case in = <-srv.Accept():
	case <-time.After(time.Second):
		t.Fatal("no incoming link")
	}
	require.Equal(t, "c1", in.Remote())

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, l.Send([]byte(m)))
	}
	require.Equal(t, "1", string(<-in.Recv()))
	require.Equal(t, "2", string(<-in.Recv()))
	require.Equal(t, "3", string(<-in.Recv()))

	require.NoError(t, in.Send([]byte("pong")))
	require.Equal(t, "pong", string(<-l.Recv()))
}

func TestDial_Unavailable(t *testing.T) {
	n := New()
	cli, _ := n.Open(context.Background(), "c1")
	_, err := cli.Dial(context.Background(), "nobody")
	require.ErrorIs(t, err, transport.ErrPeerUnavailable)
}

func TestKill_ClosesLinksOnBothSides(t *testing.T) {
	n := New()
	ctx := context.Background()
	srv, _ := n.Open(ctx, "lobby")
	cli, _ := n.Open(ctx, "c1")
	l, err := cli.Dial(ctx, "lobby")
	require.NoError(t, err)
	<-srv.Accept()

	require.True(t, n.Kill("lobby"))
	require.False(t, n.Registered("lobby"))

	_, ok := <-l.Recv()
	require.False(t, ok, "link should be closed")
	require.ErrorIs(t, l.Send([]byte("x")), transport.ErrClosed)

	_, ok = <-srv.Accept()
	require.False(t, ok, "accept channel should be closed")
}
