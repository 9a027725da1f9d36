package wsnet_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojam/internal/collab"
	"github.com/dropDatabas3/hellojam/internal/mesh"
	"github.com/dropDatabas3/hellojam/internal/transport"
	"github.com/dropDatabas3/hellojam/internal/transport/wsnet"
)

const waitFor = 2 * time.Second

func startBroker(t *testing.T) (*wsnet.Broker, *httptest.Server, *wsnet.Network) {
	t.Helper()
	b := wsnet.NewBroker(zap.NewNop())
	srv := httptest.NewServer(b.Routes())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return b, srv, wsnet.New(url, 2, zap.NewNop())
}

func accept(t *testing.T, ep transport.Endpoint) transport.Link {
	t.Helper()
	select {
	case l := <-ep.Accept():
		require.NotNil(t, l)
		return l
	case <-time.After(waitFor):
		t.Fatal("no incoming link")
		return nil
	}
}

func recv(t *testing.T, l transport.Link) string {
	t.Helper()
	select {
	case m, ok := <-l.Recv():
		require.True(t, ok, "link closed")
		return string(m)
	case <-time.After(waitFor):
		t.Fatal("no frame")
		return ""
	}
}

func requireClosed(t *testing.T, l transport.Link) {
	t.Helper()
	select {
	case _, ok := <-l.Recv():
		require.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("link still open")
	}
}

func TestHealthz(t *testing.T) {
	_, srv, _ := startBroker(t)
	require.NoError(t, wsnet.Healthy(context.Background(), srv.URL+"/healthz"))
}

func TestRequestID_PropagatedOrGenerated(t *testing.T) {
	_, srv, _ := startBroker(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "rid-1", resp.Header.Get("X-Request-ID"))
}

func TestOpen_BindConflictAndRelease(t *testing.T) {
	b, _, n := startBroker(t)
	ctx := context.Background()

	a, err := n.Open(ctx, "lobby")
	require.NoError(t, err)
	require.Equal(t, "lobby", a.ID())
	_, err = n.Open(ctx, "lobby")
	require.ErrorIs(t, err, transport.ErrIDTaken)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return b.Endpoints() == 0 }, waitFor, 5*time.Millisecond)

	again, err := n.Open(ctx, "lobby")
	require.NoError(t, err)
	defer again.Close()
}

func TestOpen_TransientIDs(t *testing.T) {
	_, _, n := startBroker(t)
	a, err := n.Open(context.Background(), "")
	require.NoError(t, err)
	defer a.Close()
	c, err := n.Open(context.Background(), "")
	require.NoError(t, err)
	defer c.Close()
	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), c.ID())
}

func TestOpen_BrokerDown(t *testing.T) {
	_, srv, n := startBroker(t)
	srv.Close()
	_, err := n.Open(context.Background(), "x")
	require.Error(t, err)
}

func TestDial_DataBothWaysInOrder(t *testing.T) {
	_, _, n := startBroker(t)
	ctx := context.Background()
	srv, err := n.Open(ctx, "lobby")
	require.NoError(t, err)
	defer srv.Close()
	cli, err := n.Open(ctx, "c1")
	require.NoError(t, err)
	defer cli.Close()

	l, err := cli.Dial(ctx, "lobby")
	require.NoError(t, err)
	require.Equal(t, "lobby", l.Remote())
	in := accept(t, srv)
	require.Equal(t, "c1", in.Remote())

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, l.Send([]byte(m)))
	}
	require.Equal(t, "1", recv(t, in))
	require.Equal(t, "2", recv(t, in))
	require.Equal(t, "3", recv(t, in))

	require.NoError(t, in.Send([]byte("pong")))
	require.Equal(t, "pong", recv(t, l))
}

func TestDial_FirstFrameFromAcceptorDelivered(t *testing.T) {
	_, _, n := startBroker(t)
	ctx := context.Background()
	srv, err := n.Open(ctx, "lobby")
	require.NoError(t, err)
	defer srv.Close()
	cli, err := n.Open(ctx, "c1")
	require.NoError(t, err)
	defer cli.Close()

	// El que acepta escribe apenas ve el link, como la autoridad con su sync.
	go func() {
		for in := range srv.Accept() {
			_ = in.Send([]byte("sync"))
		}
	}()
	for i := 0; i < 20; i++ {
		l, err := cli.Dial(ctx, "lobby")
		require.NoError(t, err)
		require.Equal(t, "sync", recv(t, l), "dial %d", i)
		require.NoError(t, l.Close())
	}
}

func TestDial_Unavailable(t *testing.T) {
	_, _, n := startBroker(t)
	ctx := context.Background()
	a, err := n.Open(ctx, "a")
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Dial(ctx, "nobody")
	require.ErrorIs(t, err, transport.ErrPeerUnavailable)
	_, err = a.Dial(ctx, "a")
	require.ErrorIs(t, err, transport.ErrPeerUnavailable)
}

func TestClose_Propagates(t *testing.T) {
	_, _, n := startBroker(t)
	ctx := context.Background()
	srv, _ := n.Open(ctx, "lobby")
	cli, _ := n.Open(ctx, "c1")
	defer cli.Close()

	l1, err := cli.Dial(ctx, "lobby")
	require.NoError(t, err)
	in1 := accept(t, srv)
	require.NoError(t, l1.Close())
	requireClosed(t, in1)
	require.ErrorIs(t, l1.Send([]byte("x")), transport.ErrClosed)

	l2, err := cli.Dial(ctx, "lobby")
	require.NoError(t, err)
	_ = accept(t, srv)
	require.NoError(t, srv.Close())
	requireClosed(t, l2)

	_, ok := <-srv.Accept()
	require.False(t, ok)
}

func TestMeshOverBroker(t *testing.T) {
	_, _, n := startBroker(t)
	tm := collab.Timings{
		ElectionTimeout:   300 * time.Millisecond,
		ReconnectBackoff:  50 * time.Millisecond,
		ConnectTimeout:    5 * time.Second,
		MaxElectionRounds: 5,
	}

	bufA := collab.NewBuffer("note(\"c a f e\")")
	a, err := mesh.New(mesh.Options{Network: n, Editor: bufA, Timings: tm, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Disconnect()
	require.NoError(t, a.Connect(context.Background(), "jam-ws", "alice"))
	require.Equal(t, collab.StatusSolo, a.ConnectionInfo().Status)

	bufB := collab.NewBuffer("")
	b, err := mesh.New(mesh.Options{Network: n, Editor: bufB, Timings: tm, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer b.Disconnect()
	require.NoError(t, b.Connect(context.Background(), "jam-ws", "bob"))

	require.Eventually(t, func() bool {
		return bufB.Text() == "note(\"c a f e\")" && a.ConnectionInfo().PeerCount == 1
	}, 3*time.Second, 10*time.Millisecond)

	bufB.ReplaceAll("s(\"bd sd\")")
	require.Eventually(t, func() bool { return bufA.Text() == "s(\"bd sd\")" }, 3*time.Second, 10*time.Millisecond)
}
