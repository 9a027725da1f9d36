package crdt

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojam/internal/collab"
	"github.com/dropDatabas3/hellojam/internal/metrics"
	"github.com/dropDatabas3/hellojam/internal/observability/logger"
)

// Options configura una Session.
type Options struct {
	Backend Backend
	Editor  collab.Editor
	Timings collab.Timings
	Logger  *zap.Logger
	// Clock se usa para tickets y timestamps de evaluate. Default time.Now.
	Clock func() time.Time
}

// Session es la CRDTSession. No hay autoridad: IsAuthority siempre es false.
type Session struct {
	backend Backend
	editor  collab.Editor
	timings collab.Timings
	log     *zap.Logger
	clock   func() time.Time
	bus     *collab.Bus

	mu    sync.Mutex
	cur   *conn
	info  collab.ConnectionInfo
	peers []collab.PeerInfo
}

var _ collab.Session = (*Session)(nil)

func New(opts Options) (*Session, error) {
	if opts.Backend == nil || opts.Editor == nil {
		return nil, ErrNoBackend
	}
	l := opts.Logger
	if l == nil {
		l = logger.Named("crdt")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Session{
		backend: opts.Backend,
		editor:  opts.Editor,
		timings: opts.Timings.WithDefaults(),
		log:     l,
		clock:   clock,
		bus:     collab.NewBus(),
		info:    collab.NewConnectionInfo(collab.StatusDisconnected, 0, false),
	}, nil
}

func (s *Session) Events() *collab.Bus { return s.bus }

// Connect entra a la sala, registra el ticket y la presencia local, y
// bloquea hasta resolver el sync inicial. Ante timeout desarma todo antes
// de devolver el error.
func (s *Session) Connect(ctx context.Context, roomID, username string) error {
	room := collab.RoomOrDefault(roomID)
	s.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, s.timings.ConnectTimeout)
	defer cancel()

	c := newConn(s, room, collab.UsernameOrRandom(username))
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
	s.update(c, collab.NewConnectionInfo(collab.StatusConnecting, 0, false), nil)
	go c.run(ctx)

	timedOut := func() error {
		metrics.ConnectFailures.WithLabelValues("crdt", "timeout").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return collab.ConnectTimeoutError(room, s.timings.ConnectTimeout)
		}
		return ctx.Err()
	}

	select {
	case err := <-c.ready:
		if err == nil {
			return nil
		}
		<-c.done
		if ctx.Err() != nil {
			return timedOut()
		}
		metrics.ConnectFailures.WithLabelValues("crdt", "backend").Inc()
		return err
	case <-c.done:
		select {
		case err := <-c.ready:
			if err != nil {
				return err
			}
		default:
		}
		return collab.ErrDisconnected
	case <-ctx.Done():
		s.stop(c)
		return timedOut()
	}
}

// Disconnect suelta el editor, sale de la sala y vuelve a disconnected. Idempotente.
// Desde un handler del Bus no espera el teardown, que corre al volver el handler.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.cur
	s.cur = nil
	s.mu.Unlock()
	if c != nil {
		c.stop()
		if c.emitting.Load() == 0 {
			<-c.done
		}
	}
	s.publish(collab.NewConnectionInfo(collab.StatusDisconnected, 0, false), nil)
}

func (s *Session) stop(c *conn) {
	s.mu.Lock()
	if s.cur != c {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.mu.Unlock()
	c.stop()
	<-c.done
	s.publish(collab.NewConnectionInfo(collab.StatusDisconnected, 0, false), nil)
}

func (s *Session) detach(c *conn) {
	s.mu.Lock()
	if s.cur != c {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.mu.Unlock()
	s.publish(collab.NewConnectionInfo(collab.StatusDisconnected, 0, false), nil)
}

func (s *Session) ConnectionInfo() collab.ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Peers lista los peers remotos según la presencia, ordenados por id.
func (s *Session) Peers() []collab.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collab.PeerInfo, len(s.peers))
	copy(out, s.peers)
	return out
}

// BroadcastEvaluate escribe un timestamp nuevo en la presencia local.
func (s *Session) BroadcastEvaluate() {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c != nil {
		c.post(evaluateRequest{})
	}
}

func (s *Session) update(c *conn, info collab.ConnectionInfo, peers []collab.PeerInfo) {
	s.mu.Lock()
	active := s.cur == c
	s.mu.Unlock()
	if active {
		c.emitting.Add(1)
		defer c.emitting.Add(-1)
		s.publish(info, peers)
	}
}

func (s *Session) publish(info collab.ConnectionInfo, peers []collab.PeerInfo) {
	s.mu.Lock()
	prev := s.info
	s.info = info
	s.peers = peers
	s.mu.Unlock()

	if prev.Status != info.Status {
		s.bus.PublishStatus(info)
	}
	if prev.PeerCount != info.PeerCount {
		s.bus.PublishPeerCount(info.PeerCount)
	}
}

// peerList arma la lista de la UI desde los estados de presencia.
func peerList(self string, states map[string]PresenceState) []collab.PeerInfo {
	out := make([]collab.PeerInfo, 0, len(states))
	for id, st := range states {
		if id == self {
			continue
		}
		p := collab.PeerInfo{ID: id, Name: collab.AnonymousName, Color: collab.AnonymousColor}
		if st.User != nil {
			if st.User.Name != "" {
				p.Name = st.User.Name
			}
			if st.User.Color != "" {
				p.Color = st.User.Color
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
