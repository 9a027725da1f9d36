// Package mesh implementa el diseño de relay con autoridad elegida.
//
// Todos los peers de una sala intentan abrir un link hacia la identidad de
// rendezvous (el id de la sala). Si nadie responde dentro de la ventana de
// elección, el peer se registra él mismo con esa identidad y pasa a ser la
// autoridad: sirve syncs completos y reenvía change/evaluate al resto
// (topología estrella sobre un transporte que permitiría malla). Si la
// autoridad se cae, los followers eligen de forma determinística al menor id
// conocido como sucesor.
//
// Consistencia: change lleva el documento completo y se aplica en orden de
// llegada (last-write-wins). Dos ediciones concurrentes de followers distintos
// pueden pisarse; es una propiedad aceptada del diseño.
package mesh

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojam/internal/collab"
	"github.com/dropDatabas3/hellojam/internal/metrics"
	"github.com/dropDatabas3/hellojam/internal/observability/logger"
	"github.com/dropDatabas3/hellojam/internal/transport"
)

// Options configura una Session.
type Options struct {
	Network transport.Network
	Editor  collab.Editor
	Timings collab.Timings
	Logger  *zap.Logger
}

// Session es la PeerMeshSession. Es segura para uso concurrente; el estado
// mutable vive en el loop (runner) de la conexión activa.
type Session struct {
	net     transport.Network
	editor  collab.Editor
	timings collab.Timings
	log     *zap.Logger
	bus     *collab.Bus

	mu    sync.Mutex
	cur   *runner
	info  collab.ConnectionInfo
	peers []string
}

var _ collab.Session = (*Session)(nil)

func New(opts Options) (*Session, error) {
	if opts.Network == nil || opts.Editor == nil {
		return nil, errors.New("mesh: network and editor are required")
	}
	l := opts.Logger
	if l == nil {
		l = logger.Named("mesh")
	}
	return &Session{
		net:     opts.Network,
		editor:  opts.Editor,
		timings: opts.Timings.WithDefaults(),
		log:     l,
		bus:     collab.NewBus(),
		info:    collab.NewConnectionInfo(collab.StatusDisconnected, 0, false),
	}, nil
}

func (s *Session) Events() *collab.Bus { return s.bus }

// Connect abre una identidad transitoria y corre la elección contra roomID.
// Bloquea hasta ser autoridad o follower. username no viaja en este diseño;
// sólo se usa para logs.
func (s *Session) Connect(ctx context.Context, roomID, username string) error {
	room := collab.RoomOrDefault(roomID)
	s.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, s.timings.ConnectTimeout)
	defer cancel()

	r := newRunner(s, room, s.log.With(logger.Room(room), logger.String("user", username)))
	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()
	s.update(r, collab.NewConnectionInfo(collab.StatusConnecting, 0, false), nil)
	go r.run()

	select {
	case err := <-r.ready:
		if err != nil {
			metrics.ConnectFailures.WithLabelValues("mesh", reason(err)).Inc()
			<-r.done
			return err
		}
		return nil
	case <-r.done:
		select {
		case err := <-r.ready:
			if err != nil {
				return err
			}
		default:
		}
		return collab.ErrDisconnected
	case <-ctx.Done():
		s.stop(r)
		metrics.ConnectFailures.WithLabelValues("mesh", "timeout").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return collab.ConnectTimeoutError(room, s.timings.ConnectTimeout)
		}
		return ctx.Err()
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, collab.ErrNoRendezvous):
		return "no_rendezvous"
	case errors.Is(err, collab.ErrDisconnected):
		return "disconnected"
	default:
		return "transport"
	}
}

// Disconnect desarma la conexión activa, si la hay. Idempotente.
// Llamado desde un handler del Bus no espera el teardown: el loop termina
// apenas vuelve el handler.
func (s *Session) Disconnect() {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r != nil {
		r.stop()
		if r.emitting.Load() == 0 {
			<-r.done
		}
	}
	s.publish(collab.NewConnectionInfo(collab.StatusDisconnected, 0, false), nil)
}

// stop detiene r sólo si sigue siendo la conexión activa.
func (s *Session) stop(r *runner) {
	s.mu.Lock()
	if s.cur != r {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.mu.Unlock()
	r.stop()
	<-r.done
	s.publish(collab.NewConnectionInfo(collab.StatusDisconnected, 0, false), nil)
}

// detach lo llama el loop al terminar por su cuenta (error fatal).
func (s *Session) detach(r *runner) {
	s.mu.Lock()
	if s.cur != r {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.mu.Unlock()
	s.publish(collab.NewConnectionInfo(collab.StatusDisconnected, 0, false), nil)
}

// ConnectionInfo devuelve la última foto publicada.
func (s *Session) ConnectionInfo() collab.ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Peers lista los ids conocidos. El protocolo mesh no transporta nombres.
func (s *Session) Peers() []collab.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collab.PeerInfo, 0, len(s.peers))
	for _, id := range s.peers {
		out = append(out, collab.PeerInfo{ID: id, Name: id, Color: collab.AnonymousColor})
	}
	return out
}

// BroadcastEvaluate envía evaluate al resto de la sala.
func (s *Session) BroadcastEvaluate() {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r != nil {
		r.post(localEvaluate{})
	}
}

// update publica sólo si r sigue activo.
func (s *Session) update(r *runner, info collab.ConnectionInfo, peers []string) {
	s.mu.Lock()
	active := s.cur == r
	s.mu.Unlock()
	if active {
		r.emitting.Add(1)
		defer r.emitting.Add(-1)
		s.publish(info, peers)
	}
}

func (s *Session) publish(info collab.ConnectionInfo, peers []string) {
	s.mu.Lock()
	prev := s.info
	s.info = info
	s.peers = peers
	s.mu.Unlock()

	if prev.Status != info.Status || prev.IsAuthority != info.IsAuthority {
		s.bus.PublishStatus(info)
	}
	if prev.PeerCount != info.PeerCount {
		s.bus.PublishPeerCount(info.PeerCount)
	}
}
