package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojam/internal/collab"
	"github.com/dropDatabas3/hellojam/internal/collab/protocol"
	"github.com/dropDatabas3/hellojam/internal/metrics"
	"github.com/dropDatabas3/hellojam/internal/observability/logger"
	"github.com/dropDatabas3/hellojam/internal/transport"
)

// Eventos del loop. Todo lo que muta estado entra por acá.
type (
	event interface{}

	dialResult struct {
		round int
		link  transport.Link
		err   error
	}
	electionTimeout struct{ gen uint64 }
	reconnectDue    struct{ gen uint64 }
	linkOpened      struct {
		ep   transport.Endpoint
		link transport.Link
	}
	frame struct {
		link transport.Link
		data []byte
	}
	linkClosed    struct{ link transport.Link }
	endpointLost  struct{ ep transport.Endpoint }
	localChange   struct{ text string }
	localEvaluate struct{}
)

// runner es una conexión: desde Connect hasta Disconnect o error fatal.
// Todos sus campos (salvo los canales y applying) los toca sólo run().
type runner struct {
	s    *Session
	room string
	base *zap.Logger // sin la identidad, que cambia con cada endpoint
	log  *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan event
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	ready    chan error
	signaled bool
	fatal    error

	state    State
	ep       transport.Endpoint
	reg      *Registry
	links    map[string]transport.Link // autoridad: followers por id
	upstream transport.Link            // follower: link a la autoridad

	round      int
	timer      *time.Timer
	timerGen   uint64
	dialCancel context.CancelFunc

	// applying es la guarda de re-entrada: true mientras se aplica un cambio remoto.
	applying    atomic.Bool
	unsubEditor func()
	// emitting cuenta las publicaciones al Bus en curso. Mientras es > 0 un
	// Disconnect no espera done: puede venir de un handler corriendo en el loop.
	emitting atomic.Int32
}

func newRunner(s *Session, room string, log *zap.Logger) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &runner{
		s:      s,
		room:   room,
		base:   log,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan event, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ready:  make(chan error, 1),
		links:  make(map[string]transport.Link),
	}
}

func (r *runner) stop() {
	r.quitOnce.Do(func() {
		close(r.quit)
		r.cancel()
	})
}

// post encola ev para el loop; no bloquea si el loop ya terminó.
func (r *runner) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.quit:
	}
}

func (r *runner) run() {
	defer close(r.done)
	defer r.teardown()
	// Un fatal también cierra quit: los post tardíos no quedan colgados.
	defer r.stop()

	if err := r.start(); err != nil {
		r.fail(err)
		return
	}
	if r.fatal != nil {
		return
	}
	for {
		select {
		case <-r.quit:
			return
		case ev := <-r.events:
			r.handle(ev)
			if r.fatal != nil {
				return
			}
			select {
			case <-r.quit:
				return
			default:
			}
		}
	}
}

func (r *runner) start() error {
	ep, err := r.s.net.Open(r.ctx, "")
	if err != nil {
		return fmt.Errorf("mesh: open transient identity: %w", err)
	}
	r.ep = ep
	r.reg = NewRegistry(ep.ID())
	r.log = r.base.With(logger.PeerID(ep.ID()))
	r.unsubEditor = r.s.editor.OnLocalChange(r.onEditorChange)
	r.log.Debug("transient identity opened")
	r.startElection()
	return nil
}

func (r *runner) teardown() {
	r.disarm()
	r.cancelDial()
	if r.unsubEditor != nil {
		r.unsubEditor()
	}
	// Primero la identidad: así el sucesor puede registrarla apenas vea caer su link.
	if r.ep != nil {
		_ = r.ep.Close()
	}
	for _, l := range r.links {
		_ = l.Close()
	}
	r.links = map[string]transport.Link{}
	if r.upstream != nil {
		_ = r.upstream.Close()
		r.upstream = nil
	}
	if r.reg != nil {
		r.reg.Reset("")
	}
	r.state = StateDisconnected
	r.cancel()
	r.s.detach(r)
	r.log.Debug("session torn down")
}

// fail termina la conexión con err.
func (r *runner) fail(err error) {
	r.fatal = err
	r.log.Warn("session failed", logger.Err(err))
	r.signal(err)
}

func (r *runner) signal(err error) {
	if r.signaled {
		return
	}
	r.signaled = true
	r.ready <- err
}

func (r *runner) handle(ev event) {
	switch e := ev.(type) {
	case dialResult:
		r.onDialResult(e)
	case electionTimeout:
		if e.gen == r.timerGen && r.state == StateElecting {
			r.log.Debug("election window elapsed", logger.Round(r.round))
			r.promote()
		}
	case reconnectDue:
		if e.gen == r.timerGen && r.state == StateReconnecting {
			r.round = 0
			r.startElection()
		}
	case linkOpened:
		r.onLinkOpened(e)
	case frame:
		r.onFrame(e.link, e.data)
	case linkClosed:
		r.onLinkClosed(e.link)
	case endpointLost:
		r.onEndpointLost(e.ep)
	case localChange:
		r.onLocalChange(e.text)
	case localEvaluate:
		r.onLocalEvaluate()
	}
}

// transition aplica la tabla del FSM. Una transición inválida se loguea y se ignora.
func (r *runner) transition(to State) bool {
	if !CanTransition(r.state, to) {
		r.log.Error("rejected transition", logger.Err(transitionError{from: r.state, to: to}))
		return false
	}
	r.log.Debug("transition", logger.State(r.state.String()), logger.String("to", to.String()))
	r.state = to
	r.publish()
	return true
}

func (r *runner) publish() {
	info := collab.NewConnectionInfo(r.state.RawStatus(), r.reg.Count(), r.reg.IsAuthority())
	r.s.update(r, info, r.reg.Peers())
}

// ─── Timers ───

func (r *runner) arm(d time.Duration, mk func(gen uint64) event) {
	r.disarm()
	gen := r.timerGen
	r.timer = time.AfterFunc(d, func() { r.post(mk(gen)) })
}

// disarm cancela el timer vigente e invalida cualquier evento ya encolado.
func (r *runner) disarm() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

func (r *runner) cancelDial() {
	if r.dialCancel != nil {
		r.dialCancel()
		r.dialCancel = nil
	}
}

// ─── Elección ───

// startElection intenta abrir un link al rendezvous con la ventana de elección armada.
func (r *runner) startElection() {
	if !r.transition(StateElecting) {
		return
	}
	r.round++
	if r.round > r.s.timings.MaxElectionRounds {
		metrics.Elections.WithLabelValues("exhausted").Inc()
		r.fail(fmt.Errorf("%w %q after %d election rounds", collab.ErrNoRendezvous, r.room, r.round-1))
		return
	}
	r.arm(r.s.timings.ElectionTimeout, func(gen uint64) event { return electionTimeout{gen: gen} })

	r.cancelDial()
	dctx, cancel := context.WithTimeout(r.ctx, r.s.timings.ElectionTimeout)
	r.dialCancel = cancel
	ep, round := r.ep, r.round
	go func() {
		l, err := ep.Dial(dctx, r.room)
		r.post(dialResult{round: round, link: l, err: err})
	}()
	r.log.Debug("election started", logger.Round(round))
}

func (r *runner) onDialResult(e dialResult) {
	if e.round != r.round || r.state != StateElecting {
		if e.link != nil {
			_ = e.link.Close()
		}
		return
	}
	if e.err != nil {
		// Nadie escucha en el rendezvous: equivale a vencer la ventana.
		r.log.Debug("rendezvous dial failed", logger.Err(e.err))
		r.promote()
		return
	}
	r.becomeFollower(e.link)
}

// promote registra la identidad de rendezvous. Si otro peer ganó el bind,
// vuelve a elegir como follower.
func (r *runner) promote() {
	r.disarm()
	r.cancelDial()

	ep, err := r.s.net.Open(r.ctx, r.room)
	if err != nil {
		if errors.Is(err, transport.ErrIDTaken) {
			metrics.Elections.WithLabelValues("bind_conflict").Inc()
			r.log.Info("rendezvous already bound, falling back to follower election")
			r.startElection()
			return
		}
		if r.ctx.Err() != nil {
			return
		}
		r.fail(fmt.Errorf("mesh: bind rendezvous %q: %w", r.room, err))
		return
	}

	old := r.ep
	r.ep = ep
	if old != nil {
		_ = old.Close()
	}
	r.upstream = nil
	r.links = make(map[string]transport.Link)
	r.reg.PromoteToAuthority(r.room)
	r.log = r.log.With(logger.AuthorityID(r.room))
	if !r.transition(StateAuthority) {
		return
	}
	go r.acceptLoop(ep)
	metrics.Elections.WithLabelValues("authority").Inc()
	r.log.Info("promoted to authority")
	r.signal(nil)
}

func (r *runner) becomeFollower(l transport.Link) {
	r.disarm()
	r.cancelDial()
	r.upstream = l
	r.reg.AdoptAuthority(l.Remote(), nil)
	if !r.transition(StateFollower) {
		return
	}
	go r.readLoop(l)
	r.send(l, protocol.RequestSync())
	metrics.Elections.WithLabelValues("follower").Inc()
	r.log.Info("joined as follower", logger.AuthorityID(l.Remote()))
	r.signal(nil)
}

// reconnect corre cuando el follower pierde el link con la autoridad.
func (r *runner) reconnect() {
	lost := r.reg.AuthorityID()
	if !r.transition(StateReconnecting) {
		return
	}
	r.round = 0
	metrics.Failovers.Inc()
	next := r.reg.NextAuthority(r.room)
	r.reg.RemovePeer(lost)
	r.publish()
	r.log.Info("authority lost", logger.AuthorityID(lost), logger.String("successor", next))
	if next == r.reg.Self() {
		r.promote()
		return
	}
	r.arm(r.s.timings.ReconnectBackoff, func(gen uint64) event { return reconnectDue{gen: gen} })
}

// ─── Transporte ───

func (r *runner) acceptLoop(ep transport.Endpoint) {
	for l := range ep.Accept() {
		r.post(linkOpened{ep: ep, link: l})
	}
	r.post(endpointLost{ep: ep})
}

// onEndpointLost corre cuando la autoridad pierde la identidad de rendezvous
// sin que nadie llamara a Disconnect (caída del transporte). Suelta a los
// followers, abre una identidad transitoria nueva y vuelve a elegir después
// del backoff, igual que un follower que perdió a su autoridad.
func (r *runner) onEndpointLost(ep transport.Endpoint) {
	if ep != r.ep || r.state != StateAuthority {
		return
	}
	_ = ep.Close()
	for _, l := range r.links {
		_ = l.Close()
	}
	r.links = make(map[string]transport.Link)

	fresh, err := r.s.net.Open(r.ctx, "")
	if err != nil {
		if r.ctx.Err() == nil {
			r.fail(fmt.Errorf("mesh: reopen transient identity: %w", err))
		}
		return
	}
	r.ep = fresh
	r.reg.Reset(fresh.ID())
	r.log = r.base.With(logger.PeerID(fresh.ID()))
	if !r.transition(StateReconnecting) {
		return
	}
	r.round = 0
	metrics.Failovers.Inc()
	r.log.Warn("rendezvous identity lost, re-electing")
	r.arm(r.s.timings.ReconnectBackoff, func(gen uint64) event { return reconnectDue{gen: gen} })
}

func (r *runner) readLoop(l transport.Link) {
	for data := range l.Recv() {
		r.post(frame{link: l, data: data})
	}
	r.post(linkClosed{link: l})
}

func (r *runner) onLinkOpened(e linkOpened) {
	if e.ep != r.ep || r.state != StateAuthority {
		// Sólo la autoridad acepta links.
		_ = e.link.Close()
		return
	}
	id := e.link.Remote()
	if prev, ok := r.links[id]; ok {
		_ = prev.Close()
	}
	r.links[id] = e.link
	go r.readLoop(e.link)

	r.reg.AdmitPeer(id)
	r.send(e.link, protocol.Sync(r.s.editor.Text(), r.reg.PeersExcept(id), r.reg.Self()))
	r.fanOut(protocol.PeerJoined(id), id)
	r.publish()
	r.log.Info("peer joined", logger.PeerID(id), logger.Count(r.reg.Count()))
}

func (r *runner) onLinkClosed(l transport.Link) {
	switch r.state {
	case StateAuthority:
		id := l.Remote()
		if cur, ok := r.links[id]; !ok || cur != l {
			return
		}
		delete(r.links, id)
		r.reg.RemovePeer(id)
		r.fanOut(protocol.PeerLeft(id), id)
		r.publish()
		r.log.Info("peer left", logger.PeerID(id), logger.Count(r.reg.Count()))
	case StateFollower:
		if l != r.upstream {
			return
		}
		r.upstream = nil
		r.reconnect()
	}
}

func (r *runner) isCurrent(l transport.Link) bool {
	switch r.state {
	case StateAuthority:
		return r.links[l.Remote()] == l
	case StateFollower:
		return r.upstream == l
	}
	return false
}

func (r *runner) onFrame(l transport.Link, data []byte) {
	if !r.isCurrent(l) {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.DroppedMessages.WithLabelValues("malformed").Inc()
		r.log.Debug("dropping malformed frame", logger.PeerID(l.Remote()), logger.Err(err))
		return
	}
	if r.state == StateAuthority {
		r.onAuthorityMessage(l, msg)
		return
	}
	r.onFollowerMessage(l, msg)
}

func (r *runner) onAuthorityMessage(l transport.Link, msg protocol.Message) {
	from := l.Remote()
	switch msg.Type {
	case protocol.TypeRequestSync:
		r.send(l, protocol.Sync(r.s.editor.Text(), r.reg.PeersExcept(from), r.reg.Self()))
	case protocol.TypeChange:
		r.applyRemote(msg.Code)
		r.relay(msg, from)
	case protocol.TypeEvaluate:
		r.receiveEvaluate(from)
		r.relay(msg, from)
	default:
		// sync/peerJoined/peerLeft sólo los origina la autoridad.
		metrics.DroppedMessages.WithLabelValues("unexpected").Inc()
		r.log.Debug("unexpected message for authority", logger.MsgType(string(msg.Type)), logger.PeerID(from))
	}
}

func (r *runner) onFollowerMessage(l transport.Link, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSync:
		r.applyRemote(msg.Code)
		r.reg.AdoptAuthority(msg.AuthorityID, msg.Peers)
		r.publish()
		r.log.Debug("synced with authority", logger.Count(r.reg.Count()))
	case protocol.TypeChange:
		r.applyRemote(msg.Code)
	case protocol.TypeEvaluate:
		r.receiveEvaluate(l.Remote())
	case protocol.TypePeerJoined:
		if r.reg.AdmitPeer(msg.PeerID) {
			r.publish()
		}
	case protocol.TypePeerLeft:
		if r.reg.RemovePeer(msg.PeerID) {
			r.publish()
		}
	default:
		metrics.DroppedMessages.WithLabelValues("unexpected").Inc()
	}
}

// relay reenvía msg a todos menos al emisor. Sólo un Relayer puede hacerlo.
func (r *runner) relay(msg protocol.Message, from string) {
	if !RoleFor(r.state).CanRelay() {
		return
	}
	n := r.fanOut(msg, from)
	metrics.RelayedMessages.WithLabelValues(string(msg.Type)).Add(float64(n))
}

// fanOut envía msg a todos los links salvo except. Devuelve cuántos envíos hubo.
func (r *runner) fanOut(msg protocol.Message, except string) int {
	n := 0
	for id, l := range r.links {
		if id == except {
			continue
		}
		r.send(l, msg)
		n++
	}
	return n
}

func (r *runner) send(l transport.Link, msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		r.log.Error("encode message", logger.MsgType(string(msg.Type)), logger.Err(err))
		return
	}
	if err := l.Send(b); err != nil {
		r.log.Debug("send failed", logger.PeerID(l.Remote()), logger.MsgType(string(msg.Type)), logger.Err(err))
	}
}

// ─── Editor ───

// applyRemote reemplaza el documento local con la guarda de re-entrada activa.
func (r *runner) applyRemote(code string) {
	r.applying.Store(true)
	defer r.applying.Store(false)
	r.s.editor.ReplaceAll(code)
}

// onEditorChange corre en la goroutine que editó; durante applyRemote corre
// dentro del loop y se descarta.
func (r *runner) onEditorChange(text string) {
	if r.applying.Load() {
		return
	}
	r.post(localChange{text: text})
}

func (r *runner) onLocalChange(text string) {
	msg := protocol.Change(text)
	switch r.state {
	case StateAuthority:
		r.fanOut(msg, "")
	case StateFollower:
		if r.upstream != nil {
			r.send(r.upstream, msg)
		}
	}
}

func (r *runner) onLocalEvaluate() {
	switch r.state {
	case StateAuthority:
		r.fanOut(protocol.Evaluate(), "")
	case StateFollower:
		if r.upstream == nil {
			return
		}
		r.send(r.upstream, protocol.Evaluate())
	default:
		return
	}
	metrics.EvaluateEvents.WithLabelValues("mesh", "sent").Inc()
}

func (r *runner) receiveEvaluate(from string) {
	metrics.EvaluateEvents.WithLabelValues("mesh", "received").Inc()
	r.emitting.Add(1)
	defer r.emitting.Add(-1)
	r.s.bus.PublishEvaluate(collab.EvaluateEvent{From: from})
}
