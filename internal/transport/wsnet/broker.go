package wsnet

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojam/internal/metrics"
	"github.com/dropDatabas3/hellojam/internal/observability/logger"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broker es el servidor de rendezvous.
type Broker struct {
	log *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*peerConn
	links     map[string]*route
}

// route son las dos puntas de un link.
type route struct{ a, b *peerConn }

func (r *route) other(p *peerConn) *peerConn {
	if r.a == p {
		return r.b
	}
	return r.a
}

func NewBroker(l *zap.Logger) *Broker {
	if l == nil {
		l = logger.Named("broker")
	}
	return &Broker{
		log:       l,
		endpoints: make(map[string]*peerConn),
		links:     make(map[string]*route),
	}
}

// Routes monta /ws y /healthz. extra permite colgar más rutas (p.ej. /metrics).
func (b *Broker) Routes(extra ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(b.withLogging)
	r.Get("/ws", b.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	for _, fn := range extra {
		fn(r)
	}
	return r
}

// withLogging propaga X-Request-ID (o genera uno) y deja en el contexto un
// logger con los campos del request. No envuelve el ResponseWriter: /ws
// necesita el Hijacker original.
func (b *Broker) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)

		l := b.log.With(logger.String("request_id", rid), logger.ClientIP(r.RemoteAddr))
		next.ServeHTTP(w, r.WithContext(logger.ToContext(r.Context(), l)))
		l.Debug("request completed",
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.Duration(time.Since(start)),
		)
	})
}

// Endpoints devuelve la cantidad de identidades registradas.
func (b *Broker) Endpoints() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.endpoints)
}

// ServeWS atiende una conexión de endpoint.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.From(r.Context()).Warn("websocket upgrade failed", logger.Err(err))
		return
	}
	p := &peerConn{
		b:     b,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		links: make(map[string]struct{}),
		log:   logger.From(r.Context()),
	}
	go p.writePump()
	p.readPump()
}

// peerConn es una conexión de endpoint vista desde el broker.
type peerConn struct {
	b    *Broker
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	// id y links los protege b.mu.
	id    string
	links map[string]struct{}
	gone  bool
}

func (p *peerConn) readPump() {
	defer p.b.drop(p)
	p.conn.SetReadLimit(maxFrame)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Debug("endpoint read failed", logger.Err(err))
			}
			return
		}
		f, err := decodeFrame(raw)
		if err != nil {
			metrics.BrokerFrames.WithLabelValues("malformed").Inc()
			continue
		}
		metrics.BrokerFrames.WithLabelValues(f.Op).Inc()
		p.b.handle(p, f)
	}
}

func (p *peerConn) writePump() {
	t := time.NewTicker(pingPeriod)
	defer func() {
		t.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-t.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue encola f. Requiere b.mu. Un endpoint que no drena se desconecta.
func (p *peerConn) enqueue(f frame) {
	if p.gone {
		return
	}
	select {
	case p.send <- f.encode():
	default:
		p.log.Warn("endpoint send buffer full, dropping connection", logger.PeerID(p.id))
		_ = p.conn.Close()
	}
}

func (b *Broker) handle(p *peerConn, f frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch f.Op {
	case opBind:
		b.bind(p, f)
	case opDial:
		b.dial(p, f)
	case opData:
		if r, ok := b.links[f.Link]; ok && (r.a == p || r.b == p) {
			r.other(p).enqueue(frame{Op: opData, Link: f.Link, Data: f.Data})
		}
	case opClose:
		if r, ok := b.links[f.Link]; ok && (r.a == p || r.b == p) {
			b.unlink(f.Link, r)
			r.other(p).enqueue(frame{Op: opClose, Link: f.Link})
		}
	default:
		p.enqueue(frame{Op: opError, Seq: f.Seq, Code: codeBadRequest})
	}
}

func (b *Broker) bind(p *peerConn, f frame) {
	if f.ID == "" || p.id != "" {
		p.enqueue(frame{Op: opError, Seq: f.Seq, Code: codeBadRequest})
		return
	}
	if _, taken := b.endpoints[f.ID]; taken {
		p.enqueue(frame{Op: opError, Seq: f.Seq, Code: codeIDTaken})
		return
	}
	p.id = f.ID
	p.log = p.log.With(logger.PeerID(f.ID))
	b.endpoints[f.ID] = p
	metrics.BrokerEndpoints.Set(float64(len(b.endpoints)))
	p.enqueue(frame{Op: opBound, Seq: f.Seq, ID: f.ID})
	p.log.Debug("identity bound")
}

func (b *Broker) dial(p *peerConn, f frame) {
	dst, ok := b.endpoints[f.Remote]
	if p.id == "" || !ok || dst == p {
		p.enqueue(frame{Op: opError, Seq: f.Seq, Code: codeUnavailable})
		return
	}
	id := uuid.NewString()
	b.links[id] = &route{a: p, b: dst}
	p.links[id] = struct{}{}
	dst.links[id] = struct{}{}
	dst.enqueue(frame{Op: opIncoming, Link: id, Remote: p.id})
	p.enqueue(frame{Op: opDialed, Seq: f.Seq, Link: id, Remote: f.Remote})
	p.log.Debug("link opened", logger.LinkID(id), logger.String("remote", f.Remote))
}

// unlink requiere b.mu.
func (b *Broker) unlink(id string, r *route) {
	delete(b.links, id)
	delete(r.a.links, id)
	delete(r.b.links, id)
}

// drop libera la identidad y cierra los links de p en la otra punta.
func (b *Broker) drop(p *peerConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.gone {
		return
	}
	for id := range p.links {
		if r, ok := b.links[id]; ok {
			b.unlink(id, r)
			r.other(p).enqueue(frame{Op: opClose, Link: id})
		}
	}
	if p.id != "" && b.endpoints[p.id] == p {
		delete(b.endpoints, p.id)
		metrics.BrokerEndpoints.Set(float64(len(b.endpoints)))
		p.log.Debug("identity released")
	}
	p.gone = true
	close(p.send)
}
