package wsnet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojam/internal/observability/logger"
	"github.com/dropDatabas3/hellojam/internal/transport"
)

const bufferSize = 256

// Network abre endpoints contra un broker.
type Network struct {
	// URL del websocket del broker, p.ej. ws://localhost:7070/ws.
	URL string
	// Retries es la cantidad de reintentos del dial al broker.
	Retries uint64
	Logger  *zap.Logger
	Dialer  *websocket.Dialer
}

func New(url string, retries uint64, l *zap.Logger) *Network {
	if l == nil {
		l = logger.Named("wsnet")
	}
	return &Network{URL: url, Retries: retries, Logger: l, Dialer: websocket.DefaultDialer}
}

func (n *Network) dial(ctx context.Context) (*websocket.Conn, error) {
	d := n.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := d.DialContext(ctx, n.URL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() == nil {
				n.Logger.Debug("broker dial failed", logger.String("url", n.URL), logger.Err(err))
			}
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, n.Retries), ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("wsnet: dial broker: %w", err)
	}
	return conn, nil
}

// Open registra id en el broker (o un uuid si está vacío).
func (n *Network) Open(ctx context.Context, id string) (transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	conn, err := n.dial(ctx)
	if err != nil {
		return nil, err
	}
	e := &endpoint{
		id:       id,
		conn:     conn,
		log:      n.Logger.With(logger.PeerID(id)),
		pending:  make(map[uint64]chan reply),
		links:    make(map[string]*link),
		incoming: make(chan transport.Link, bufferSize),
		done:     make(chan struct{}),
	}
	go e.readLoop()

	resp, err := e.request(ctx, frame{Op: opBind, ID: id})
	if err != nil {
		_ = e.Close()
		if errors.Is(err, errCode(codeIDTaken)) {
			return nil, fmt.Errorf("open %q: %w", id, transport.ErrIDTaken)
		}
		return nil, fmt.Errorf("open %q: %w", id, err)
	}
	if resp.Op != opBound {
		_ = e.Close()
		return nil, fmt.Errorf("open %q: unexpected %s", id, resp.Op)
	}
	return e, nil
}

type errCode string

func (c errCode) Error() string { return "wsnet: broker error " + string(c) }

type endpoint struct {
	id   string
	conn *websocket.Conn
	log  *zap.Logger

	wmu sync.Mutex // serializa escrituras al websocket

	mu       sync.Mutex
	seq      uint64
	pending  map[uint64]chan reply
	links    map[string]*link
	closed   bool
	incoming chan transport.Link
	done     chan struct{}
}

func (e *endpoint) ID() string                    { return e.id }
func (e *endpoint) Accept() <-chan transport.Link { return e.incoming }

func (e *endpoint) write(f frame) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := e.conn.WriteMessage(websocket.TextMessage, f.encode()); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return nil
}

// reply es la respuesta a un request. link viene armado en opDialed.
type reply struct {
	frame
	link *link
}

// request manda f con un Seq nuevo y espera la respuesta del broker.
func (e *endpoint) request(ctx context.Context, f frame) (reply, error) {
	ch := make(chan reply, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return reply{}, transport.ErrClosed
	}
	e.seq++
	f.Seq = e.seq
	e.pending[f.Seq] = ch
	e.mu.Unlock()

	if err := e.write(f); err != nil {
		e.forget(f.Seq, ch)
		return reply{}, err
	}
	select {
	case resp := <-ch:
		if resp.Op == opError {
			return reply{}, errCode(resp.Code)
		}
		return resp, nil
	case <-e.done:
		return reply{}, transport.ErrClosed
	case <-ctx.Done():
		// La respuesta pudo llegar igual: un link que nadie va a usar se cierra.
		if resp, ok := e.forget(f.Seq, ch); ok && resp.link != nil {
			_ = resp.link.Close()
		}
		return reply{}, ctx.Err()
	}
}

// forget retira la espera de seq y devuelve la respuesta si ya había llegado.
func (e *endpoint) forget(seq uint64, ch chan reply) (reply, bool) {
	e.mu.Lock()
	delete(e.pending, seq)
	e.mu.Unlock()
	select {
	case resp := <-ch:
		return resp, true
	default:
		return reply{}, false
	}
}

// resolve entrega la respuesta a quien espera su Seq. false si nadie espera.
func (e *endpoint) resolve(r reply) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.pending[r.Seq]
	if ok {
		delete(e.pending, r.Seq)
		ch <- r
	}
	return ok
}

func (e *endpoint) Dial(ctx context.Context, remote string) (transport.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if remote == e.id {
		return nil, fmt.Errorf("dial %q: %w", remote, transport.ErrPeerUnavailable)
	}
	resp, err := e.request(ctx, frame{Op: opDial, Remote: remote})
	if err != nil {
		var code errCode
		if errors.As(err, &code) && code == codeUnavailable {
			return nil, fmt.Errorf("dial %q: %w", remote, transport.ErrPeerUnavailable)
		}
		return nil, fmt.Errorf("dial %q: %w", remote, err)
	}
	if resp.link == nil {
		return nil, fmt.Errorf("dial %q: unexpected %s", remote, resp.Op)
	}
	return resp.link, nil
}

// track registra un link abierto. El broker ya lo considera vivo, así que
// si el endpoint se cerró no hay nada que avisar.
func (e *endpoint) track(id, remote string) (*link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	l := &link{ep: e, id: id, remote: remote, recv: make(chan []byte, bufferSize)}
	e.links[id] = l
	return l, true
}

func (e *endpoint) readLoop() {
	defer e.shutdown()
	for {
		_, raw, err := e.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(raw)
		if err != nil {
			e.log.Debug("malformed broker frame", logger.Err(err))
			continue
		}
		e.dispatch(f)
	}
}

func (e *endpoint) dispatch(f frame) {
	switch f.Op {
	case opBound, opError:
		e.resolve(reply{frame: f})
	case opDialed:
		// El link se registra antes de avisar: el frame siguiente puede ser data suya.
		l, ok := e.track(f.Link, f.Remote)
		if !ok {
			return
		}
		if !e.resolve(reply{frame: f, link: l}) {
			_ = l.Close()
		}
	case opIncoming:
		l, ok := e.track(f.Link, f.Remote)
		if !ok {
			return
		}
		e.mu.Lock()
		delivered := false
		if !e.closed {
			select {
			case e.incoming <- l:
				delivered = true
			default:
			}
		}
		e.mu.Unlock()
		if !delivered {
			_ = l.Close()
		}
	case opData:
		if l := e.lookup(f.Link); l != nil {
			if !l.deliver(f.Data) {
				e.log.Warn("link buffer full, closing", logger.LinkID(f.Link))
				_ = l.Close()
			}
		}
	case opClose:
		if l := e.lookup(f.Link); l != nil {
			l.drop()
		}
	}
}

func (e *endpoint) lookup(id string) *link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[id]
}

func (e *endpoint) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.links, id)
}

// shutdown cierra todo lo local; lo llama readLoop al perder el websocket.
func (e *endpoint) shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	links := make([]*link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.links = map[string]*link{}
	close(e.incoming)
	close(e.done)
	e.mu.Unlock()

	for _, l := range links {
		l.drop()
	}
	_ = e.conn.Close()
}

// Close libera la identidad. El broker cierra los links en la otra punta.
func (e *endpoint) Close() error {
	e.wmu.Lock()
	_ = e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	e.wmu.Unlock()
	e.shutdown()
	return nil
}

type link struct {
	ep     *endpoint
	id     string
	remote string

	mu     sync.Mutex
	closed bool
	recv   chan []byte
}

func (l *link) Remote() string      { return l.remote }
func (l *link) Recv() <-chan []byte { return l.recv }

func (l *link) Send(msg []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return l.ep.write(frame{Op: opData, Link: l.id, Data: msg})
}

func (l *link) deliver(msg []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return true
	}
	select {
	case l.recv <- msg:
		return true
	default:
		return false
	}
}

// drop cierra el lado local sin avisar al broker.
func (l *link) drop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	close(l.recv)
	l.ep.untrack(l.id)
	return true
}

func (l *link) Close() error {
	if l.drop() {
		_ = l.ep.write(frame{Op: opClose, Link: l.id})
	}
	return nil
}

// Healthy consulta el /healthz del broker.
func Healthy(ctx context.Context, httpURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wsnet: broker unhealthy: %s", resp.Status)
	}
	return nil
}
