// Package memnet implementa transport.Network en memoria, para tests y para
// correr varios peers en un mismo proceso sin pasar por la red.
// Los conflictos de bind son reales: dos Open con la misma identidad no
// pueden convivir.
package memnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dropDatabas3/hellojam/internal/transport"
)

// bufferSize es la capacidad de cada dirección de un link y de la cola de
// links entrantes.
const bufferSize = 256

// Network es un registro de endpoints en memoria.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
}

func New() *Network {
	return &Network{endpoints: make(map[string]*endpoint)}
}

// Open registra id (o un uuid si está vacío).
func (n *Network) Open(ctx context.Context, id string) (transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[id]; ok {
		return nil, fmt.Errorf("open %q: %w", id, transport.ErrIDTaken)
	}
	ep := &endpoint{
		net:      n,
		id:       id,
		incoming: make(chan transport.Link, bufferSize),
		links:    make(map[*pipe]struct{}),
	}
	n.endpoints[id] = ep
	return ep, nil
}

// Registered reporta si id está tomado.
func (n *Network) Registered(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.endpoints[id]
	return ok
}

// Kill cierra el endpoint id como si el peer se cayera.
func (n *Network) Kill(id string) bool {
	n.mu.Lock()
	ep, ok := n.endpoints[id]
	n.mu.Unlock()
	if !ok {
		return false
	}
	_ = ep.Close()
	return true
}

type endpoint struct {
	net      *Network
	id       string
	mu       sync.Mutex
	closed   bool
	incoming chan transport.Link
	links    map[*pipe]struct{}
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) Accept() <-chan transport.Link { return e.incoming }

func (e *endpoint) Dial(ctx context.Context, remote string) (transport.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.net.mu.Lock()
	dst, ok := e.net.endpoints[remote]
	e.net.mu.Unlock()
	if !ok || remote == e.id {
		return nil, fmt.Errorf("dial %q: %w", remote, transport.ErrPeerUnavailable)
	}

	p := newPipe()
	local := &link{p: p, remote: remote, in: p.ab, out: p.ba}
	peer := &link{p: p, remote: e.id, in: p.ba, out: p.ab}

	if !e.track(p) {
		return nil, transport.ErrClosed
	}
	if !dst.deliver(p, peer) {
		e.untrack(p)
		return nil, fmt.Errorf("dial %q: %w", remote, transport.ErrPeerUnavailable)
	}
	return local, nil
}

func (e *endpoint) track(p *pipe) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.links[p] = struct{}{}
	p.onClose(func() { e.untrack(p) })
	return true
}

func (e *endpoint) untrack(p *pipe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.links, p)
}

// deliver entrega el lado remoto del link a la cola de entrantes.
func (e *endpoint) deliver(p *pipe, l *link) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.incoming <- l:
	default:
		return false
	}
	e.links[p] = struct{}{}
	p.onClose(func() { e.untrack(p) })
	return true
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pipes := make([]*pipe, 0, len(e.links))
	for p := range e.links {
		pipes = append(pipes, p)
	}
	e.links = map[*pipe]struct{}{}
	close(e.incoming)
	e.mu.Unlock()

	e.net.mu.Lock()
	if cur, ok := e.net.endpoints[e.id]; ok && cur == e {
		delete(e.net.endpoints, e.id)
	}
	e.net.mu.Unlock()

	for _, p := range pipes {
		p.close()
	}
	return nil
}

// pipe es el par de colas de un link. Cerrar cualquiera de los dos lados
// cierra ambos.
type pipe struct {
	mu      sync.Mutex
	closed  bool
	ab, ba  chan []byte
	closers []func()
}

func newPipe() *pipe {
	return &pipe{ab: make(chan []byte, bufferSize), ba: make(chan []byte, bufferSize)}
}

func (p *pipe) onClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closers = append(p.closers, fn)
}

func (p *pipe) send(ch chan []byte, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case ch <- buf:
		return nil
	default:
		return fmt.Errorf("memnet: link buffer full")
	}
}

func (p *pipe) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ab)
	close(p.ba)
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
}

type link struct {
	p      *pipe
	remote string
	in     chan []byte // lo que leo
	out    chan []byte // lo que escribo
}

func (l *link) Remote() string        { return l.remote }
func (l *link) Send(msg []byte) error { return l.p.send(l.out, msg) }
func (l *link) Recv() <-chan []byte   { return l.in }
func (l *link) Close() error          { l.p.close(); return nil }
