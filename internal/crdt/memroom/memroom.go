// Package memroom es un backend crdt en memoria: varias sesiones del mismo
// proceso comparten documento, presencia y metadata por sala.
//
// La presencia vive en un go-cache con TTL; un registro que vence (o que se
// borra al salir) se notifica como Removed a través de OnEvicted, igual que un
// peer que deja de mandar heartbeats.
package memroom

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropDatabas3/hellojam/internal/crdt"
)

// Options del hub.
type Options struct {
	// PresenceTTL: vencimiento de un registro sin heartbeat. 0 = no vence.
	PresenceTTL time.Duration
	// SyncDelay: demora antes de cerrar Synced, simula el primer round-trip.
	SyncDelay time.Duration
}

// Hub agrupa las salas del proceso.
type Hub struct {
	opts  Options
	mu    sync.Mutex
	rooms map[string]*room
}

var _ crdt.Backend = (*Hub)(nil)

func New(opts Options) *Hub {
	return &Hub{opts: opts, rooms: make(map[string]*room)}
}

// Join entra a name. La sala se crea con el primer miembro y se descarta con el último.
func (h *Hub) Join(ctx context.Context, name, clientID string) (crdt.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, crdt.ErrEmptyClient
	}
	h.mu.Lock()
	r, ok := h.rooms[name]
	if !ok {
		r = newRoom(h.opts.PresenceTTL)
		h.rooms[name] = r
	}
	r.members++
	h.mu.Unlock()

	m := &member{hub: h, name: name, room: r, id: clientID, synced: make(chan struct{}), stop: make(chan struct{})}
	if h.opts.SyncDelay > 0 {
		m.syncTimer = time.AfterFunc(h.opts.SyncDelay, func() { close(m.synced) })
	} else {
		close(m.synced)
	}
	if ttl := h.opts.PresenceTTL; ttl > 0 {
		go m.heartbeat(ttl / 3)
	}
	return m, nil
}

// Rooms devuelve la cantidad de salas vivas.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) leave(name string, r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.members--
	if r.members <= 0 && h.rooms[name] == r {
		delete(h.rooms, name)
		r.presence.Flush()
	}
}

// room es el estado compartido de una sala.
type room struct {
	members int

	mu      sync.Mutex
	text    string
	meta    map[string][]byte
	nextSub int
	docSubs map[int]func(origin string)
	preSubs map[int]func(crdt.PresenceChange)

	presence *gocache.Cache
}

func newRoom(ttl time.Duration) *room {
	exp, cleanup := gocache.NoExpiration, time.Duration(0)
	if ttl > 0 {
		exp, cleanup = ttl, ttl/2
	}
	r := &room{
		meta:     make(map[string][]byte),
		docSubs:  make(map[int]func(string)),
		preSubs:  make(map[int]func(crdt.PresenceChange)),
		presence: gocache.New(exp, cleanup),
	}
	r.presence.OnEvicted(func(id string, _ interface{}) {
		r.notifyPresence(crdt.PresenceChange{Removed: []string{id}})
	})
	return r
}

func (r *room) subscribe(add func(id int)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	add(id)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.docSubs, id)
		delete(r.preSubs, id)
	}
}

func (r *room) notifyDoc(origin string) {
	r.mu.Lock()
	subs := make([]func(string), 0, len(r.docSubs))
	for _, fn := range r.docSubs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(origin)
	}
}

func (r *room) notifyPresence(ch crdt.PresenceChange) {
	r.mu.Lock()
	subs := make([]func(crdt.PresenceChange), 0, len(r.preSubs))
	for _, fn := range r.preSubs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(ch)
	}
}

// member es la vista de un cliente. Implementa Room, Document, Presence y Metadata.
type member struct {
	hub  *Hub
	name string
	room *room
	id   string

	synced    chan struct{}
	syncTimer *time.Timer
	stop      chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (m *member) Doc() crdt.Document      { return (*doc)(m) }
func (m *member) Presence() crdt.Presence { return (*presence)(m) }
func (m *member) Meta() crdt.Metadata     { return (*meta)(m) }
func (m *member) Synced() <-chan struct{} { return m.synced }

func (m *member) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.stop)
		if m.syncTimer != nil {
			m.syncTimer.Stop()
		}
		m.room.presence.Delete(m.id)
		m.hub.leave(m.name, m.room)
	})
	return nil
}

func (m *member) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// heartbeat renueva el TTL del registro propio sin notificar.
func (m *member) heartbeat(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.mu.Lock()
			if v, ok := m.room.presence.Get(m.id); ok && !m.closed {
				m.room.presence.SetDefault(m.id, v)
			}
			m.mu.Unlock()
		}
	}
}

type doc member

func (d *doc) Text() string {
	d.room.mu.Lock()
	defer d.room.mu.Unlock()
	return d.room.text
}

func (d *doc) Len() int { return len([]rune(d.Text())) }

func (d *doc) Insert(offset int, text string) error { return d.splice(offset, 0, text) }

func (d *doc) Delete(offset, length int) error { return d.splice(offset, length, "") }

func (d *doc) splice(offset, del int, ins string) error {
	if (*member)(d).isClosed() {
		return crdt.ErrRoomClosed
	}
	d.room.mu.Lock()
	next, err := crdt.Splice(d.room.text, offset, del, ins)
	if err != nil {
		d.room.mu.Unlock()
		return err
	}
	d.room.text = next
	d.room.mu.Unlock()
	d.room.notifyDoc(d.id)
	return nil
}

func (d *doc) OnChange(fn func(origin string)) func() {
	return d.room.subscribe(func(id int) { d.room.docSubs[id] = fn })
}

type presence member

func (p *presence) ClientID() string { return p.id }

func (p *presence) Local() crdt.PresenceState {
	if v, ok := p.room.presence.Get(p.id); ok {
		return v.(crdt.PresenceState)
	}
	return crdt.PresenceState{}
}

func (p *presence) SetLocal(st crdt.PresenceState) error {
	if (*member)(p).isClosed() {
		return crdt.ErrRoomClosed
	}
	_, existed := p.room.presence.Get(p.id)
	p.room.presence.SetDefault(p.id, st)
	ch := crdt.PresenceChange{Added: []string{p.id}}
	if existed {
		ch = crdt.PresenceChange{Updated: []string{p.id}}
	}
	p.room.notifyPresence(ch)
	return nil
}

func (p *presence) States() map[string]crdt.PresenceState {
	items := p.room.presence.Items()
	out := make(map[string]crdt.PresenceState, len(items))
	for id, it := range items {
		if st, ok := it.Object.(crdt.PresenceState); ok {
			out[id] = st
		}
	}
	return out
}

func (p *presence) OnChange(fn func(crdt.PresenceChange)) func() {
	return p.room.subscribe(func(id int) { p.room.preSubs[id] = fn })
}

type meta member

func (m *meta) PutIfAbsent(key string, value []byte) (bool, error) {
	if (*member)(m).isClosed() {
		return false, crdt.ErrRoomClosed
	}
	m.room.mu.Lock()
	defer m.room.mu.Unlock()
	if _, ok := m.room.meta[key]; ok {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.room.meta[key] = v
	return true, nil
}

func (m *meta) Scan(prefix string) (map[string][]byte, error) {
	m.room.mu.Lock()
	defer m.room.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range m.room.meta {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}
