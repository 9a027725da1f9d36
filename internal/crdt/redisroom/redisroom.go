// Package redisroom es un backend crdt sobre Redis, para peers en procesos
// distintos.
//
// Claves por sala (con prefijo):
//
//	<prefix>:room:<name>:doc       string  texto compartido
//	<prefix>:room:<name>:presence  hash    clientID -> {state, seen}
//	<prefix>:room:<name>:meta      hash    append-only (HSETNX), tickets
//	<prefix>:room:<name>:events    canal   avisos {kind, origin}
//
// Las mutaciones del documento son transacciones WATCH/MULTI; cada cambio se
// anuncia por pub/sub y los suscriptores releen el estado. Un registro de
// presencia sin heartbeat por más de TTL se poda en la siguiente lectura.
// Cuando el hash de presencia queda vacío se borran también doc y meta: una
// sala sin nadie arranca de cero, con tickets nuevos.
package redisroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/hellojam/internal/crdt"
	"github.com/dropDatabas3/hellojam/internal/observability/logger"
)

const (
	kindDoc      = "doc"
	kindPresence = "presence"

	opTimeout  = 3 * time.Second
	txnRetries = 8
)

// Config del backend.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// PresenceTTL: un registro sin heartbeat más viejo que esto se considera caído.
	PresenceTTL time.Duration
}

// Backend comparte un cliente Redis entre todas las salas del proceso.
type Backend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

var _ crdt.Backend = (*Backend)(nil)

// New conecta y verifica con PING.
func New(cfg Config) (*Backend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisroom: ping failed: %w", err)
	}
	return NewWithClient(rdb, cfg.Prefix, cfg.PresenceTTL), nil
}

// NewWithClient usa un cliente ya configurado.
func NewWithClient(rdb *redis.Client, prefix string, ttl time.Duration) *Backend {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Backend{client: rdb, prefix: prefix, ttl: ttl, log: logger.Named("redisroom")}
}

func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) key(parts ...string) string {
	k := strings.Join(parts, ":")
	if b.prefix == "" {
		return k
	}
	return b.prefix + ":" + k
}

// leaveScript borra campos de presencia y, si no queda nadie, el documento y
// los tickets. KEYS: presence, doc, meta. ARGV: clientIDs. Devuelve 1 si vació la sala.
var leaveScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], unpack(ARGV))
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[2], KEYS[3])
  return 1
end
return 0
`)

type notice struct {
	Kind   string `json:"kind"`
	Origin string `json:"origin"`
}

type record struct {
	State crdt.PresenceState `json:"state"`
	Seen  int64              `json:"seen"`
}

// Join se suscribe al canal de la sala y carga la presencia inicial. Synced
// se cierra cuando ambas cosas terminaron.
func (b *Backend) Join(ctx context.Context, name, clientID string) (crdt.Room, error) {
	if clientID == "" {
		return nil, crdt.ErrEmptyClient
	}
	r := &room{
		b:        b,
		id:       clientID,
		docKey:   b.key("room", name, "doc"),
		preKey:   b.key("room", name, "presence"),
		metaKey:  b.key("room", name, "meta"),
		channel:  b.key("room", name, "events"),
		synced:   make(chan struct{}),
		stop:     make(chan struct{}),
		docSubs:  make(map[int]func(string)),
		preSubs:  make(map[int]func(crdt.PresenceChange)),
		snapshot: make(map[string]crdt.PresenceState),
		log:      b.log.With(logger.Room(name), logger.PeerID(clientID)),
	}

	r.pubsub = b.client.Subscribe(ctx, r.channel)
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		return nil, fmt.Errorf("redisroom: subscribe %s: %w", r.channel, err)
	}
	states, err := r.load(ctx)
	if err != nil {
		_ = r.pubsub.Close()
		return nil, err
	}
	r.snapshot = states
	close(r.synced)

	r.wg.Add(2)
	go r.listen()
	go r.heartbeat()
	return r, nil
}

type room struct {
	b       *Backend
	id      string
	docKey  string
	preKey  string
	metaKey string
	channel string
	log     *zap.Logger

	pubsub *redis.PubSub
	synced chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	sf     singleflight.Group

	mu       sync.Mutex
	closed   bool
	local    crdt.PresenceState
	nextSub  int
	docSubs  map[int]func(string)
	preSubs  map[int]func(crdt.PresenceChange)
	snapshot map[string]crdt.PresenceState
}

func (r *room) Doc() crdt.Document      { return (*doc)(r) }
func (r *room) Presence() crdt.Presence { return (*presence)(r) }
func (r *room) Meta() crdt.Metadata     { return (*meta)(r) }
func (r *room) Synced() <-chan struct{} { return r.synced }

// Close borra la presencia propia, avisa y corta la suscripción.
func (r *room) Close() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.stop)

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if e := r.leave(ctx, r.id); e != nil {
			err = fmt.Errorf("redisroom: drop presence: %w", e)
		}
		r.announce(ctx, kindPresence)
		if e := r.pubsub.Close(); e != nil && err == nil {
			err = e
		}
		r.wg.Wait()
	})
	return err
}

// leave borra los registros de ids con leaveScript.
func (r *room) leave(ctx context.Context, ids ...string) error {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	emptied, err := leaveScript.Run(ctx, r.b.client, []string{r.preKey, r.docKey, r.metaKey}, args...).Int()
	if err != nil {
		return err
	}
	if emptied == 1 {
		r.log.Debug("room left empty, document and tickets dropped")
	}
	return nil
}

func (r *room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *room) announce(ctx context.Context, kind string) {
	raw, _ := json.Marshal(notice{Kind: kind, Origin: r.id})
	if err := r.b.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.log.Debug("publish notice", logger.Err(err))
	}
}

func (r *room) listen() {
	defer r.wg.Done()
	for msg := range r.pubsub.Channel() {
		var n notice
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			r.log.Debug("dropping malformed notice", logger.Err(err))
			continue
		}
		switch n.Kind {
		case kindDoc:
			r.notifyDoc(n.Origin)
		case kindPresence:
			r.refresh()
		}
	}
}

// heartbeat renueva seen del registro propio y poda los vencidos.
func (r *room) heartbeat() {
	defer r.wg.Done()
	t := time.NewTicker(r.b.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.mu.Lock()
			st, closed := r.local, r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			if err := r.write(ctx, st); err != nil {
				r.log.Debug("heartbeat", logger.Err(err))
			}
			cancel()
			r.refresh()
		}
	}
}

func (r *room) write(ctx context.Context, st crdt.PresenceState) error {
	raw, err := json.Marshal(record{State: st, Seen: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return r.b.client.HSet(ctx, r.preKey, r.id, raw).Err()
}

// load lee la presencia y borra los registros vencidos.
func (r *room) load(ctx context.Context) (map[string]crdt.PresenceState, error) {
	all, err := r.b.client.HGetAll(ctx, r.preKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisroom: load presence: %w", err)
	}
	cutoff := time.Now().Add(-r.b.ttl).UnixMilli()
	out := make(map[string]crdt.PresenceState, len(all))
	var stale []string
	for id, raw := range all {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Seen < cutoff {
			stale = append(stale, id)
			continue
		}
		out[id] = rec.State
	}
	if len(stale) > 0 {
		if err := r.leave(ctx, stale...); err != nil {
			r.log.Debug("prune presence", logger.Err(err))
		}
	}
	return out, nil
}

// refresh recarga la presencia (una sola lectura en vuelo) y notifica el diff.
func (r *room) refresh() {
	v, err, _ := r.sf.Do("presence", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return r.load(ctx)
	})
	if err != nil {
		r.log.Debug("refresh presence", logger.Err(err))
		return
	}
	next := v.(map[string]crdt.PresenceState)

	r.mu.Lock()
	ch := diffPresence(r.snapshot, next)
	r.snapshot = next
	r.mu.Unlock()
	if !ch.Empty() {
		r.notifyPresence(ch)
	}
}

// diffPresence compara dos fotos de presencia.
func diffPresence(prev, next map[string]crdt.PresenceState) crdt.PresenceChange {
	var ch crdt.PresenceChange
	for id, st := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			ch.Added = append(ch.Added, id)
		case !samePresence(old, st):
			ch.Updated = append(ch.Updated, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			ch.Removed = append(ch.Removed, id)
		}
	}
	sort.Strings(ch.Added)
	sort.Strings(ch.Updated)
	sort.Strings(ch.Removed)
	return ch
}

func samePresence(a, b crdt.PresenceState) bool {
	if a.Evaluate != b.Evaluate || (a.User == nil) != (b.User == nil) {
		return false
	}
	return a.User == nil || *a.User == *b.User
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

// ─── Document ───

type doc room

func (d *doc) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

func (d *doc) Text() string {
	ctx, cancel := d.ctx()
	defer cancel()
	s, err := d.b.client.Get(ctx, d.docKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		d.log.Warn("read document", logger.Err(err))
	}
	return s
}

func (d *doc) Len() int { return utf8.RuneCountInString(d.Text()) }

func (d *doc) Insert(offset int, text string) error { return d.splice(offset, 0, text) }

func (d *doc) Delete(offset, length int) error { return d.splice(offset, length, "") }

// splice aplica la edición con WATCH sobre la clave del documento y reintenta
// si otro cliente escribió en el medio.
func (d *doc) splice(offset, del int, ins string) error {
	if (*room)(d).isClosed() {
		return crdt.ErrRoomClosed
	}
	ctx, cancel := d.ctx()
	defer cancel()

	txn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, d.docKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, err := crdt.Splice(cur, offset, del, ins)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, d.docKey, next, 0)
			return nil
		})
		return err
	}
	for i := 0; i < txnRetries; i++ {
		err := d.b.client.Watch(ctx, txn, d.docKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redisroom: splice: %w", err)
		}
		(*room)(d).announce(ctx, kindDoc)
		return nil
	}
	return fmt.Errorf("redisroom: splice: %w", redis.TxFailedErr)
}

func (d *doc) OnChange(fn func(origin string)) func() {
	r := (*room)(d)
	return r.subscribe(func(id int) { r.docSubs[id] = fn })
}

// ─── Presence ───

type presence room

func (p *presence) ClientID() string { return p.id }

func (p *presence) Local() crdt.PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// SetLocal escribe el registro propio, actualiza la foto local y notifica
// sin esperar el eco del canal.
func (p *presence) SetLocal(st crdt.PresenceState) error {
	r := (*room)(p)
	if r.isClosed() {
		return crdt.ErrRoomClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.write(ctx, st); err != nil {
		return fmt.Errorf("redisroom: set presence: %w", err)
	}

	r.mu.Lock()
	r.local = st
	_, existed := r.snapshot[r.id]
	r.snapshot[r.id] = st
	r.mu.Unlock()

	ch := crdt.PresenceChange{Added: []string{r.id}}
	if existed {
		ch = crdt.PresenceChange{Updated: []string{r.id}}
	}
	r.notifyPresence(ch)
	r.announce(ctx, kindPresence)
	return nil
}

func (p *presence) States() map[string]crdt.PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]crdt.PresenceState, len(p.snapshot))
	for id, st := range p.snapshot {
		out[id] = st
	}
	return out
}

func (p *presence) OnChange(fn func(crdt.PresenceChange)) func() {
	r := (*room)(p)
	return r.subscribe(func(id int) { r.preSubs[id] = fn })
}

// ─── Metadata ───

type meta room

func (m *meta) PutIfAbsent(key string, value []byte) (bool, error) {
	if (*room)(m).isClosed() {
		return false, crdt.ErrRoomClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ok, err := m.b.client.HSetNX(ctx, m.metaKey, key, value).Result()
	if err != nil {
		return false, fmt.Errorf("redisroom: put %s: %w", key, err)
	}
	return ok, nil
}

func (m *meta) Scan(prefix string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	all, err := m.b.client.HGetAll(ctx, m.metaKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisroom: scan meta: %w", err)
	}
	out := make(map[string][]byte)
	for k, v := range all {
		if strings.HasPrefix(k, prefix) {
			out[k] = []byte(v)
		}
	}
	return out, nil
}
