package crdt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojam/internal/collab"
	"github.com/dropDatabas3/hellojam/internal/metrics"
	"github.com/dropDatabas3/hellojam/internal/observability/logger"
)

type (
	event interface{}

	initialSync     struct{}
	presenceEvent   struct{ change PresenceChange }
	docEvent        struct{}
	localEdit       struct{}
	evaluateRequest struct{}
)

// mailbox es una cola sin límite: los backends pueden notificar desde el
// mismo loop (p.ej. SetLocal dispara OnChange de forma síncrona) sin bloquearlo.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	signal chan struct{}
}

func newMailbox() *mailbox { return &mailbox{signal: make(chan struct{}, 1)} }

func (m *mailbox) push(ev event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}

// conn es una conexión a una sala. Su estado lo toca sólo run().
type conn struct {
	s        *Session
	room     string
	username string
	clientID string
	log      *zap.Logger

	box      *mailbox
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	ready    chan error
	signaled bool

	r         Room
	ticket    Ticket
	local     string // contenido del editor al conectar
	synced    bool
	shadow    string // último texto conciliado entre editor y documento
	lastSent  int64
	lastEval  map[string]int64
	applying  atomic.Bool
	unsubs    []func()
	syncTimer *time.Timer
	// emitting cuenta las publicaciones al Bus en curso (ver Session.Disconnect).
	emitting atomic.Int32
}

func newConn(s *Session, room, username string) *conn {
	id := uuid.NewString()
	return &conn{
		s:        s,
		room:     room,
		username: username,
		clientID: id,
		log:      s.log.With(logger.Room(room), logger.PeerID(id), logger.String("user", username)),
		box:      newMailbox(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ready:    make(chan error, 1),
		lastEval: make(map[string]int64),
	}
}

func (c *conn) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *conn) post(ev event) { c.box.push(ev) }

func (c *conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	jctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-jctx.Done():
		}
	}()
	err := c.start(jctx)
	cancel()
	if err != nil {
		c.log.Warn("connect failed", logger.Err(err))
		c.signal(err)
		return
	}

	for {
		select {
		case <-c.quit:
			return
		case <-c.box.signal:
			for _, ev := range c.box.drain() {
				select {
				case <-c.quit:
					return
				default:
				}
				c.handle(ev)
			}
		}
	}
}

func (c *conn) start(ctx context.Context) error {
	r, err := c.s.backend.Join(ctx, c.room, c.clientID)
	if err != nil {
		return fmt.Errorf("crdt: join %q: %w", c.room, err)
	}
	c.r = r

	// El ticket va antes del primer sync.
	c.ticket = Ticket{ID: c.clientID, Timestamp: c.s.clock().UnixMilli()}
	raw, _ := json.Marshal(c.ticket)
	if _, err := r.Meta().PutIfAbsent(c.ticket.Key(), raw); err != nil {
		return fmt.Errorf("crdt: register ticket: %w", err)
	}

	color := collab.RandomColor()
	if err := r.Presence().SetLocal(PresenceState{User: &UserState{
		Name:       c.username,
		Color:      color.Color,
		ColorLight: color.Light,
	}}); err != nil {
		return fmt.Errorf("crdt: publish presence: %w", err)
	}

	c.local = c.s.editor.Text()
	c.unsubs = append(c.unsubs,
		r.Presence().OnChange(func(ch PresenceChange) { c.post(presenceEvent{change: ch}) }),
		r.Doc().OnChange(func(origin string) {
			if origin != c.clientID {
				c.post(docEvent{})
			}
		}),
	)

	if synced := r.Synced(); synced != nil {
		go func() {
			select {
			case <-synced:
				c.post(initialSync{})
			case <-c.quit:
			}
		}()
	} else {
		c.syncTimer = time.AfterFunc(c.s.timings.SyncDelay, func() { c.post(initialSync{}) })
	}
	c.log.Debug("joined room", logger.Int("ticket_ts", int(c.ticket.Timestamp)))
	c.publish()
	return nil
}

func (c *conn) teardown() {
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	for i := len(c.unsubs) - 1; i >= 0; i-- {
		c.unsubs[i]()
	}
	c.unsubs = nil
	if c.r != nil {
		if err := c.r.Close(); err != nil {
			c.log.Debug("close room", logger.Err(err))
		}
	}
	c.s.detach(c)
	c.log.Debug("session torn down")
}

func (c *conn) signal(err error) {
	if c.signaled {
		return
	}
	c.signaled = true
	c.ready <- err
}

func (c *conn) handle(ev event) {
	switch e := ev.(type) {
	case initialSync:
		c.onInitialSync()
	case presenceEvent:
		c.onPresence(e.change)
	case docEvent, localEdit:
		c.syncEditor()
	case evaluateRequest:
		c.onEvaluate()
	}
}

func (c *conn) publish() {
	states := c.r.Presence().States()
	count := len(states) - 1
	raw := collab.StatusConnecting
	if c.synced || count > 0 {
		raw = collab.StatusConnected
	}
	c.s.update(c, collab.NewConnectionInfo(raw, count, false), peerList(c.clientID, states))
}

// onInitialSync decide la siembra por ticket y engancha el editor.
func (c *conn) onInitialSync() {
	if c.synced {
		return
	}
	doc := c.r.Doc()

	entries, err := c.r.Meta().Scan(TicketPrefix)
	if err != nil {
		c.log.Warn("scan tickets", logger.Err(err))
	}
	tickets := DecodeTickets(entries)
	winner, ok := Winner(tickets)
	empty := doc.Len() == 0
	won := ok && winner.ID == c.clientID

	// La decisión es el ticket; el vacío observado acá no se vuelve a mirar.
	if won && empty && c.local != "" {
		if err := doc.Insert(0, c.local); err != nil {
			c.log.Error("seed document", logger.Err(err))
		} else {
			metrics.Seeds.Inc()
			c.log.Info("seeded shared document", logger.Count(len(tickets)))
		}
	}

	c.shadow = doc.Text()
	c.applyRemote(c.shadow)
	c.unsubs = append(c.unsubs, c.s.editor.OnLocalChange(c.onEditorChange))
	c.synced = true
	c.publish()
	c.log.Info("initial sync done",
		logger.Bool("ticket_winner", won),
		logger.Bool("room_was_empty", empty),
		logger.Count(len(tickets)),
	)
	c.signal(nil)
}

func (c *conn) onPresence(ch PresenceChange) {
	states := c.r.Presence().States()
	for _, ids := range [][]string{ch.Added, ch.Updated} {
		for _, id := range ids {
			if id == c.clientID {
				continue
			}
			st, ok := states[id]
			if !ok || st.Evaluate == 0 || st.Evaluate == c.lastEval[id] {
				continue
			}
			c.lastEval[id] = st.Evaluate
			metrics.EvaluateEvents.WithLabelValues("crdt", "received").Inc()
			c.emitting.Add(1)
			c.s.bus.PublishEvaluate(collab.EvaluateEvent{From: id})
			c.emitting.Add(-1)
		}
	}
	for _, id := range ch.Removed {
		delete(c.lastEval, id)
	}
	c.publish()
}

func (c *conn) onEvaluate() {
	if c.r == nil {
		return
	}
	ts := c.s.clock().UnixMilli()
	if ts <= c.lastSent {
		ts = c.lastSent + 1
	}
	c.lastSent = ts
	st := c.r.Presence().Local()
	st.Evaluate = ts
	if err := c.r.Presence().SetLocal(st); err != nil {
		c.log.Warn("broadcast evaluate", logger.Err(err))
		return
	}
	metrics.EvaluateEvents.WithLabelValues("crdt", "sent").Inc()
}

// ─── Binding editor <-> documento ───

func (c *conn) onEditorChange(string) {
	if c.applying.Load() {
		return
	}
	c.post(localEdit{})
}

func (c *conn) applyRemote(text string) {
	c.applying.Store(true)
	defer c.applying.Store(false)
	c.s.editor.ReplaceAll(text)
}

// flushLocal lleva al documento lo que el usuario tipeó desde el último
// shadow. Si el documento ya tiene cambios remotos que el editor todavía no
// vio, la edición local se traslada sobre ellos.
func (c *conn) flushLocal() {
	cur := c.s.editor.Text()
	local, ok := Diff(c.shadow, cur)
	if !ok {
		return
	}
	doc := c.r.Doc()
	edits := []Edit{local}
	if remote, moved := Diff(c.shadow, doc.Text()); moved {
		edits = rebase(local, remote)
	}
	for _, e := range edits {
		if err := e.Apply(doc); err != nil {
			c.log.Warn("apply local edit", logger.Err(err))
			break
		}
	}
	c.shadow = cur
}

// syncEditor corre ante cambios locales y remotos: primero sube lo local,
// después baja lo que haya quedado distinto en el documento.
func (c *conn) syncEditor() {
	if !c.synced {
		return
	}
	c.flushLocal()
	c.reconcile()
}

// reconcile lleva al editor el texto del documento si difiere del shadow.
func (c *conn) reconcile() {
	text := c.r.Doc().Text()
	if text == c.shadow {
		return
	}
	c.shadow = text
	c.applyRemote(text)
}
