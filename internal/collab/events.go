package collab

import "sync"

// EvaluateEvent describe un pedido remoto de re-ejecutar el programa.
type EvaluateEvent struct {
	// From es el peer que originó el evaluate (vacío si el transporte no lo conoce).
	From string
}

// Bus es el publish/subscribe tipado de la sesión. El conjunto de eventos es
// cerrado: statusChange, peerCountChange y evaluate.
// Los handlers corren en la goroutine que publica; no deben bloquear.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	status   map[uint64]func(ConnectionInfo)
	peers    map[uint64]func(int)
	evaluate map[uint64]func(EvaluateEvent)
}

func NewBus() *Bus {
	return &Bus{
		status:   make(map[uint64]func(ConnectionInfo)),
		peers:    make(map[uint64]func(int)),
		evaluate: make(map[uint64]func(EvaluateEvent)),
	}
}

// OnStatusChange suscribe h a cambios de estado. Devuelve la función para desuscribir.
func (b *Bus) OnStatusChange(h func(ConnectionInfo)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.status[id] = h
	return func() { b.remove(func() { delete(b.status, id) }) }
}

// OnPeerCountChange suscribe h a cambios en la cantidad de peers.
func (b *Bus) OnPeerCountChange(h func(int)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.peers[id] = h
	return func() { b.remove(func() { delete(b.peers, id) }) }
}

// OnEvaluate suscribe h a evaluates recibidos de otros peers.
func (b *Bus) OnEvaluate(h func(EvaluateEvent)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.evaluate[id] = h
	return func() { b.remove(func() { delete(b.evaluate, id) }) }
}

func (b *Bus) remove(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

// PublishStatus notifica statusChange.
func (b *Bus) PublishStatus(info ConnectionInfo) {
	b.mu.RLock()
	hs := make([]func(ConnectionInfo), 0, len(b.status))
	for _, h := range b.status {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(info)
	}
}

// PublishPeerCount notifica peerCountChange.
func (b *Bus) PublishPeerCount(n int) {
	b.mu.RLock()
	hs := make([]func(int), 0, len(b.peers))
	for _, h := range b.peers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(n)
	}
}

// PublishEvaluate notifica evaluate.
func (b *Bus) PublishEvaluate(ev EvaluateEvent) {
	b.mu.RLock()
	hs := make([]func(EvaluateEvent), 0, len(b.evaluate))
	for _, h := range b.evaluate {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}
