package collab

import "sync"

// Editor es la superficie de edición que consume la sesión.
// OnLocalChange se invoca de forma síncrona dentro de ReplaceAll (igual que
// un dispatch de CodeMirror); la sesión depende de eso para su guarda de
// re-entrada.
type Editor interface {
	Text() string
	ReplaceAll(text string)
	OnLocalChange(fn func(text string)) (unsubscribe func())
}

// Buffer es un Editor en memoria. Lo usan el CLI y los tests.
type Buffer struct {
	mu     sync.Mutex
	text   string
	nextID int
	subs   map[int]func(string)
}

func NewBuffer(initial string) *Buffer {
	return &Buffer{text: initial, subs: make(map[int]func(string))}
}

func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// ReplaceAll reemplaza el contenido y notifica a los suscriptores.
func (b *Buffer) ReplaceAll(text string) {
	b.mu.Lock()
	if b.text == text {
		b.mu.Unlock()
		return
	}
	b.text = text
	subs := b.snapshot()
	b.mu.Unlock()
	for _, fn := range subs {
		fn(text)
	}
}

// Append agrega texto al final, como si el usuario tipeara.
func (b *Buffer) Append(s string) {
	b.mu.Lock()
	b.text += s
	text := b.text
	subs := b.snapshot()
	b.mu.Unlock()
	for _, fn := range subs {
		fn(text)
	}
}

func (b *Buffer) OnLocalChange(fn func(text string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *Buffer) snapshot() []func(string) {
	out := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		out = append(out, fn)
	}
	return out
}
