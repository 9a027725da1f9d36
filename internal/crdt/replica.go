// Package crdt implementa el diseño con presencia: documento compartido
// replicado, presencia efímera por peer y arbitraje de bootstrap por tickets.
//
// No hay autoridad. Cada peer registra un Ticket antes de su primer sync; en
// ese sync todos eligen el mismo ganador (menor (timestamp, id)) y sólo el
// ganador siembra el documento si lo vio vacío. La cantidad de peers sale de
// la presencia y evaluate viaja como un timestamp en la presencia propia.
//
// El merge del documento y la recolección de presencia son del backend
// (memroom, redisroom); este paquete sólo define los contratos.
package crdt

import (
	"context"
	"errors"
)

var (
	ErrRoomClosed  = errors.New("crdt: room closed")
	ErrOutOfRange  = errors.New("crdt: offset out of range")
	ErrNoBackend   = errors.New("crdt: backend and editor are required")
	ErrEmptyClient = errors.New("crdt: empty client id")
)

// Backend abre salas replicadas.
type Backend interface {
	// Join entra a room con la identidad clientID.
	Join(ctx context.Context, room, clientID string) (Room, error)
}

// Room es la vista de una sala para un cliente.
type Room interface {
	Doc() Document
	Presence() Presence
	Meta() Metadata
	// Synced se cierra cuando llegó el primer estado remoto completo.
	// nil si el backend no lo informa (la sesión espera SyncDelay).
	Synced() <-chan struct{}
	// Close sale de la sala; la presencia propia desaparece.
	Close() error
}

// Document es el texto compartido. Los offsets son en runas.
type Document interface {
	Text() string
	Len() int
	Insert(offset int, text string) error
	Delete(offset, length int) error
	// OnChange avisa cada mutación con el clientID que la originó.
	OnChange(fn func(origin string)) (unsubscribe func())
}

// UserState es el campo user de la presencia.
type UserState struct {
	Name       string `json:"name"`
	Color      string `json:"color"`
	ColorLight string `json:"colorLight,omitempty"`
}

// PresenceState es el registro efímero de un peer.
type PresenceState struct {
	User     *UserState `json:"user,omitempty"`
	Evaluate int64      `json:"evaluate,omitempty"`
}

// PresenceChange lista los clientIDs afectados por un cambio de presencia.
type PresenceChange struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reporta si el cambio no afecta a nadie.
func (c PresenceChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Presence es el almacén efímero de la sala.
type Presence interface {
	ClientID() string
	Local() PresenceState
	SetLocal(state PresenceState) error
	// States incluye el registro propio.
	States() map[string]PresenceState
	OnChange(fn func(PresenceChange)) (unsubscribe func())
}

// Metadata es el mapa compartido append-only (tickets).
type Metadata interface {
	// PutIfAbsent escribe key sólo si no existe. Devuelve true si escribió.
	PutIfAbsent(key string, value []byte) (bool, error)
	Scan(prefix string) (map[string][]byte, error)
}
