package collab

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDisconnected: Disconnect fue llamado mientras Connect estaba pendiente.
	ErrDisconnected = errors.New("collab: session disconnected")
	// ErrConnectTimeout: la sala no resolvió dentro de ConnectTimeout.
	ErrConnectTimeout = errors.New("collab: connect timeout")
	// ErrNoRendezvous: se agotaron las rondas de elección sin autoridad ni follower.
	ErrNoRendezvous = errors.New("collab: no rendezvous path for room")
)

// ConnectTimeoutError envuelve ErrConnectTimeout con un mensaje accionable.
func ConnectTimeoutError(room string, after time.Duration) error {
	return fmt.Errorf("%w: timed out connecting to room %q after %s, check your network or try again", ErrConnectTimeout, room, after)
}

// PeerInfo describe un peer remoto para la lista de la UI.
type PeerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Session es la interfaz expuesta a la UI/editor. La implementan mesh.Session
// y crdt.Session.
type Session interface {
	// Connect bloquea hasta quedar conectado, vencer el timeout o ser cancelado.
	Connect(ctx context.Context, roomID, username string) error
	// Disconnect es idempotente y seguro en cualquier estado.
	Disconnect()
	ConnectionInfo() ConnectionInfo
	BroadcastEvaluate()
	Peers() []PeerInfo
	Events() *Bus
}

// RoomOrDefault normaliza el id de sala.
func RoomOrDefault(room string) string {
	if room == "" {
		return DefaultLobbyID
	}
	return room
}
