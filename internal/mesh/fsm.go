package mesh

import (
	"fmt"

	"github.com/dropDatabas3/hellojam/internal/collab"
)

// State es el estado de la máquina de elección.
type State int

const (
	StateDisconnected State = iota
	StateElecting
	StateAuthority
	StateFollower
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateElecting:
		return "electing"
	case StateAuthority:
		return "authority"
	case StateFollower:
		return "follower"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// transitions es la tabla de transiciones válidas. Disconnected es alcanzable
// desde cualquier estado (disconnect explícito o connect fallido). La
// autoridad sólo pasa a Reconnecting si pierde la identidad de rendezvous.
var transitions = map[State][]State{
	StateDisconnected: {StateElecting},
	StateElecting:     {StateElecting, StateAuthority, StateFollower, StateDisconnected},
	StateAuthority:    {StateReconnecting, StateDisconnected},
	StateFollower:     {StateReconnecting, StateAuthority, StateDisconnected},
	StateReconnecting: {StateElecting, StateAuthority, StateDisconnected},
}

// CanTransition reporta si from -> to figura en la tabla.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type transitionError struct{ from, to State }

func (e transitionError) Error() string {
	return fmt.Sprintf("mesh: invalid transition %s -> %s", e.from, e.to)
}

// RawStatus proyecta el estado al vocabulario compartido (antes de DisplayStatus).
func (s State) RawStatus() collab.Status {
	switch s {
	case StateElecting, StateReconnecting:
		return collab.StatusConnecting
	case StateAuthority, StateFollower:
		return collab.StatusConnected
	default:
		return collab.StatusDisconnected
	}
}

// Role es la capacidad de fan-out del peer.
type Role int

const (
	// RoleLeaf no reenvía mensajes de otros peers.
	RoleLeaf Role = iota
	// RoleRelayer reenvía change/evaluate a todos menos al emisor.
	RoleRelayer
)

func (r Role) CanRelay() bool { return r == RoleRelayer }

func (r Role) String() string {
	if r == RoleRelayer {
		return "relayer"
	}
	return "leaf"
}

// RoleFor deriva la capacidad del estado: sólo la autoridad reenvía.
func RoleFor(s State) Role {
	if s == StateAuthority {
		return RoleRelayer
	}
	return RoleLeaf
}
