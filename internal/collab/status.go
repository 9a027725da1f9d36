// Package collab contiene el vocabulario compartido por los dos diseños de
// sesión colaborativa (mesh con autoridad y CRDT con presencia): estados de
// conexión, eventos tipados, timings configurables y el contrato del editor.
package collab

import "encoding/json"

// Status es el estado de conexión de una sesión.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusSolo
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSolo:
		return "solo"
	default:
		return "disconnected"
	}
}

// MarshalJSON serializa el estado con su nombre ("connected", "solo", ...).
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseStatus es el inverso de String. Valores desconocidos => disconnected.
func ParseStatus(v string) Status {
	switch v {
	case "connecting":
		return StatusConnecting
	case "connected":
		return StatusConnected
	case "solo":
		return StatusSolo
	default:
		return StatusDisconnected
	}
}

// DisplayStatus deriva el estado visible a partir del estado crudo y la
// cantidad de peers: connected sin peers se muestra como solo.
// Función pura, usada igual por ambos diseños.
func DisplayStatus(status Status, peerCount int) Status {
	if status == StatusConnected && peerCount <= 0 {
		return StatusSolo
	}
	return status
}

// ConnectionInfo es la foto que la sesión expone a la UI.
type ConnectionInfo struct {
	Status      Status `json:"status"`
	PeerCount   int    `json:"peerCount"`
	IsAuthority bool   `json:"isAuthority"`
}

// NewConnectionInfo arma la info con el estado ya derivado y peerCount >= 0.
func NewConnectionInfo(raw Status, peerCount int, isAuthority bool) ConnectionInfo {
	if peerCount < 0 {
		peerCount = 0
	}
	return ConnectionInfo{
		Status:      DisplayStatus(raw, peerCount),
		PeerCount:   peerCount,
		IsAuthority: isAuthority,
	}
}

// Connected reporta si la sesión está activa (connected o solo).
func (c ConnectionInfo) Connected() bool {
	return c.Status == StatusConnected || c.Status == StatusSolo
}
