// Package protocol define los mensajes del diseño mesh (relay vía autoridad).
// Se entregan sobre el canal confiable y ordenado de cada link del transporte.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifica el mensaje en el cable.
type Type string

const (
	TypeSync        Type = "sync"        // autoridad -> peer que entra
	TypeRequestSync Type = "requestSync" // follower -> autoridad
	TypeChange      Type = "change"      // cualquiera <-> autoridad (fan-out)
	TypeEvaluate    Type = "evaluate"    // cualquiera <-> autoridad (fan-out)
	TypePeerJoined  Type = "peerJoined"  // autoridad -> followers
	TypePeerLeft    Type = "peerLeft"    // autoridad -> followers
)

// ErrMalformed: el frame no es un mensaje válido. Quien recibe lo descarta.
var ErrMalformed = errors.New("protocol: malformed message")

// Message es la unión de todos los tipos; sólo se usan los campos del Type.
type Message struct {
	Type        Type     `json:"type"`
	Code        string   `json:"code,omitempty"`
	Peers       []string `json:"peers,omitempty"`
	AuthorityID string   `json:"authorityId,omitempty"`
	PeerID      string   `json:"peerId,omitempty"`
}

// Sync arma el snapshot completo. peers vacío se omite en el cable.
func Sync(code string, peers []string, authorityID string) Message {
	return Message{Type: TypeSync, Code: code, Peers: peers, AuthorityID: authorityID}
}

func RequestSync() Message         { return Message{Type: TypeRequestSync} }
func Change(code string) Message   { return Message{Type: TypeChange, Code: code} }
func Evaluate() Message            { return Message{Type: TypeEvaluate} }
func PeerJoined(id string) Message { return Message{Type: TypePeerJoined, PeerID: id} }
func PeerLeft(id string) Message   { return Message{Type: TypePeerLeft, PeerID: id} }

// Relayable reporta si la autoridad reenvía este tipo al resto de los peers.
func (m Message) Relayable() bool {
	return m.Type == TypeChange || m.Type == TypeEvaluate
}

// Validate chequea los campos obligatorios de cada tipo.
func (m Message) Validate() error {
	switch m.Type {
	case TypeSync:
		if m.AuthorityID == "" {
			return fmt.Errorf("%w: sync without authorityId", ErrMalformed)
		}
	case TypeRequestSync, TypeEvaluate, TypeChange:
		// code vacío es un documento vacío válido
	case TypePeerJoined, TypePeerLeft:
		if m.PeerID == "" {
			return fmt.Errorf("%w: %s without peerId", ErrMalformed, m.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

// Encode serializa el mensaje a JSON.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parsea y valida un frame. Cualquier error envuelve ErrMalformed.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
