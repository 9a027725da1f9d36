// Package transport define el contrato del transporte peer-to-peer que usa
// el diseño mesh. Sigue el modelo de PeerJS: cada peer registra una identidad
// (o recibe una asignada), puede abrir links hacia otra identidad y acepta
// links entrantes. Cada link es confiable y ordenado.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrIDTaken: la identidad ya está registrada por otro peer. Sólo un bind gana.
	ErrIDTaken = errors.New("transport: id already taken")
	// ErrPeerUnavailable: no hay nadie registrado con esa identidad.
	ErrPeerUnavailable = errors.New("transport: peer unavailable")
	// ErrClosed: el link o el endpoint ya fue cerrado.
	ErrClosed = errors.New("transport: closed")
)

// Network abre identidades locales.
type Network interface {
	// Open registra id. Con id vacío el transporte asigna uno transitorio.
	Open(ctx context.Context, id string) (Endpoint, error)
}

// Endpoint es una identidad registrada.
type Endpoint interface {
	ID() string
	// Dial abre un link hacia remote. Devuelve cuando el link está abierto.
	Dial(ctx context.Context, remote string) (Link, error)
	// Accept entrega los links entrantes; se cierra junto con el endpoint.
	Accept() <-chan Link
	// Close libera la identidad y cierra todos sus links. Idempotente.
	Close() error
}

// Link es un canal bidireccional con un peer.
type Link interface {
	Remote() string
	Send(msg []byte) error
	// Recv entrega los frames en orden; se cierra cuando el link se cae.
	Recv() <-chan []byte
	Close() error
}
