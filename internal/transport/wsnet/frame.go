// Package wsnet implementa transport.Network sobre websocket con un broker
// de rendezvous: cada Endpoint es una conexión websocket al broker y los
// links entre endpoints se multiplexan sobre ella.
//
// El broker sólo registra identidades y rutea frames; no interpreta el
// payload de los links.
package wsnet

import (
	"encoding/json"
	"fmt"
)

// Operaciones del sobre.
const (
	opBind     = "bind"     // cliente -> broker: registrar ID
	opBound    = "bound"    // broker -> cliente: bind ok
	opDial     = "dial"     // cliente -> broker: abrir link a Remote
	opDialed   = "dialed"   // broker -> cliente: link abierto
	opIncoming = "incoming" // broker -> cliente: alguien abrió un link
	opData     = "data"     // ambos sentidos: payload de un link
	opClose    = "close"    // ambos sentidos: cierre de un link
	opError    = "error"    // broker -> cliente: respuesta a Seq fallida
)

// Códigos de error del broker.
const (
	codeIDTaken     = "id_taken"
	codeUnavailable = "unavailable"
	codeBadRequest  = "bad_request"
)

// frame es el sobre JSON de todo lo que viaja por el websocket.
type frame struct {
	Op     string `json:"op"`
	Seq    uint64 `json:"seq,omitempty"`
	ID     string `json:"id,omitempty"`
	Remote string `json:"remote,omitempty"`
	Link   string `json:"link,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Code   string `json:"code,omitempty"`
}

func (f frame) encode() []byte {
	b, _ := json.Marshal(f)
	return b
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return frame{}, fmt.Errorf("wsnet: decode frame: %w", err)
	}
	if f.Op == "" {
		return frame{}, fmt.Errorf("wsnet: frame without op")
	}
	return f, nil
}
