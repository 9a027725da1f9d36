package crdt

import (
	"encoding/json"
	"sort"
	"strings"
)

// TicketPrefix es el prefijo de las entradas de tickets en la metadata compartida.
const TicketPrefix = "ticket_"

// Ticket es el reclamo con timestamp que registra cada peer al conectarse.
// Decide quién siembra el documento compartido. Nunca se borra.
type Ticket struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Key es la clave del ticket en la metadata: ticket_<id>.
func (t Ticket) Key() string { return TicketPrefix + t.ID }

// Less ordena por (timestamp, id). El id desempata timestamps iguales para
// que todos los observadores elijan el mismo ganador.
func (t Ticket) Less(o Ticket) bool {
	if t.Timestamp != o.Timestamp {
		return t.Timestamp < o.Timestamp
	}
	return t.ID < o.ID
}

// Winner devuelve el menor ticket. ok es false si no hay tickets.
func Winner(tickets []Ticket) (w Ticket, ok bool) {
	for i, t := range tickets {
		if i == 0 || t.Less(w) {
			w = t
		}
	}
	return w, len(tickets) > 0
}

// DecodeTickets interpreta las entradas ticket_* de la metadata. Las
// entradas malformadas o sin id se ignoran. El resultado queda ordenado.
func DecodeTickets(entries map[string][]byte) []Ticket {
	out := make([]Ticket, 0, len(entries))
	for k, v := range entries {
		if !strings.HasPrefix(k, TicketPrefix) {
			continue
		}
		var t Ticket
		if err := json.Unmarshal(v, &t); err != nil || t.ID == "" {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
