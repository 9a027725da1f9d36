package collab

import "time"

// DefaultLobbyID es la sala usada cuando no se indica ninguna.
const DefaultLobbyID = "strudel-jam-session"

// Timings agrupa los timeouts de la sesión. Se inyecta en la construcción;
// ningún handler usa constantes propias.
type Timings struct {
	// ElectionTimeout: ventana para abrir el link al rendezvous antes de autoproclamarse autoridad.
	ElectionTimeout time.Duration
	// ReconnectBackoff: espera de un follower antes de re-elegir cuando no es el candidato.
	ReconnectBackoff time.Duration
	// ConnectTimeout: tope total de Connect.
	ConnectTimeout time.Duration
	// SyncDelay: espera del primer estado remoto cuando el backend no avisa "synced".
	SyncDelay time.Duration
	// MaxElectionRounds: rondas de elección fallidas (bind en conflicto) antes de rendirse.
	MaxElectionRounds int
}

// DefaultTimings devuelve los valores observados en producción.
func DefaultTimings() Timings {
	return Timings{
		ElectionTimeout:   time.Second,
		ReconnectBackoff:  time.Second,
		ConnectTimeout:    10 * time.Second,
		SyncDelay:         100 * time.Millisecond,
		MaxElectionRounds: 5,
	}
}

// WithDefaults completa los campos en cero.
func (t Timings) WithDefaults() Timings {
	d := DefaultTimings()
	if t.ElectionTimeout <= 0 {
		t.ElectionTimeout = d.ElectionTimeout
	}
	if t.ReconnectBackoff <= 0 {
		t.ReconnectBackoff = d.ReconnectBackoff
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = d.ConnectTimeout
	}
	if t.SyncDelay <= 0 {
		t.SyncDelay = d.SyncDelay
	}
	if t.MaxElectionRounds <= 0 {
		t.MaxElectionRounds = d.MaxElectionRounds
	}
	return t
}
