package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - SESIÓN
// =================================================================================

// Room crea un campo para la sala / identificador de rendezvous.
func Room(v string) zap.Field {
	return zap.String("room", v)
}

// PeerID crea un campo para el id de un peer.
func PeerID(v string) zap.Field {
	return zap.String("peer_id", v)
}

// AuthorityID crea un campo para el id de la autoridad.
func AuthorityID(v string) zap.Field {
	return zap.String("authority_id", v)
}

// State crea un campo para el estado de la máquina de elección.
func State(v string) zap.Field {
	return zap.String("state", v)
}

// MsgType crea un campo para el tipo de mensaje del protocolo.
func MsgType(v string) zap.Field {
	return zap.String("msg_type", v)
}

// Design crea un campo para el diseño de sesión (mesh | crdt).
func Design(v string) zap.Field {
	return zap.String("design", v)
}

// Round crea un campo para la ronda de elección.
func Round(v int) zap.Field {
	return zap.Int("round", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - BROKER
// =================================================================================

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// LinkID crea un campo para el id de un link multiplexado.
func LinkID(v string) zap.Field {
	return zap.String("link_id", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
