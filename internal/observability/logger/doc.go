// Package logger provides a singleton Zap logger with context-based scoping.
//
// # Design Decisions
//
//   - Singleton: una sola instancia global inicializada con Init().
//   - Context Scoping: cada sesión o conexión del broker puede tener su logger
//     "scoped" con campos propios (room, peer_id, state) sin crear un core nuevo.
//   - Environments: "dev" usa consola con colores, "prod" usa JSON, "test" descarta.
//   - Levels: debug, info, warn, error (configurable via LOG_LEVEL).
//
// # Usage
//
// Inicialización (una vez en main.go):
//
//	logger.Init(logger.Config{
//	    Env:   os.Getenv("APP_ENV"),   // "dev" o "prod"
//	    Level: os.Getenv("LOG_LEVEL"), // "debug", "info", "warn", "error"
//	})
//	defer logger.Sync()
//
// En sesiones:
//
//	log := logger.Named("mesh").With(logger.Room(room))
//	log.Info("promoted to authority", logger.PeerID(id))
package logger
