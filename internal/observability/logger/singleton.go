package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu       sync.RWMutex
	instance *zap.Logger
)

// Init inicializa el logger singleton con la configuración dada.
// Sólo la primera llamada tiene efecto; usar Replace para tests.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		instance = build(cfg)
	}
}

// Replace reemplaza el singleton y devuelve una función que restaura el anterior.
func Replace(l *zap.Logger) (restore func()) {
	mu.Lock()
	prev := instance
	instance = l
	mu.Unlock()
	return func() {
		mu.Lock()
		instance = prev
		mu.Unlock()
	}
}

// L retorna el logger singleton.
// Si Init() no fue llamado, crea un logger por defecto (dev, info).
func L() *zap.Logger {
	mu.RLock()
	l := instance
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(Config{Env: "dev", Level: "info"})
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// Named retorna un logger con un nombre de componente.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// With retorna un logger con campos adicionales.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Sync flushea cualquier buffer pendiente.
// Debe llamarse con defer en main.go.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if instance != nil {
		return instance.Sync()
	}
	return nil
}
