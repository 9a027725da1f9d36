package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configura el logger.
type Config struct {
	// Env define el entorno: "dev" (consola con colores), "prod" (JSON) o
	// "test" (no escribe nada).
	// Default: "dev"
	Env string

	// Level define el nivel mínimo de log: "debug", "info", "warn", "error".
	// Default: "info"
	Level string

	// ServiceName se agrega como campo "service". Opcional.
	ServiceName string

	// Version es la versión del binario. Opcional.
	Version string
}

// build construye el logger según la configuración.
func build(cfg Config) *zap.Logger {
	level := parseLevel(cfg.Level)

	var l *zap.Logger
	var err error

	switch strings.ToLower(strings.TrimSpace(cfg.Env)) {
	case "test":
		return zap.NewNop()
	case "prod", "production":
		l, err = buildProd(level)
	default:
		l, err = buildDev(level)
	}
	if err != nil {
		// Fallback a un logger básico si falla
		l, _ = zap.NewProduction()
	}
	return withBase(l, cfg)
}

// buildDev: consola con colores, hora corta y sin stacktraces.
func buildDev(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zcfg.DisableStacktrace = true
	return zcfg.Build(zap.AddCaller())
}

// buildProd: JSON con tiempo ISO8601 y stacktrace desde error.
func buildProd(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zcfg.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

func withBase(l *zap.Logger, cfg Config) *zap.Logger {
	if cfg.ServiceName != "" {
		l = l.With(zap.String("service", cfg.ServiceName))
	}
	if cfg.Version != "" {
		l = l.With(zap.String("version", cfg.Version))
	}
	return l
}

// parseLevel convierte un string a zapcore.Level.
func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
