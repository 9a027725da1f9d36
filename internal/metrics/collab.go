package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas de las sesiones colaborativas y del broker. Viven en un paquete
// aparte para que mesh, crdt y wsnet no se importen entre sí.

var (
	Elections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_elections_total",
		Help: "Resultados de rondas de elección (authority|follower|bind_conflict|exhausted)",
	}, []string{"outcome"})

	Failovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_failovers_total",
		Help: "Pérdidas de autoridad detectadas por un follower",
	})

	RelayedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_relayed_messages_total",
		Help: "Mensajes reenviados por la autoridad, por tipo",
	}, []string{"type"})

	DroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_dropped_messages_total",
		Help: "Frames descartados (malformed|unexpected)",
	}, []string{"reason"})

	EvaluateEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_evaluate_events_total",
		Help: "Eventos evaluate por dirección (sent|received)",
	}, []string{"design", "direction"})

	ConnectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_connect_failures_total",
		Help: "Connect fallidos por diseño y motivo",
	}, []string{"design", "reason"})

	Seeds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_document_seeds_total",
		Help: "Inserciones iniciales hechas por el ganador del ticket",
	})

	BrokerEndpoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_broker_endpoints",
		Help: "Identidades registradas en el broker",
	})

	BrokerFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_broker_frames_total",
		Help: "Frames ruteados por el broker, por operación",
	}, []string{"op"})
)

// RegisterCollab registers the collab metrics on the given registry (or default if nil).
func RegisterCollab(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		Elections, Failovers, RelayedMessages, DroppedMessages, EvaluateEvents,
		ConnectFailures, Seeds, BrokerEndpoints, BrokerFrames,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
