package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway observability. Connect/disconnect tracking carries no persistence
// side effect; losing the registry loses only live delivery, never data.
var (
	wsSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quadchat_ws_sessions",
		Help: "Open websocket sessions.",
	})

	wsConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadchat_ws_connects_total",
		Help: "Accepted websocket handshakes.",
	})

	wsDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadchat_ws_disconnects_total",
		Help: "Closed websocket sessions.",
	})

	wsAuthRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadchat_ws_auth_rejects_total",
		Help: "Handshakes rejected before establishment.",
	})

	wsEmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadchat_ws_emits_total",
		Help: "Events emitted to user mailboxes.",
	}, []string{"event"})

	wsEmitDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadchat_ws_emit_drops_total",
		Help: "Mailbox emissions dropped under backpressure.",
	})
)
