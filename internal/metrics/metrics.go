package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for notesync. The relay and the sync
// client share one set; each side only touches its own series.
type Metrics struct {
	// Relay
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	// Sync client
	StateTransitions *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	FramesTotal      *prometheus.CounterVec
	LostEditsTotal   *prometheus.CounterVec
	ServerReachable  prometheus.Gauge
}

// New creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "notesync_relay_connections_total",
			Help: "Total channel connections accepted by the relay",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "notesync_relay_active_connections",
			Help: "Current open channel connections",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "notesync_relay_active_rooms",
			Help: "Rooms with at least one subscriber",
		}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notesync_relay_messages_total",
			Help: "Frames handled by the relay",
		}, []string{"direction"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notesync_relay_errors_total",
			Help: "Relay errors by type",
		}, []string{"type"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notesync_channel_state_transitions_total",
			Help: "Channel state transitions by purpose and target state",
		}, []string{"purpose", "state"}),
		ReconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notesync_channel_reconnects_total",
			Help: "Reconnect attempts scheduled after abnormal closes",
		}, []string{"purpose"}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notesync_channel_frames_total",
			Help: "Frames sent and received by sync channels",
		}, []string{"direction", "type"}),
		LostEditsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notesync_channel_lost_edits_total",
			Help: "Local edits dropped because the channel was not open",
		}, []string{"purpose"}),
		ServerReachable: f.NewGauge(prometheus.GaugeOpts{
			Name: "notesync_server_reachable",
			Help: "Last reachability probe result (1=up, 0=down)",
		}),
	}
}
