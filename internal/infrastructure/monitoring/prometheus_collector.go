package monitoring

import (
	"context"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	connectionsOpen prometheus.Gauge
	roomMembers     *prometheus.GaugeVec
	roomSpeaking    *prometheus.GaugeVec

	// Counters
	admitsTotal        *prometheus.CounterVec
	rejectionsTotal    *prometheus.CounterVec
	leavesTotal        *prometheus.CounterVec
	evictionsTotal     prometheus.Counter
	moderationTotal    *prometheus.CounterVec
	relayedTotal       *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	slowConsumersTotal prometheus.Counter
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the voicemesh metrics with reg. A nil reg
// means the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_connections_open",
			Help: "Number of open signaling connections",
		}),

		roomMembers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicemesh_room_members",
			Help: "Number of members in each room",
		}, []string{"room_id"}),

		roomSpeaking: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicemesh_room_speaking",
			Help: "Number of members currently speaking in each room",
		}, []string{"room_id"}),

		admitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_room_admits_total",
			Help: "Total number of successful room joins",
		}, []string{"room_id"}),

		rejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_room_rejections_total",
			Help: "Total number of rejected room joins",
		}, []string{"room_id", "reason"}),

		leavesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_room_leaves_total",
			Help: "Total number of members leaving rooms",
		}, []string{"room_id"}),

		evictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_inactivity_evictions_total",
			Help: "Total number of participants evicted for inactivity",
		}),

		moderationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_moderation_requests_total",
			Help: "Moderator mute requests by outcome",
		}, []string{"outcome"}),

		relayedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_relayed_messages_total",
			Help: "Negotiation messages relayed between participants",
		}, []string{"kind"}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_signal_messages_total",
			Help: "Inbound signaling messages by type",
		}, []string{"type"}),

		slowConsumersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_slow_consumers_total",
			Help: "Connections dropped because their send queue was full",
		}),
	}
}

func (p *PrometheusCollector) RecordAdmit(roomID domain.RoomID) {
	p.admitsTotal.WithLabelValues(string(roomID)).Inc()
}

func (p *PrometheusCollector) RecordRejection(roomID domain.RoomID, reason string) {
	p.rejectionsTotal.WithLabelValues(string(roomID), reason).Inc()
}

func (p *PrometheusCollector) RecordLeave(roomID domain.RoomID) {
	p.leavesTotal.WithLabelValues(string(roomID)).Inc()
}

func (p *PrometheusCollector) SetOccupancy(roomID domain.RoomID, members int) {
	p.roomMembers.WithLabelValues(string(roomID)).Set(float64(members))
}

func (p *PrometheusCollector) RecordEviction() {
	p.evictionsTotal.Inc()
}

func (p *PrometheusCollector) RecordModeration(authorized bool) {
	outcome := "rejected"
	if authorized {
		outcome = "applied"
	}
	p.moderationTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordRelay(kind domain.EventKind) {
	p.relayedTotal.WithLabelValues(string(kind)).Inc()
}

// Connection metrics for the signaling server.

func (p *PrometheusCollector) SetConnections(n int) {
	p.connectionsOpen.Set(float64(n))
}

func (p *PrometheusCollector) RecordMessage(msgType string) {
	p.messagesTotal.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) RecordSlowConsumer() {
	p.slowConsumersTotal.Inc()
}

// UpdateRoomMetrics refreshes the per-room gauges from a registry snapshot.
func (p *PrometheusCollector) UpdateRoomMetrics(stats []domain.RoomMetrics) {
	for _, s := range stats {
		p.roomMembers.WithLabelValues(string(s.RoomID)).Set(float64(s.Members))
		p.roomSpeaking.WithLabelValues(string(s.RoomID)).Set(float64(s.Speaking))
	}
}

// RunRoomMetrics refreshes the per-room gauges from source every interval
// until ctx is done.
func (p *PrometheusCollector) RunRoomMetrics(ctx context.Context, source func() []domain.RoomMetrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.UpdateRoomMetrics(source())
		}
	}
}
