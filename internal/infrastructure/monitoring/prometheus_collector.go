package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"callnet/internal/core/domain"
)

type PrometheusCollector struct {
	activeCalls          prometheus.Gauge
	wsConnections        prometheus.Gauge
	callsTotal           *prometheus.CounterVec
	callsEndedTotal      *prometheus.CounterVec
	signalingAttempts    *prometheus.CounterVec
	engineRebuildsTotal  prometheus.Counter
	iceRestartsTotal     prometheus.Counter
	callSetupDuration    prometheus.Histogram
	callDuration         prometheus.Histogram
	krakenRequestLatency *prometheus.HistogramVec
	roomMemberCount      *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		activeCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callnet_active_calls",
			Help: "Number of calls currently in progress",
		}),

		wsConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callnet_ws_connections",
			Help: "Number of connected signaling clients",
		}),

		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "callnet_calls_total",
			Help: "Calls started, by kind and direction",
		}, []string{"kind", "direction"}),

		callsEndedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "callnet_calls_ended_total",
			Help: "Calls ended, by reason and side",
		}, []string{"reason", "side"}),

		signalingAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "callnet_signaling_attempts_total",
			Help: "Signaling requests, by action and outcome",
		}, []string{"action", "outcome"}),

		engineRebuildsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callnet_engine_rebuilds_total",
			Help: "Media engine rebuilds after session loss",
		}),

		iceRestartsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callnet_ice_restarts_total",
			Help: "ICE restarts triggered by connection failures",
		}),

		callSetupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callnet_call_setup_duration_seconds",
			Help:    "Time from call start to connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callnet_call_duration_seconds",
			Help:    "Connected time of finished calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		krakenRequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callnet_kraken_request_duration_seconds",
			Help:    "Latency of group-call signaling requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"action"}),

		roomMemberCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callnet_room_member_count",
			Help: "Members per active group-call room",
		}, []string{"conversation_id"}),
	}
}

func (p *PrometheusCollector) RecordCallStarted(isGroup, isOutgoing bool) {
	p.activeCalls.Inc()
	p.callsTotal.WithLabelValues(callKind(isGroup), callDirection(isOutgoing)).Inc()
}

func (p *PrometheusCollector) RecordCallEnded(record *domain.CallRecord) {
	p.activeCalls.Dec()
	p.callsEndedTotal.WithLabelValues(string(record.Reason), string(record.Side)).Inc()
	if d := record.Duration(); d > 0 {
		p.callDuration.Observe(d.Seconds())
	}
	if record.IsGroup {
		p.roomMemberCount.DeleteLabelValues(string(record.ConversationID))
	}
}

func (p *PrometheusCollector) RecordCallConnected(setup time.Duration) {
	p.callSetupDuration.Observe(setup.Seconds())
}

func (p *PrometheusCollector) RecordSignalingAttempt(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.signalingAttempts.WithLabelValues(action, outcome).Inc()
}

func (p *PrometheusCollector) RecordKrakenRequest(action string, duration time.Duration) {
	p.krakenRequestLatency.WithLabelValues(action).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordEngineRebuild() {
	p.engineRebuildsTotal.Inc()
}

func (p *PrometheusCollector) RecordICERestart() {
	p.iceRestartsTotal.Inc()
}

func (p *PrometheusCollector) SetRoomMemberCount(conversationID domain.ConversationID, count int) {
	p.roomMemberCount.WithLabelValues(string(conversationID)).Set(float64(count))
}

func (p *PrometheusCollector) ClientConnected()    { p.wsConnections.Inc() }
func (p *PrometheusCollector) ClientDisconnected() { p.wsConnections.Dec() }

func callKind(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "peer"
}

func callDirection(isOutgoing bool) string {
	if isOutgoing {
		return "outgoing"
	}
	return "incoming"
}
