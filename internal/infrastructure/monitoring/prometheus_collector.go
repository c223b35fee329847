package monitoring

import (
	"time"

	"hangnet/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	hangoutsActive    prometheus.Gauge
	hangoutsTotal     prometheus.Counter
	participantsTotal prometheus.Counter
	participantsLeft  *prometheus.CounterVec

	mediaLinksActive *prometheus.GaugeVec
	mediaLinksTotal  *prometheus.CounterVec

	negotiationDuration prometheus.Histogram

	broadcastsActive  prometheus.Gauge
	relayPushFailures prometheus.Counter
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		hangoutsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hangnet_hangouts_active",
			Help: "Number of hangouts currently in the active state",
		}),

		hangoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hangnet_hangouts_started_total",
			Help: "Total number of hangouts that reached the active state",
		}),

		participantsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hangnet_participants_joined_total",
			Help: "Total number of participant admissions",
		}),

		participantsLeft: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hangnet_participants_left_total",
			Help: "Total number of participant removals by reason",
		}, []string{"reason"}),

		mediaLinksActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hangnet_media_links_active",
			Help: "Number of live producer/consumer links by media kind",
		}, []string{"kind"}),

		mediaLinksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hangnet_media_links_created_total",
			Help: "Total number of producer/consumer links created by media kind",
		}, []string{"kind"}),

		negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hangnet_transport_negotiation_duration_seconds",
			Help:    "Time from admission to both transports connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		broadcastsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hangnet_broadcasts_active",
			Help: "Number of hangouts with an attached broadcast relay",
		}),

		relayPushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hangnet_relay_push_failures_total",
			Help: "Total number of failed pushes to a broadcast relay",
		}),
	}
}

func (p *PrometheusCollector) HangoutStarted(domain.HangoutID) {
	p.hangoutsActive.Inc()
	p.hangoutsTotal.Inc()
}

func (p *PrometheusCollector) HangoutEnded(domain.HangoutID) {
	p.hangoutsActive.Dec()
}

func (p *PrometheusCollector) ParticipantJoined(domain.HangoutID) {
	p.participantsTotal.Inc()
}

func (p *PrometheusCollector) ParticipantLeft(_ domain.HangoutID, reason domain.RemovalReason) {
	p.participantsLeft.WithLabelValues(string(reason)).Inc()
}

func (p *PrometheusCollector) MediaLinkCreated(kind domain.MediaKind) {
	p.mediaLinksActive.WithLabelValues(string(kind)).Inc()
	p.mediaLinksTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) MediaLinkClosed(kind domain.MediaKind) {
	p.mediaLinksActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) NegotiationCompleted(d time.Duration) {
	p.negotiationDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) BroadcastStarted(domain.HangoutID) {
	p.broadcastsActive.Inc()
}

func (p *PrometheusCollector) BroadcastStopped(domain.HangoutID) {
	p.broadcastsActive.Dec()
}

func (p *PrometheusCollector) RelayPushFailed(domain.HangoutID) {
	p.relayPushFailures.Inc()
}
