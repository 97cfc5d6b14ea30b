package focus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConferences = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference_focus",
		Name:      "active_conferences",
		Help:      "Number of conferences currently hosted by this focus.",
	})

	activeParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference_focus",
		Name:      "active_participants",
		Help:      "Number of participants across all conferences.",
	})

	conferencesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Name:      "conferences_created_total",
		Help:      "Total number of conferences created.",
	})

	channelAllocationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conference_focus",
		Name:      "channel_allocation_seconds",
		Help:      "Duration of COLIBRI channel allocation attempts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	bridgeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Name:      "bridge_failures_total",
		Help:      "Total number of bridge sessions abandoned after a failure.",
	})

	participantReinvitesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Name:      "participant_reinvites_total",
		Help:      "Total number of participant re-invites after bridge failover.",
	})

	iqRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Name:      "iq_requests_total",
		Help:      "IQ requests handled, by kind and outcome.",
	}, []string{"kind", "outcome"})
)
