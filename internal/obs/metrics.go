package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions           = promauto.NewGauge(prometheus.GaugeOpts{Name: "notary_active_sessions", Help: "Sessions tracked by the registry"})
	PendingSessions          = promauto.NewGauge(prometheus.GaugeOpts{Name: "notary_pending_sessions", Help: "Registered sessions waiting for the prover"})
	SessionRegisteredTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "notary_session_registered_total", Help: "Sessions registered"})
	SessionAttachedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "notary_session_attached_total", Help: "Prover connections matched to a session"})
	SessionCompletedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "notary_session_completed_total", Help: "Sessions that produced results"})
	SessionEvictedTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "notary_session_evicted_total", Help: "Sessions evicted before completion"})
	ErrorsTotal              = promauto.NewCounterVec(prometheus.CounterOpts{Name: "notary_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "notary_session_duration_seconds", Help: "Registration to completion seconds", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)})
	ProxyLinksActive         = promauto.NewGauge(prometheus.GaugeOpts{Name: "notary_proxy_links_active", Help: "Open proxy links"})
	ProxyBytesTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "notary_proxy_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ProxyLinkDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "notary_proxy_link_duration_seconds", Help: "Proxy link lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	ChannelOverflowTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "notary_iochannel_overflow_total", Help: "IoChannels closed for read queue overflow"})
	ChannelBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "notary_iochannel_bytes_total", Help: "IoChannel payload bytes by direction"}, []string{"direction"})
	ProverCallsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "notary_prover_calls_total", Help: "Engine worker calls by op and outcome"}, []string{"op", "outcome"})
)
