// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered once on the default registry and exported on
// GET /metrics. Labels never carry tenant identities.
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewrelay_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewrelay_http_request_duration_seconds",
			Help:    "HTTP request duration by route pattern.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewrelay_logins_total",
			Help: "Bot session login attempts by result.",
		},
		[]string{"result"}, // "ok" or an ErrorKind
	)

	liveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewrelay_sessions_live",
			Help: "Bot sessions currently logged in.",
		},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewrelay_messages_sent_total",
			Help: "Outbound messages by result.",
		},
		[]string{"result"},
	)

	repliesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewrelay_replies_fetched_total",
			Help: "Reviewer replies returned by fetch.",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewrelay_notifications_total",
			Help: "Reply notifications by outcome.",
		},
		[]string{"outcome"}, // "delivered", "dropped", "failed"
	)

	activeChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewrelay_channels_registered",
			Help: "Push channels currently registered to a tenant.",
		},
	)

	syncErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewrelay_sync_errors_total",
			Help: "Observer /sync failures.",
		},
	)
)
