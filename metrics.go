package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSendRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_send_requests_total",
			Help: "Number of send requests, before validation.",
		},
	)
	metricQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailout_queue_size",
			Help: "Number of messages in the queue that have not been delivered.",
		},
	)
	metricDeliverResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailout_deliver_results_total",
			Help: "Number of delivery attempts and their outcome.",
		},
		[]string{"result"}, // "ok", "transient" or "permanent".
	)
	metricDeliverDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailout_deliver_duration_seconds",
			Help:    "Duration of delivery attempts, including failed ones.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
	metricEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailout_events_total",
			Help: "Number of delivery events, per kind.",
		},
		[]string{"kind"},
	)
	metricSpamVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailout_spam_verdicts_total",
			Help: "Number of spamd verdicts about delivered messages.",
		},
		[]string{"verdict"}, // "yes", "no" or "unknown".
	)
	metricWebhookDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailout_webhook_duration_seconds",
			Help:    "HTTP event webhook requests.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
		},
	)
	metricWebhookResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailout_webhook_results_total",
			Help: "Number of webhook responses and their major status code or error.",
		},
		[]string{"result"}, // "2xx", "3xx", etc, or "error".
	)
	metricIMAPConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_imap_connections_total",
			Help: "Number of IMAP connections created.",
		},
	)
	metricIncomingProcessErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_incoming_process_errors_total",
			Help: "Number of errors while processing incoming messages over IMAP.",
		},
	)
	metricIncomingNonDSN = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_incoming_nondsn_total",
			Help: "Number of received messages that were not a DSN.",
		},
	)
	metricIncomingDSN = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_incoming_dsn_total",
			Help: "Number of successfully handled DSN messages.",
		},
	)
	metricIncomingDSNProblem = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_incoming_dsn_problem_total",
			Help: "Number of DSN messages that could not be fully processed.",
		},
	)
	metricPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_panics_total",
			Help: "Number of unhandled panics.",
		},
	)
)
