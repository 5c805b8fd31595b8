// Package metrics registers the Prometheus instruments shared by the pool,
// dispatcher and flusher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts outbound sends accepted by the network.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outreach",
		Name:      "messages_sent_total",
		Help:      "Outbound messages accepted by the network, by origin.",
	}, []string{"origin"}) // manual|campaign|scheduled|autoreply

	// SendFailures counts outbound sends rejected by the network or policy.
	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outreach",
		Name:      "send_failures_total",
		Help:      "Failed outbound send attempts, by reason.",
	}, []string{"reason"}) // not_connected|daily_limit|transport

	// MessagesReceived counts inbound messages ingested by the pool.
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outreach",
		Name:      "messages_received_total",
		Help:      "Inbound messages ingested from the network.",
	})

	// Reconnects counts reconnect attempts by outcome.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outreach",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts, by outcome.",
	}, []string{"outcome"}) // success|failure|gave_up

	// ActiveSessions tracks live network connections.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "outreach",
		Name:      "active_sessions",
		Help:      "Currently connected accounts.",
	})

	// RuleMatches counts chatbot rule evaluations that produced a reply.
	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outreach",
		Name:      "rule_matches_total",
		Help:      "Chatbot rule matches, by trigger type.",
	}, []string{"trigger_type"})

	// CampaignsRunning tracks campaigns with an active dispatch worker.
	CampaignsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "outreach",
		Name:      "campaigns_running",
		Help:      "Campaigns currently dispatching.",
	})
)
