// Package telemetry exposes the hub's Prometheus collectors.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_hub_connected_devices",
			Help: "Number of device sessions currently running.",
		},
	)

	sessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_hub_sessions_started_total",
			Help: "Total number of device sessions started.",
		},
	)

	sessionsClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_hub_sessions_closed_total",
			Help: "Total number of device sessions closed.",
		},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_hub_messages_total",
			Help: "Total inbound device messages by message type.",
		},
		[]string{"type"},
	)

	messagesUnhandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_hub_messages_unhandled_total",
			Help: "Total inbound device messages with no handler.",
		},
		[]string{"type"},
	)

	mailboxDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_hub_mailbox_dropped_total",
			Help: "Total mailbox items dropped because a session mailbox was full.",
		},
	)

	updatesDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_hub_updates_dispatched_total",
			Help: "Total firmware update pushes dispatched to devices.",
		},
	)

	registrationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_hub_registration_conflicts_total",
			Help: "Total registry registration attempts rejected as duplicates.",
		},
	)

	registrationExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_hub_registration_retries_exceeded_total",
			Help: "Total sessions terminated after exhausting registration retries.",
		},
	)

	scriptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_hub_scripts_total",
			Help: "Total remote script executions by result.",
		},
		[]string{"result"},
	)

	healthReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_hub_health_reports_total",
			Help: "Total device health reports ingested.",
		},
	)

	metricsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_hub_metrics_deleted_total",
			Help: "Total metric points removed by retention sweeps.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		connectedDevices,
		sessionsStartedTotal,
		sessionsClosedTotal,
		messagesTotal,
		messagesUnhandledTotal,
		mailboxDroppedTotal,
		updatesDispatchedTotal,
		registrationConflictsTotal,
		registrationExceededTotal,
		scriptsTotal,
		healthReportsTotal,
		metricsDeletedTotal,
	)
}

// Collectors returns all registered metric collectors. This is useful for
// testing that metrics are properly registered.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		connectedDevices,
		sessionsStartedTotal,
		sessionsClosedTotal,
		messagesTotal,
		messagesUnhandledTotal,
		mailboxDroppedTotal,
		updatesDispatchedTotal,
		registrationConflictsTotal,
		registrationExceededTotal,
		scriptsTotal,
		healthReportsTotal,
		metricsDeletedTotal,
	}
}
