package telemetry

// Script execution results recorded by RecordScript.
const (
	ScriptResultCompleted    = "completed"
	ScriptResultTimeout      = "timeout"
	ScriptResultUnsupported  = "unsupported"
	ScriptResultNotConnected = "not_connected"
)

// SessionStarted bumps the session counters when a device session spins up.
func SessionStarted() {
	sessionsStartedTotal.Inc()
	connectedDevices.Inc()
}

// SessionClosed bumps the session counters when a device session tears down.
func SessionClosed() {
	sessionsClosedTotal.Inc()
	connectedDevices.Dec()
}

// RecordMessage counts one handled inbound message of the given type.
func RecordMessage(msgType string) {
	messagesTotal.WithLabelValues(msgType).Inc()
}

// RecordUnhandledMessage counts one inbound message nothing handled.
func RecordUnhandledMessage(msgType string) {
	messagesUnhandledTotal.WithLabelValues(msgType).Inc()
}

// RecordMailboxDrop counts one item dropped on a full session mailbox.
func RecordMailboxDrop() {
	mailboxDroppedTotal.Inc()
}

// RecordUpdateDispatched counts one firmware update push.
func RecordUpdateDispatched() {
	updatesDispatchedTotal.Inc()
}

// RecordRegistrationConflict counts one duplicate-registration rejection.
func RecordRegistrationConflict() {
	registrationConflictsTotal.Inc()
}

// RecordRegistrationExceeded counts one session that gave up registering.
func RecordRegistrationExceeded() {
	registrationExceededTotal.Inc()
}

// RecordScript counts one remote script execution with its result.
func RecordScript(result string) {
	scriptsTotal.WithLabelValues(result).Inc()
}

// RecordHealthReport counts one ingested device health report.
func RecordHealthReport() {
	healthReportsTotal.Inc()
}

// RecordMetricsDeleted counts points removed by a retention sweep.
func RecordMetricsDeleted(n int) {
	metricsDeletedTotal.Add(float64(n))
}
