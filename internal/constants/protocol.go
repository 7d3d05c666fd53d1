package constants

// Inbound message types published by devices on <prefix>/devices/<id>/in/<type>.
const (
	MsgJoin            = "join"
	MsgFwupProgress    = "fwup_progress"
	MsgLocationUpdate  = "location:update"
	MsgConnectionTypes = "connection_types"
	MsgStatusUpdate    = "status_update"
	MsgCheckUpdate     = "check_update_available"
	MsgRebooting       = "rebooting"
	MsgScriptRun       = "scripts/run"
	MsgHealthReport    = "health_check_report"
	MsgDisconnect      = "disconnect"
)

// Outbound message types pushed to devices on <prefix>/devices/<id>/out/<type>.
// MsgScriptRun is shared: script text goes out and script output comes back
// under the same type, correlated by ref.
const (
	MsgOutUpdate          = "update"
	MsgOutCheckHealth     = "check_health"
	MsgOutArchive         = "archive"
	MsgOutKeys            = "keys"
	MsgOutJoinError       = "join:error"
	MsgOutLocationUpdated = "location:updated"
)

// Device API version gates. Devices negotiate their API version at join;
// features below require at least these versions.
const (
	MinScriptAPIVersion  = "2.0.0"
	MinArchiveAPIVersion = "2.2.0"

	// DefaultDeviceAPIVersion is assumed when a device joins without
	// reporting one.
	DefaultDeviceAPIVersion = "1.0.0"
)
