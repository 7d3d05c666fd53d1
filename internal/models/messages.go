package models

// JoinPayload is the first message a device publishes after connecting. It
// reports the firmware identity the device is actually running plus the
// device API version it speaks.
type JoinPayload struct {
	Firmware         FirmwareMetadata `json:"firmware"`
	DeviceAPIVersion string           `json:"device_api_version,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// JoinError is pushed back when a join is refused.
type JoinError struct {
	Reason string `json:"reason"`
}

// FwupProgress reports firmware-apply progress as a percentage.
type FwupProgress struct {
	Value int `json:"value"`
}

// LocationUpdate carries device-reported location fields.
type LocationUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Source    string  `json:"source,omitempty"`
}

// ConnectionTypes lists the transports the device currently has available
// (ethernet, wifi, cellular, ...).
type ConnectionTypes struct {
	Values []string `json:"values"`
}

// StatusUpdate is a free-form device status string for console visibility.
type StatusUpdate struct {
	Status string `json:"status"`
}

// ScriptRequest is the outbound "scripts/run" push: script text plus the
// correlation ref the device must echo back.
type ScriptRequest struct {
	Text string `json:"text"`
	Ref  string `json:"ref"`
}

// ScriptResult is the inbound "scripts/run" answer.
type ScriptResult struct {
	Ref    string `json:"ref"`
	Output string `json:"output"`
	Return string `json:"return"`
}

// HealthReport is the inbound "health_check_report" envelope.
type HealthReport struct {
	Value HealthValue `json:"value"`
}

// HealthValue splits into the two independent writes the hub performs:
// numeric metrics and free-form metadata merged into the health record.
type HealthValue struct {
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

// KeyListing pushes the org's trusted signing keys to a device.
type KeyListing struct {
	Keys []SigningKey `json:"keys"`
}
