package models

import "time"

// FirmwareMetadata identifies the firmware build a device reports at join.
type FirmwareMetadata struct {
	UUID         string `json:"uuid"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
	Version      string `json:"version"`
}

// Device is the persisted device record as the hub consumes it. The session
// keeps a cached copy and refreshes it whenever a broadcast could have
// changed deployment assignment or update eligibility.
type Device struct {
	ID                  string           `json:"id"`
	ProductID           string           `json:"product_id"`
	OrgID               string           `json:"org_id"`
	Tags                []string         `json:"tags"`
	Firmware            FirmwareMetadata `json:"firmware"`
	DeploymentID        *string          `json:"deployment_id,omitempty"`
	UpdatesEnabled      bool             `json:"updates_enabled"`
	UpdatesBlockedUntil *time.Time       `json:"updates_blocked_until,omitempty"`
	UpdateAttempts      int              `json:"update_attempts"`
	ConnectionMetadata  map[string]any   `json:"connection_metadata,omitempty"`
}

// UpdatesEligible reports whether the device may receive updates right now:
// the flag must be on and any penalty-box window must have passed.
func (d *Device) UpdatesEligible(now time.Time) bool {
	if !d.UpdatesEnabled {
		return false
	}
	return d.UpdatesBlockedUntil == nil || !d.UpdatesBlockedUntil.After(now)
}

// DeviceHealth is one persisted health report, with the reporting device's
// firmware identity merged in so health rows are queryable by build.
type DeviceHealth struct {
	DeviceID   string            `json:"device_id"`
	Firmware   FirmwareMetadata  `json:"firmware"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReportedAt time.Time         `json:"reported_at"`
}
