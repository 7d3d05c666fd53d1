package models

import "time"

// InflightUpdate records that an update was dispatched to a device, so later
// progress and completion reports can be correlated. Rows are created at
// dispatch and cleared when the device (re)joins.
type InflightUpdate struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	FirmwareUUID string    `json:"firmware_uuid"`
	StartedAt    time.Time `json:"started_at"`
}

// UpdatePayload is the outbound "update" message. When no update applies
// only UpdateAvailable is set; otherwise the firmware location and metadata
// ride along.
type UpdatePayload struct {
	UpdateAvailable bool              `json:"update_available"`
	FirmwareURL     string            `json:"firmware_url,omitempty"`
	FirmwareMeta    *FirmwareMetadata `json:"firmware_meta,omitempty"`
}

// ArchiveDescriptor is the outbound "archive" message: enough for the device
// to decide whether it wants the artifact and where to fetch it.
type ArchiveDescriptor struct {
	UUID         string `json:"uuid"`
	Version      string `json:"version"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
}
