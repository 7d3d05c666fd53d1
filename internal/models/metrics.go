package models

import "time"

// Metric is one persisted device metric sample.
type Metric struct {
	DeviceID  string    `json:"device_id"`
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}
