// Package bus carries fleet-wide events between the control plane and the
// per-device sessions. Sessions subscribe to their own device topic and to
// the topic of their resolved deployment; administrative tooling publishes
// change notifications and update instructions onto those topics.
package bus

import (
	"encoding/json"

	"github.com/benmeehan/iot-hub/internal/models"
)

// Type discriminates the event union. Handlers switch on it and ignore
// types they don't act on.
type Type string

const (
	// TypeDeploymentChanged announces that a deployment's definition
	// changed. Carries the full new deployment so subscribers can match
	// locally without a store read.
	TypeDeploymentChanged Type = "deployment:changed"

	// TypeDeviceChanged announces that a device's record changed in some
	// unspecified way; subscribers re-fetch and recompute.
	TypeDeviceChanged Type = "device:changed"

	// TypeCheckForUpdate instructs a device session to recompute update
	// availability and dispatch if eligible. Carries the inflight update
	// token minted by the publisher.
	TypeCheckForUpdate Type = "update:check"

	// TypeDeviceReport is a session re-broadcast of device activity
	// (progress, status, reboot notices) for consoles watching the device
	// topic. Sessions never act on reports, including their own.
	TypeDeviceReport Type = "device:report"
)

// Event is the tagged union delivered on bus topics. Only the fields
// relevant to the Type are populated.
type Event struct {
	Type       Type                   `json:"type"`
	DeviceID   string                 `json:"device_id,omitempty"`
	Deployment *models.Deployment     `json:"deployment,omitempty"`
	Inflight   *models.InflightUpdate `json:"inflight,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	Payload    json.RawMessage        `json:"payload,omitempty"`
}

// Handler consumes events delivered on a subscribed topic. Handlers must
// not block; sessions hand events off to their mailbox.
type Handler func(evt Event)

// Subscription is a live topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the fleet event transport.
type Bus interface {
	Publish(topic string, evt Event) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close()
}

// DeviceTopic returns the per-device topic.
func DeviceTopic(deviceID string) string {
	return "devices." + deviceID
}

// DeploymentTopic returns the per-deployment topic. Devices with no
// resolved deployment share the "none" topic so reassignment broadcasts
// still reach them.
func DeploymentTopic(deploymentID *string) string {
	if deploymentID == nil {
		return "deployments.none"
	}
	return "deployments." + *deploymentID
}
