// Package store defines the persistence contracts the hub depends on and
// an in-memory implementation used for tests and single-node deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/benmeehan/iot-hub/internal/models"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Devices persists device records and their health snapshots.
type Devices interface {
	Get(ctx context.Context, deviceID string) (*models.Device, error)
	UpdateFirmware(ctx context.Context, deviceID string, fw models.FirmwareMetadata) error
	SetDeployment(ctx context.Context, deviceID string, deploymentID *string) error
	MergeMetadata(ctx context.Context, deviceID string, meta map[string]any) error
	ClearPenalty(ctx context.Context, deviceID string) error
	SaveHealth(ctx context.Context, health models.DeviceHealth) error
}

// Deployments reads deployment definitions.
type Deployments interface {
	Get(ctx context.Context, deploymentID string) (*models.Deployment, error)
	ListForProduct(ctx context.Context, productID string) ([]*models.Deployment, error)
}

// Firmwares reads firmware artifacts by uuid.
type Firmwares interface {
	Get(ctx context.Context, uuid string) (*models.Firmware, error)
}

// Archives reads archive artifacts by id.
type Archives interface {
	Get(ctx context.Context, archiveID string) (*models.Archive, error)
}

// InflightUpdates tracks updates that have been dispatched to devices but
// not yet confirmed applied.
type InflightUpdates interface {
	Create(ctx context.Context, up models.InflightUpdate) error
	MarkStarted(ctx context.Context, id string) error
	ClearForDevice(ctx context.Context, deviceID string) error
}

// Metrics persists time-series points reported by devices.
type Metrics interface {
	Insert(ctx context.Context, m models.Metric) error
	Range(ctx context.Context, deviceID, key string, from, to time.Time) ([]models.Metric, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SigningKeys reads the firmware signing keys of an organization.
type SigningKeys interface {
	ListForOrg(ctx context.Context, orgID string) ([]models.SigningKey, error)
}

// Stores bundles the per-entity interfaces for wiring.
type Stores struct {
	Devices         Devices
	Deployments     Deployments
	Firmwares       Firmwares
	Archives        Archives
	InflightUpdates InflightUpdates
	Metrics         Metrics
	SigningKeys     SigningKeys
}
