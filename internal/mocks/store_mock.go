package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/iot-hub/internal/models"
)

// MockDevices is a mock implementation of the store.Devices interface
type MockDevices struct {
	mock.Mock
}

func (m *MockDevices) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Device), args.Error(1)
}

func (m *MockDevices) UpdateFirmware(ctx context.Context, deviceID string, fw models.FirmwareMetadata) error {
	args := m.Called(ctx, deviceID, fw)
	return args.Error(0)
}

func (m *MockDevices) SetDeployment(ctx context.Context, deviceID string, deploymentID *string) error {
	args := m.Called(ctx, deviceID, deploymentID)
	return args.Error(0)
}

func (m *MockDevices) MergeMetadata(ctx context.Context, deviceID string, meta map[string]any) error {
	args := m.Called(ctx, deviceID, meta)
	return args.Error(0)
}

func (m *MockDevices) ClearPenalty(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}

func (m *MockDevices) SaveHealth(ctx context.Context, health models.DeviceHealth) error {
	args := m.Called(ctx, health)
	return args.Error(0)
}

// MockDeployments is a mock implementation of the store.Deployments interface
type MockDeployments struct {
	mock.Mock
}

func (m *MockDeployments) Get(ctx context.Context, deploymentID string) (*models.Deployment, error) {
	args := m.Called(ctx, deploymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Deployment), args.Error(1)
}

func (m *MockDeployments) ListForProduct(ctx context.Context, productID string) ([]*models.Deployment, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Deployment), args.Error(1)
}

// MockFirmwares is a mock implementation of the store.Firmwares interface
type MockFirmwares struct {
	mock.Mock
}

func (m *MockFirmwares) Get(ctx context.Context, uuid string) (*models.Firmware, error) {
	args := m.Called(ctx, uuid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Firmware), args.Error(1)
}

// MockArchives is a mock implementation of the store.Archives interface
type MockArchives struct {
	mock.Mock
}

func (m *MockArchives) Get(ctx context.Context, archiveID string) (*models.Archive, error) {
	args := m.Called(ctx, archiveID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Archive), args.Error(1)
}

// MockInflightUpdates is a mock implementation of the store.InflightUpdates interface
type MockInflightUpdates struct {
	mock.Mock
}

func (m *MockInflightUpdates) Create(ctx context.Context, up models.InflightUpdate) error {
	args := m.Called(ctx, up)
	return args.Error(0)
}

func (m *MockInflightUpdates) MarkStarted(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockInflightUpdates) ClearForDevice(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}

// MockMetrics is a mock implementation of the store.Metrics interface
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) Insert(ctx context.Context, point models.Metric) error {
	args := m.Called(ctx, point)
	return args.Error(0)
}

func (m *MockMetrics) Range(ctx context.Context, deviceID, key string, from, to time.Time) ([]models.Metric, error) {
	args := m.Called(ctx, deviceID, key, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Metric), args.Error(1)
}

func (m *MockMetrics) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

// MockSigningKeys is a mock implementation of the store.SigningKeys interface
type MockSigningKeys struct {
	mock.Mock
}

func (m *MockSigningKeys) ListForOrg(ctx context.Context, orgID string) ([]models.SigningKey, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SigningKey), args.Error(1)
}
