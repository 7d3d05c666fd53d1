package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/iot-hub/internal/models"
)

// MockBlobResolver is a mock implementation of the blob.Resolver interface
type MockBlobResolver struct {
	mock.Mock
}

func (m *MockBlobResolver) FirmwareURL(ctx context.Context, fw *models.Firmware) (string, error) {
	args := m.Called(ctx, fw)
	return args.String(0), args.Error(1)
}

func (m *MockBlobResolver) ArchiveURL(ctx context.Context, archive *models.Archive) (string, error) {
	args := m.Called(ctx, archive)
	return args.String(0), args.Error(1)
}
