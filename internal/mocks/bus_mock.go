package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/iot-hub/internal/bus"
)

// MockBus is a mock implementation of the bus.Bus interface
type MockBus struct {
	mock.Mock
}

func (m *MockBus) Publish(topic string, evt bus.Event) error {
	args := m.Called(topic, evt)
	return args.Error(0)
}

func (m *MockBus) Subscribe(topic string, h bus.Handler) (bus.Subscription, error) {
	args := m.Called(topic, h)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(bus.Subscription), args.Error(1)
}

func (m *MockBus) Close() {
	m.Called()
}

// MockSubscription is a mock implementation of the bus.Subscription interface
type MockSubscription struct {
	mock.Mock
}

func (m *MockSubscription) Unsubscribe() error {
	args := m.Called()
	return args.Error(0)
}
