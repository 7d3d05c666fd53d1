package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-hub/internal/models"
	"github.com/benmeehan/iot-hub/internal/store"
)

func TestRetention_SweepsOldPoints(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, stores.Metrics.Insert(ctx, models.Metric{
		DeviceID: "dev-1", Key: "cpu", Value: 1, Timestamp: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, stores.Metrics.Insert(ctx, models.Metric{
		DeviceID: "dev-1", Key: "cpu", Value: 2, Timestamp: now,
	}))

	svc := NewRetentionService(time.Hour, 10*time.Millisecond, stores.Metrics, zerolog.Nop())
	require.NoError(t, svc.Start())
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		left, err := stores.Metrics.Range(ctx, "dev-1", "cpu", now.Add(-24*time.Hour), now.Add(time.Hour))
		return err == nil && len(left) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRetention_StartGuards(t *testing.T) {
	mem := store.NewMemory()
	svc := NewRetentionService(time.Hour, time.Minute, mem.Stores().Metrics, zerolog.Nop())

	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start())
	require.NoError(t, svc.Stop())
	assert.Error(t, svc.Stop())
}

func TestRetention_RejectsNonPositiveConfig(t *testing.T) {
	mem := store.NewMemory()
	svc := NewRetentionService(0, time.Minute, mem.Stores().Metrics, zerolog.Nop())
	assert.Error(t, svc.Start())
}
