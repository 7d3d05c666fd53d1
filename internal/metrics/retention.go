// Package metrics houses fleet metric maintenance jobs.
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-hub/internal/store"
	"github.com/benmeehan/iot-hub/internal/telemetry"
)

// RetentionService periodically deletes metric points older than the
// configured retention period.
type RetentionService struct {
	retention time.Duration
	interval  time.Duration
	store     store.Metrics
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionService returns a stopped retention service.
func NewRetentionService(retention, interval time.Duration, st store.Metrics, logger zerolog.Logger) *RetentionService {
	return &RetentionService{
		retention: retention,
		interval:  interval,
		store:     st,
		logger:    logger.With().Str("component", "metrics-retention").Logger(),
	}
}

// Start launches the sweep loop.
func (r *RetentionService) Start() error {
	if r.ctx != nil {
		r.logger.Warn().Msg("RetentionService is already running")
		return errors.New("retention service is already running")
	}
	if r.retention <= 0 || r.interval <= 0 {
		return errors.New("retention and sweep interval must be positive")
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.runSweepLoop()

	r.logger.Info().
		Dur("retention", r.retention).
		Dur("interval", r.interval).
		Msg("RetentionService started")
	return nil
}

func (r *RetentionService) runSweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.ctx.Done():
			r.logger.Info().Msg("Stopping retention sweeps")
			return
		}
	}
}

func (r *RetentionService) sweep() {
	cutoff := time.Now().Add(-r.retention)
	deleted, err := r.store.DeleteOlderThan(r.ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to sweep old metrics")
		return
	}
	if deleted > 0 {
		telemetry.RecordMetricsDeleted(deleted)
		r.logger.Debug().Int("deleted", deleted).Time("cutoff", cutoff).Msg("Swept old metrics")
	}
}

// Stop halts the sweep loop.
func (r *RetentionService) Stop() error {
	if r.ctx == nil {
		r.logger.Warn().Msg("RetentionService is not running")
		return errors.New("retention service is not running")
	}

	r.cancel()
	r.wg.Wait()
	r.ctx = nil
	r.cancel = nil
	r.logger.Info().Msg("RetentionService stopped")
	return nil
}
