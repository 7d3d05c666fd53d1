package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benmeehan/iot-hub/internal/models"
)

// Memory is a mutex-guarded in-memory backend for every store interface.
// Persistent backends live behind the same interfaces; this one backs
// tests and single-node deployments.
type Memory struct {
	mu          sync.RWMutex
	devices     map[string]*models.Device
	health      map[string]models.DeviceHealth
	deployments []*models.Deployment
	firmwares   map[string]*models.Firmware
	archives    map[string]*models.Archive
	inflight    map[string]models.InflightUpdate
	metrics     []models.Metric
	keys        map[string][]models.SigningKey
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		devices:   make(map[string]*models.Device),
		health:    make(map[string]models.DeviceHealth),
		firmwares: make(map[string]*models.Firmware),
		archives:  make(map[string]*models.Archive),
		inflight:  make(map[string]models.InflightUpdate),
		keys:      make(map[string][]models.SigningKey),
	}
}

// Stores exposes the backend through the per-entity interfaces.
func (m *Memory) Stores() Stores {
	return Stores{
		Devices:         memoryDevices{m},
		Deployments:     memoryDeployments{m},
		Firmwares:       memoryFirmwares{m},
		Archives:        memoryArchives{m},
		InflightUpdates: memoryInflight{m},
		Metrics:         memoryMetrics{m},
		SigningKeys:     memoryKeys{m},
	}
}

// SeedDevice inserts or replaces a device record.
func (m *Memory) SeedDevice(d models.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = cloneDevice(&d)
}

// SeedDeployment inserts a deployment, or replaces it in place when the id
// already exists so list order stays stable.
func (m *Memory) SeedDeployment(d models.Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.deployments {
		if existing.ID == d.ID {
			m.deployments[i] = cloneDeployment(&d)
			return
		}
	}
	m.deployments = append(m.deployments, cloneDeployment(&d))
}

// SeedFirmware inserts or replaces a firmware artifact.
func (m *Memory) SeedFirmware(fw models.Firmware) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firmwares[fw.UUID] = &fw
}

// SeedArchive inserts or replaces an archive artifact.
func (m *Memory) SeedArchive(a models.Archive) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[a.ID] = &a
}

// SeedSigningKeys replaces the signing keys of an organization.
func (m *Memory) SeedSigningKeys(orgID string, keys ...models.SigningKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[orgID] = append([]models.SigningKey(nil), keys...)
}

// Health returns the last saved health snapshot for the device.
func (m *Memory) Health(deviceID string) (models.DeviceHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[deviceID]
	return h, ok
}

// InflightForDevice returns the inflight update records for the device.
func (m *Memory) InflightForDevice(deviceID string) []models.InflightUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.InflightUpdate
	for _, up := range m.inflight {
		if up.DeviceID == deviceID {
			out = append(out, up)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memoryDevices struct{ m *Memory }

func (s memoryDevices) Get(_ context.Context, deviceID string) (*models.Device, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	d, ok := s.m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDevice(d), nil
}

func (s memoryDevices) UpdateFirmware(_ context.Context, deviceID string, fw models.FirmwareMetadata) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.Firmware = fw
	return nil
}

func (s memoryDevices) SetDeployment(_ context.Context, deviceID string, deploymentID *string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.DeploymentID = clonePtr(deploymentID)
	return nil
}

func (s memoryDevices) MergeMetadata(_ context.Context, deviceID string, meta map[string]any) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	if d.ConnectionMetadata == nil {
		d.ConnectionMetadata = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		d.ConnectionMetadata[k] = v
	}
	return nil
}

func (s memoryDevices) ClearPenalty(_ context.Context, deviceID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.UpdatesBlockedUntil = nil
	d.UpdateAttempts = 0
	return nil
}

func (s memoryDevices) SaveHealth(_ context.Context, health models.DeviceHealth) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.devices[health.DeviceID]; !ok {
		return ErrNotFound
	}
	s.m.health[health.DeviceID] = health
	return nil
}

type memoryDeployments struct{ m *Memory }

func (s memoryDeployments) Get(_ context.Context, deploymentID string) (*models.Deployment, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, d := range s.m.deployments {
		if d.ID == deploymentID {
			return cloneDeployment(d), nil
		}
	}
	return nil, ErrNotFound
}

func (s memoryDeployments) ListForProduct(_ context.Context, productID string) ([]*models.Deployment, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*models.Deployment
	for _, d := range s.m.deployments {
		if d.ProductID == productID {
			out = append(out, cloneDeployment(d))
		}
	}
	return out, nil
}

type memoryFirmwares struct{ m *Memory }

func (s memoryFirmwares) Get(_ context.Context, uuid string) (*models.Firmware, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	fw, ok := s.m.firmwares[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	out := *fw
	return &out, nil
}

type memoryArchives struct{ m *Memory }

func (s memoryArchives) Get(_ context.Context, archiveID string) (*models.Archive, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	a, ok := s.m.archives[archiveID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

type memoryInflight struct{ m *Memory }

func (s memoryInflight) Create(_ context.Context, up models.InflightUpdate) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.inflight[up.ID] = up
	return nil
}

func (s memoryInflight) MarkStarted(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	up, ok := s.m.inflight[id]
	if !ok {
		return ErrNotFound
	}
	up.StartedAt = time.Now()
	s.m.inflight[id] = up
	return nil
}

func (s memoryInflight) ClearForDevice(_ context.Context, deviceID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for id, up := range s.m.inflight {
		if up.DeviceID == deviceID {
			delete(s.m.inflight, id)
		}
	}
	return nil
}

type memoryMetrics struct{ m *Memory }

func (s memoryMetrics) Insert(_ context.Context, metric models.Metric) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now()
	}
	s.m.metrics = append(s.m.metrics, metric)
	return nil
}

func (s memoryMetrics) Range(_ context.Context, deviceID, key string, from, to time.Time) ([]models.Metric, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []models.Metric
	for _, m := range s.m.metrics {
		if m.DeviceID != deviceID {
			continue
		}
		if key != "" && m.Key != key {
			continue
		}
		if m.Timestamp.Before(from) || m.Timestamp.After(to) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s memoryMetrics) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	kept := s.m.metrics[:0]
	deleted := 0
	for _, m := range s.m.metrics {
		if m.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	s.m.metrics = kept
	return deleted, nil
}

type memoryKeys struct{ m *Memory }

func (s memoryKeys) ListForOrg(_ context.Context, orgID string) ([]models.SigningKey, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return append([]models.SigningKey(nil), s.m.keys[orgID]...), nil
}

func cloneDevice(d *models.Device) *models.Device {
	out := *d
	out.Tags = append([]string(nil), d.Tags...)
	out.DeploymentID = clonePtr(d.DeploymentID)
	if d.UpdatesBlockedUntil != nil {
		t := *d.UpdatesBlockedUntil
		out.UpdatesBlockedUntil = &t
	}
	if d.ConnectionMetadata != nil {
		out.ConnectionMetadata = make(map[string]any, len(d.ConnectionMetadata))
		for k, v := range d.ConnectionMetadata {
			out.ConnectionMetadata[k] = v
		}
	}
	return &out
}

func cloneDeployment(d *models.Deployment) *models.Deployment {
	out := *d
	out.Conditions.Tags = append([]string(nil), d.Conditions.Tags...)
	out.ArchiveID = clonePtr(d.ArchiveID)
	return &out
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}
