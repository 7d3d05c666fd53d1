// Package registry tracks which devices currently have a live session and
// their update-eligibility snapshot, so the rest of the fleet can answer
// "is device X connected and updatable" without touching persistent storage.
package registry

import (
	"errors"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// ErrAlreadyRegistered is returned when a registration attempt loses the
// race against an existing live session for the same device id.
var ErrAlreadyRegistered = errors.New("device already registered")

// DeviceInfo is the registry's view of one connected device.
type DeviceInfo struct {
	DeviceID       string    `json:"device_id"`
	DeploymentID   *string   `json:"deployment_id,omitempty"`
	FirmwareUUID   string    `json:"firmware_uuid"`
	UpdatesEnabled bool      `json:"updates_enabled"`
	Updating       bool      `json:"updating"`
	ConnectedAt    time.Time `json:"connected_at"`
}

// DeviceInfoUpdate merges into an existing entry; nil fields are left
// unchanged. ClearDeployment removes the deployment id (a nil DeploymentID
// alone means "don't touch it").
type DeviceInfoUpdate struct {
	DeploymentID    *string
	ClearDeployment bool
	FirmwareUUID    *string
	UpdatesEnabled  *bool
	Updating        *bool
}

// entry wraps DeviceInfo with a mutex so merge updates are atomic without
// holding a shard lock across the merge.
type entry struct {
	mu   sync.Mutex
	info DeviceInfo
}

// Registry is the process-wide concurrent map of live device sessions.
type Registry struct {
	entries cmap.ConcurrentMap[string, *entry]
	logger  zerolog.Logger
}

// New returns an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: cmap.New[*entry](),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Register inserts the entry if no live session holds the device id yet.
// The insert is atomic: exactly one of any number of concurrent callers
// wins, and losers get ErrAlreadyRegistered without mutating anything.
func (r *Registry) Register(info DeviceInfo) error {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	if !r.entries.SetIfAbsent(info.DeviceID, &entry{info: info}) {
		return ErrAlreadyRegistered
	}
	r.logger.Debug().Str("device_id", info.DeviceID).Msg("Device registered")
	return nil
}

// Update merges the non-nil fields into the existing entry and reports
// whether anything was applied. A session that lost (or released) its
// registration must not resurrect an entry through Update, so a missing
// entry is a no-op.
func (r *Registry) Update(deviceID string, update DeviceInfoUpdate) bool {
	e, ok := r.entries.Get(deviceID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if update.ClearDeployment {
		e.info.DeploymentID = nil
	} else if update.DeploymentID != nil {
		id := *update.DeploymentID
		e.info.DeploymentID = &id
	}
	if update.FirmwareUUID != nil {
		e.info.FirmwareUUID = *update.FirmwareUUID
	}
	if update.UpdatesEnabled != nil {
		e.info.UpdatesEnabled = *update.UpdatesEnabled
	}
	if update.Updating != nil {
		e.info.Updating = *update.Updating
	}
	return true
}

// Get returns a copy of the entry for the device id.
func (r *Registry) Get(deviceID string) (DeviceInfo, bool) {
	e, ok := r.entries.Get(deviceID)
	if !ok {
		return DeviceInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, true
}

// Remove drops the device's entry. Removing an absent entry is a no-op.
func (r *Registry) Remove(deviceID string) {
	r.entries.Remove(deviceID)
}

// Connected returns a snapshot of every registered device.
func (r *Registry) Connected() []DeviceInfo {
	out := make([]DeviceInfo, 0, r.entries.Count())
	for t := range r.entries.IterBuffered() {
		t.Val.mu.Lock()
		out = append(out, t.Val.info)
		t.Val.mu.Unlock()
	}
	return out
}

// Len reports how many devices are currently registered.
func (r *Registry) Len() int {
	return r.entries.Count()
}
