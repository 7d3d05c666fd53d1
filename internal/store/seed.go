package store

import (
	"encoding/json"
	"fmt"

	"github.com/benmeehan/iot-hub/internal/models"
)

// SeedData is a fleet snapshot: the devices, deployments and artifacts a
// single-node deployment serves. Snapshots are JSON documents exported from
// whatever system owns the fleet definition.
type SeedData struct {
	Devices     []models.Device                `json:"devices"`
	Deployments []models.Deployment            `json:"deployments"`
	Firmwares   []models.Firmware              `json:"firmwares"`
	Archives    []models.Archive               `json:"archives"`
	SigningKeys map[string][]models.SigningKey `json:"signing_keys"`
}

// LoadSeed populates the store from a JSON fleet snapshot.
func (m *Memory) LoadSeed(data []byte) (SeedData, error) {
	var seed SeedData
	if err := json.Unmarshal(data, &seed); err != nil {
		return SeedData{}, fmt.Errorf("failed to parse fleet snapshot: %w", err)
	}

	for _, d := range seed.Devices {
		m.SeedDevice(d)
	}
	for _, d := range seed.Deployments {
		m.SeedDeployment(d)
	}
	for _, fw := range seed.Firmwares {
		m.SeedFirmware(fw)
	}
	for _, a := range seed.Archives {
		m.SeedArchive(a)
	}
	for orgID, keys := range seed.SigningKeys {
		m.SeedSigningKeys(orgID, keys...)
	}
	return seed, nil
}
