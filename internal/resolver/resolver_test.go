package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/benmeehan/iot-hub/internal/models"
)

func matchingPair() (*models.Device, *models.Deployment) {
	device := &models.Device{
		ID:        "dev-1",
		ProductID: "prod-1",
		Tags:      []string{"canary", "eu-west"},
		Firmware: models.FirmwareMetadata{
			UUID:         "fw-old",
			Platform:     "rpi4",
			Architecture: "arm",
			Version:      "1.2.0",
		},
	}
	deployment := &models.Deployment{
		ID:        "dep-1",
		ProductID: "prod-1",
		Active:    true,
		Conditions: models.DeploymentConditions{
			Platform:     "rpi4",
			Architecture: "arm",
			Tags:         []string{"canary"},
			Version:      "< 2.0.0",
		},
		FirmwareUUID:    "fw-new",
		FirmwareVersion: "1.3.0",
	}
	return device, deployment
}

func TestMatches_AllConditionsHold(t *testing.T) {
	device, deployment := matchingPair()
	assert.True(t, Matches(device, deployment))
}

func TestMatches_EachConditionFlipsResult(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Device, *models.Deployment)
	}{
		{"inactive deployment", func(_ *models.Device, d *models.Deployment) {
			d.Active = false
		}},
		{"different product", func(_ *models.Device, d *models.Deployment) {
			d.ProductID = "prod-2"
		}},
		{"different platform", func(dev *models.Device, _ *models.Deployment) {
			dev.Firmware.Platform = "rpi0"
		}},
		{"different architecture", func(dev *models.Device, _ *models.Deployment) {
			dev.Firmware.Architecture = "x86_64"
		}},
		{"missing required tag", func(dev *models.Device, _ *models.Deployment) {
			dev.Tags = []string{"eu-west"}
		}},
		{"version outside constraint", func(dev *models.Device, _ *models.Deployment) {
			dev.Firmware.Version = "2.0.0"
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			device, deployment := matchingPair()
			tc.mutate(device, deployment)
			assert.False(t, Matches(device, deployment))
		})
	}
}

func TestMatches_TagSubsetNotEquality(t *testing.T) {
	device, deployment := matchingPair()

	// Extra device tags are fine; the deployment's requirement is a subset
	// test.
	device.Tags = []string{"canary", "eu-west", "beta", "rack-7"}
	assert.True(t, Matches(device, deployment))

	// The deployment requiring more tags than the device carries is not.
	deployment.Conditions.Tags = []string{"canary", "gpu"}
	assert.False(t, Matches(device, deployment))
}

func TestMatches_NoRequiredTags(t *testing.T) {
	device, deployment := matchingPair()
	deployment.Conditions.Tags = nil
	device.Tags = nil
	assert.True(t, Matches(device, deployment))
}

func TestMatches_EmptyConstraintMatchesAnyVersion(t *testing.T) {
	device, deployment := matchingPair()
	deployment.Conditions.Version = ""
	device.Firmware.Version = "9.9.9"
	assert.True(t, Matches(device, deployment))
}

func TestMatches_VersionBoundaries(t *testing.T) {
	device, deployment := matchingPair()
	deployment.Conditions.Version = "< 0.0.2"

	device.Firmware.Version = "0.0.1"
	assert.True(t, Matches(device, deployment))

	device.Firmware.Version = "0.0.2"
	assert.False(t, Matches(device, deployment))
}

func TestMatches_MalformedVersionOrConstraint(t *testing.T) {
	device, deployment := matchingPair()

	device.Firmware.Version = "not-a-version"
	assert.False(t, Matches(device, deployment))

	device, deployment = matchingPair()
	deployment.Conditions.Version = "<<< nope"
	assert.False(t, Matches(device, deployment))
}

func TestResolve_FirstMatchWins(t *testing.T) {
	device, first := matchingPair()
	_, second := matchingPair()
	second.ID = "dep-2"

	noMatch := &models.Deployment{
		ID:        "dep-0",
		ProductID: "other-product",
		Active:    true,
	}

	resolved := Resolve(device, []*models.Deployment{noMatch, first, second})
	assert.NotNil(t, resolved)
	assert.Equal(t, "dep-1", resolved.ID)
}

func TestResolve_NoCandidates(t *testing.T) {
	device, _ := matchingPair()
	assert.Nil(t, Resolve(device, nil))
	assert.Nil(t, Resolve(device, []*models.Deployment{}))
}
