// Package resolver decides whether a deployment reaches a device. The
// predicate is pure: it reads the device snapshot and the deployment record
// and touches nothing else, so sessions can evaluate broadcast payloads
// without a store round trip.
package resolver

import (
	"github.com/Masterminds/semver/v3"

	"github.com/benmeehan/iot-hub/internal/models"
)

// Matches reports whether deployment d reaches device dev. All conditions
// are conjunctive: the deployment must be active, product, platform and
// architecture must be equal, every tag the deployment requires must be in
// the device's tag set, and the device's reported firmware version must
// satisfy the deployment's version constraint. Malformed versions or
// constraints never match.
func Matches(dev *models.Device, d *models.Deployment) bool {
	if dev == nil || d == nil || !d.Active {
		return false
	}
	if dev.ProductID != d.ProductID {
		return false
	}
	if dev.Firmware.Platform != d.Conditions.Platform {
		return false
	}
	if dev.Firmware.Architecture != d.Conditions.Architecture {
		return false
	}
	if !hasAllTags(dev.Tags, d.Conditions.Tags) {
		return false
	}
	return versionSatisfies(dev.Firmware.Version, d.Conditions.Version)
}

// Resolve returns the first deployment in candidates that matches dev, or
// nil when none do. Candidates are evaluated in the order the store returns
// them; the first match wins.
func Resolve(dev *models.Device, candidates []*models.Deployment) *models.Deployment {
	for _, d := range candidates {
		if Matches(dev, d) {
			return d
		}
	}
	return nil
}

// hasAllTags is a subset test: every required tag must be present in the
// device's tag set, but the device may carry extras.
func hasAllTags(deviceTags, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(deviceTags))
	for _, t := range deviceTags {
		set[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// versionSatisfies checks the reported version against a semver constraint
// expression. An empty constraint matches everything.
func versionSatisfies(version, constraint string) bool {
	if constraint == "" {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(v)
}
