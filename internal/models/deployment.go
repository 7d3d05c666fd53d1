package models

// DeploymentConditions describe which devices a deployment reaches. Version
// is a semver constraint expression ("< 0.0.2", ">= 1.2.0, < 2.0.0"); empty
// means any version.
type DeploymentConditions struct {
	Platform     string   `json:"platform"`
	Architecture string   `json:"architecture"`
	Tags         []string `json:"tags,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// Deployment binds a firmware (and optionally an archive) to a set of
// device-matching conditions. The hub only reads deployments; they are
// created and mutated by external tooling.
type Deployment struct {
	ID              string               `json:"id"`
	ProductID       string               `json:"product_id"`
	Conditions      DeploymentConditions `json:"conditions"`
	Active          bool                 `json:"active"`
	ArchiveID       *string              `json:"archive_id,omitempty"`
	FirmwareUUID    string               `json:"firmware_uuid"`
	FirmwareVersion string               `json:"firmware_version"`
}
