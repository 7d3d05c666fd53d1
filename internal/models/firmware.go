package models

// Firmware is a persisted firmware artifact record. ObjectKey locates the
// uploaded blob; the blob resolver turns it into a fetchable URL on demand.
type Firmware struct {
	UUID         string `json:"uuid"`
	ProductID    string `json:"product_id"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
	Version      string `json:"version"`
	Size         int64  `json:"size"`
	ObjectKey    string `json:"object_key"`
}

// Archive is a persisted auxiliary artifact (configuration bundles, ML
// models and similar) optionally bound to a deployment. ObjectKey locates
// the blob; the blob resolver turns it into a fetchable URL on demand.
type Archive struct {
	ID           string `json:"id"`
	UUID         string `json:"uuid"`
	Version      string `json:"version"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
	Size         int64  `json:"size"`
	ObjectKey    string `json:"object_key"`
}

// SigningKey is a trusted firmware signing key pushed to devices at join so
// they can verify artifact signatures locally.
type SigningKey struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}
