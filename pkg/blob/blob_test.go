package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-hub/internal/models"
)

func TestStatic_ArchiveURL(t *testing.T) {
	archive := &models.Archive{ID: "arc-1", ObjectKey: "archives/arc-1.fw"}

	tests := []struct {
		name    string
		baseURL string
		key     string
		want    string
	}{
		{"no trailing slash", "https://cdn.example.com", "archives/arc-1.fw", "https://cdn.example.com/archives/arc-1.fw"},
		{"trailing slash", "https://cdn.example.com/", "archives/arc-1.fw", "https://cdn.example.com/archives/arc-1.fw"},
		{"leading slash on key", "https://cdn.example.com", "/archives/arc-1.fw", "https://cdn.example.com/archives/arc-1.fw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive.ObjectKey = tt.key
			url, err := Static{BaseURL: tt.baseURL}.ArchiveURL(context.Background(), archive)
			require.NoError(t, err)
			assert.Equal(t, tt.want, url)
		})
	}
}

func TestStatic_FirmwareURL(t *testing.T) {
	fw := &models.Firmware{UUID: "fw-1", ObjectKey: "firmware/fw-1.fw"}

	url, err := Static{BaseURL: "https://cdn.example.com"}.FirmwareURL(context.Background(), fw)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/firmware/fw-1.fw", url)
}
