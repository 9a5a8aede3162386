package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ByteSize
		wantErr  bool
	}{
		{"bytes", "188", 188, false},
		{"bytes suffix", "376B", 376, false},
		{"kilobytes", "512KB", 512 * 1024, false},
		{"short unit", "64k", 64 * 1024, false},
		{"mebibytes", "2MiB", 2 * 1024 * 1024, false},
		{"with space", "1 MB", 1024 * 1024, false},
		{"float", "1.5MB", ByteSize(1.5 * 1024 * 1024), false},
		{"zero", "0", 0, false},
		{"unknown unit", "5XB", 0, true},
		{"negative", "-1KB", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}

func TestByteSize_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		expected ByteSize
	}{
		{"string format", `"256KB"`, 256 * 1024},
		{"bytes int", `1316`, 1316},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b ByteSize
			require.NoError(t, json.Unmarshal([]byte(tt.json), &b))
			assert.Equal(t, tt.expected, b)
		})
	}
}

func TestByteSize_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(ByteSize(MB))
	require.NoError(t, err)
	assert.Equal(t, `"1MB"`, string(data))
}

func TestByteSize_String(t *testing.T) {
	tests := []struct {
		size     ByteSize
		expected string
	}{
		{0, "0B"},
		{188, "188B"},
		{64 * KB, "64KB"},
		{ByteSize(1.5 * float64(MB)), "1.5MB"},
		{2 * GB, "2GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.size.String())
		})
	}
}
