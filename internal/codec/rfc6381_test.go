package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAVCString(t *testing.T) {
	assert.Equal(t, "avc1.64001f", AVCString([]byte{0x67, 0x64, 0x00, 0x1f, 0xac}))
	assert.Equal(t, "avc1.42e01e", AVCString([]byte{0x67, 0x42, 0xe0, 0x1e}))
	assert.Equal(t, "avc1", AVCString([]byte{0x67, 0x42}))
}

func TestHEVCString(t *testing.T) {
	// Main profile, main tier, level 3.1, escaped as it appears in a stream.
	sps := []byte{
		0x42, 0x01, 0x01, 0x01,
		0x60, 0x00, 0x00, 0x03, 0x00,
		0x90, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03, 0x00,
		0x5d,
	}
	assert.Equal(t, "hvc1.1.6.L93.90", HEVCString(sps))

	assert.Equal(t, "hvc1", HEVCString([]byte{0x42, 0x01, 0x01}))
}

func TestAACString(t *testing.T) {
	assert.Equal(t, "mp4a.40.2", AACString(2))
	assert.Equal(t, "mp4a.40.5", AACString(5))
}
