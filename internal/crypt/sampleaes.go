package crypt

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	// aacClearLeader is the number of clear bytes at the start of an AAC frame.
	aacClearLeader = 16
	// avcClearLeader is the number of clear bytes at the start of a NAL unit.
	avcClearLeader = 32
	// avcPatternStride covers one encrypted block followed by nine clear ones.
	avcPatternStride = 160
	// avcMinProtected is the shortest NAL unit that carries encrypted blocks.
	avcMinProtected = 48
)

// SampleDecrypter decrypts SAMPLE-AES protected audio frames and video NAL
// units. Every sample restarts the CBC chain from the key IV.
type SampleDecrypter struct {
	key []byte
	iv  []byte
}

// NewSampleDecrypter validates key and returns a SampleDecrypter for it.
func NewSampleDecrypter(key KeyData) (*SampleDecrypter, error) {
	if _, err := newCBCDecrypter(key.Key, key.IV); err != nil {
		return nil, err
	}
	return &SampleDecrypter{key: key.Key, iv: key.IV}, nil
}

// DecryptAACFrame decrypts the protected blocks of an AAC frame in place. The
// first 16 bytes and any trailing partial block are clear.
func (d *SampleDecrypter) DecryptAACFrame(frame []byte) error {
	if len(frame) <= aacClearLeader {
		return nil
	}
	end := len(frame) - len(frame)%BlockSize
	if end <= aacClearLeader {
		return nil
	}
	out, err := decryptCBC(d.key, d.iv, frame[aacClearLeader:end])
	if err != nil {
		return fmt.Errorf("decrypt AAC frame: %w", err)
	}
	copy(frame[aacClearLeader:], out)
	return nil
}

// IsProtectedAVCUnit reports whether a NAL unit of the given type and size
// carries encrypted blocks.
func IsProtectedAVCUnit(unitType uint8, size int) bool {
	return size > avcMinProtected && (unitType == 1 || unitType == 5)
}

// DecryptAVCUnit decrypts a protected NAL unit. The unit is returned with
// emulation prevention bytes removed, as the encryption pattern applies to the
// unescaped payload.
func (d *SampleDecrypter) DecryptAVCUnit(nalu []byte) ([]byte, error) {
	decoded := h264.EmulationPreventionRemove(nalu)

	var encrypted []byte
	for pos := avcClearLeader; pos < len(decoded)-BlockSize; pos += avcPatternStride {
		encrypted = append(encrypted, decoded[pos:pos+BlockSize]...)
	}
	if len(encrypted) == 0 {
		return decoded, nil
	}

	out, err := decryptCBC(d.key, d.iv, encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt AVC unit: %w", err)
	}
	in := 0
	for pos := avcClearLeader; pos < len(decoded)-BlockSize; pos += avcPatternStride {
		copy(decoded[pos:pos+BlockSize], out[in:in+BlockSize])
		in += BlockSize
	}
	return decoded, nil
}
