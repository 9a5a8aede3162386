package demux

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/transmux/internal/codec"
	"github.com/jmylchreest/transmux/internal/crypt"
)

var (
	sampleAESKey = bytes.Repeat([]byte{0x2b}, 16)
	sampleAESIV  = bytes.Repeat([]byte{0x0f}, 16)
)

// protectADTSFrame encrypts the frame payload the way SAMPLE-AES does: a
// 16 byte clear leader, whole blocks encrypted, a trailing partial block
// left clear.
func protectADTSFrame(t *testing.T, frame []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(sampleAESKey)
	require.NoError(t, err)

	out := bytes.Clone(frame)
	payload := out[7:]
	end := len(payload) - len(payload)%aes.BlockSize
	cipher.NewCBCEncrypter(block, sampleAESIV).CryptBlocks(payload[16:end], payload[16:end])
	return out
}

func TestTSDemuxer_DemuxSampleAES(t *testing.T) {
	plain := aacFrames(3, 100)
	protected := make([][]byte, len(plain))
	for i, f := range plain {
		protected[i] = protectADTSFrame(t, f)
		require.NotEqual(t, f, protected[i])
	}

	data := concat(
		videoAudioPMT(esEntry{codec.StreamTypeSampleAESAAC, testAudioPID}),
		packetize(testAudioPID, buildPES(0xc0, 90000, -1, concat(protected...), true)),
	)
	key := crypt.KeyData{Method: crypt.MethodSampleAES, Key: sampleAESKey, IV: sampleAESIV}

	d := newTestTSDemuxer(t, nil)
	bundle, err := d.DemuxSampleAES(context.Background(), data, key, 0)
	require.NoError(t, err)

	audio := bundle.Audio
	assert.Equal(t, testAudioPID, audio.PID)
	require.Len(t, audio.Samples, 3)
	for i, s := range audio.Samples {
		assert.Equal(t, plain[i][7:], s.Data, "frame %d", i)
	}

	// Samples already decrypted are left alone by a later flush.
	bundle, err = d.Flush(context.Background())
	require.NoError(t, err)
	for i, s := range bundle.Audio.Samples {
		assert.Equal(t, plain[i][7:], s.Data, "frame %d", i)
	}
}

func TestTSDemuxer_DemuxSampleAESInvalidKey(t *testing.T) {
	d := newTestTSDemuxer(t, nil)
	key := crypt.KeyData{Method: crypt.MethodSampleAES, Key: []byte{1, 2, 3}, IV: sampleAESIV}
	_, err := d.DemuxSampleAES(context.Background(), concat(videoAudioPMT(), nullPacket()), key, 0)
	assert.Error(t, err)
}

func TestDecryptBundle_Cancelled(t *testing.T) {
	dec, err := crypt.NewSampleDecrypter(crypt.KeyData{Key: sampleAESKey, IV: sampleAESIV})
	require.NoError(t, err)

	bundle := emptyBundle()
	bundle.Audio.Codec = "aac"
	bundle.Audio.Samples = []*AudioSample{{Data: make([]byte, 64)}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, decryptBundle(ctx, bundle, dec), context.Canceled)
	assert.False(t, bundle.Audio.Samples[0].decrypted)
}
