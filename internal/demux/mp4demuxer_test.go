package demux

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/transmux/internal/crypt"
)

func rawBox(typ string, payload []byte) []byte {
	box := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(box, uint32(8+len(payload)))
	copy(box[4:], typ)
	return append(box, payload...)
}

func encodeEmsg(t *testing.T, emsg *mp4.EmsgBox) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, emsg.Encode(&buf))
	return buf.Bytes()
}

func fragment(seq byte) []byte {
	return concat(rawBox("moof", []byte{seq}), rawBox("mdat", []byte{seq, seq}))
}

func TestProbeMP4(t *testing.T) {
	assert.True(t, ProbeMP4(concat(rawBox("styp", nil), fragment(1))))
	assert.False(t, ProbeMP4(rawBox("ftyp", []byte("isom"))))
	assert.False(t, ProbeMP4(concat(videoAudioPMT(), nullPacket())))
}

func TestWalkBoxes(t *testing.T) {
	data := concat(rawBox("styp", nil), fragment(1), []byte{0x00, 0x00})
	var types []string
	WalkBoxes(data, func(typ string, start, end int) bool {
		types = append(types, typ)
		assert.LessOrEqual(t, end, len(data))
		assert.Less(t, start, end)
		return true
	})
	assert.Equal(t, []string{"styp", "moof", "mdat"}, types)
}

func TestMP4Demuxer_Emsg(t *testing.T) {
	tag := id3PRIVTag(0)
	absolute := encodeEmsg(t, &mp4.EmsgBox{
		Version:          1,
		TimeScale:        1000,
		PresentationTime: 12000,
		EventDuration:    2000,
		ID:               1,
		SchemeIDURI:      "https://aomedia.org/emsg/ID3",
		MessageData:      tag,
	})
	relative := encodeEmsg(t, &mp4.EmsgBox{
		Version:               0,
		TimeScale:             90000,
		PresentationTimeDelta: 9000,
		EventDuration:         emsgUnboundedDuration,
		ID:                    2,
		SchemeIDURI:           "https://developer.apple.com/streaming/emsg-id3",
		MessageData:           tag,
	})
	other := encodeEmsg(t, &mp4.EmsgBox{
		Version:     1,
		TimeScale:   1000,
		SchemeIDURI: "urn:scte:scte35:2013:bin",
		MessageData: []byte{0xfc},
	})
	data := concat(absolute, relative, other, fragment(1))

	d := NewMP4Demuxer(Options{Config: DefaultConfig()})
	bundle := d.Demux(data, 10, false, false)

	assert.Equal(t, data, bundle.Video.Data)
	require.Len(t, bundle.ID3.Samples, 2)

	first := bundle.ID3.Samples[0]
	assert.Equal(t, int64(12*Timescale), first.PTS)
	assert.Equal(t, MetadataSchemaEmsg, first.Type)
	assert.InDelta(t, 2.0, first.Duration, 1e-9)
	assert.Equal(t, tag, first.Data)

	second := bundle.ID3.Samples[1]
	assert.Equal(t, int64(10.1*Timescale), second.PTS)
	assert.True(t, math.IsInf(second.Duration, 1))
}

func TestMP4Demuxer_KLV(t *testing.T) {
	klv := encodeEmsg(t, &mp4.EmsgBox{
		Version:          1,
		TimeScale:        90000,
		PresentationTime: 180000,
		SchemeIDURI:      MetadataSchemaMISBKLV,
		MessageData:      []byte{0x06, 0x0e, 0x2b, 0x34},
	})
	data := concat(klv, fragment(1))

	disabled := NewMP4Demuxer(Options{Config: DefaultConfig()})
	assert.Empty(t, disabled.Demux(data, 0, false, false).ID3.Samples)

	cfg := DefaultConfig()
	cfg.EnableEmsgKLVMetadata = true
	enabled := NewMP4Demuxer(Options{Config: cfg})
	samples := enabled.Demux(data, 0, false, false).ID3.Samples
	require.Len(t, samples, 1)
	assert.Equal(t, MetadataSchemaMISBKLV, samples[0].Type)
	assert.Equal(t, int64(180000), samples[0].PTS)
}

func TestMP4Demuxer_Progressive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Progressive = true
	d := NewMP4Demuxer(Options{Config: cfg})

	first, second, third := fragment(1), fragment(2), fragment(3)

	// A single fragment may still be growing.
	bundle := d.Demux(first, 0, false, false)
	assert.Empty(t, bundle.Video.Data)

	// Everything before the last moof is complete.
	bundle = d.Demux(concat(second, third[:5]), 0, false, false)
	assert.Equal(t, first, bundle.Video.Data)

	bundle = d.Demux(third[5:], 0, false, false)
	assert.Equal(t, second, bundle.Video.Data)

	bundle, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, third, bundle.Video.Data)

	bundle, err = d.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bundle.Video.Data)
}

func TestMP4Demuxer_SampleAESUnsupported(t *testing.T) {
	d := NewMP4Demuxer(Options{})
	_, err := d.DemuxSampleAES(context.Background(), nil, crypt.KeyData{}, 0)
	assert.ErrorIs(t, err, ErrSampleAESUnsupported)
}
