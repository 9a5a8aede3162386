package demux

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/transmux/internal/codec"
	"github.com/jmylchreest/transmux/internal/events"
)

func newTestTSDemuxer(t *testing.T, rec *events.Recorder) *TSDemuxer {
	t.Helper()
	opts := Options{Config: DefaultConfig()}
	if rec != nil {
		opts.Observer = rec
	}
	return NewTSDemuxer(opts)
}

func videoAudioPMT(entries ...esEntry) []byte {
	if len(entries) == 0 {
		entries = []esEntry{
			{codec.StreamTypeH264, testVideoPID},
			{codec.StreamTypeAAC, testAudioPID},
		}
	}
	return concat(buildPAT(testPMTPID), buildPMT(testPMTPID, entries[0].pid, entries...))
}

func audioPayloads(samples []*AudioSample) ([][]byte, []int64) {
	data := make([][]byte, len(samples))
	pts := make([]int64, len(samples))
	for i, s := range samples {
		data[i] = s.Data
		pts[i] = s.PTS
	}
	return data, pts
}

func TestProbeTS(t *testing.T) {
	train := concat(videoAudioPMT(), nullPacket())

	for junk := 0; junk < PacketSize; junk++ {
		data := make([]byte, 0, junk+len(train))
		for i := range junk {
			data = append(data, byte(i%0x40))
		}
		data = append(data, train...)

		if !assert.True(t, ProbeTS(data), "junk=%d", junk) {
			continue
		}
		assert.Equal(t, junk, syncOffset(data), "junk=%d", junk)
	}
}

func TestProbeTS_NotTransportStream(t *testing.T) {
	assert.False(t, ProbeTS(nil))
	assert.False(t, ProbeTS(make([]byte, 3*PacketSize)))

	// Sync bytes but no PAT in the train.
	assert.False(t, ProbeTS(concat(nullPacket(), nullPacket(), nullPacket())))
}

func TestReadTimestamp(t *testing.T) {
	values := []int64{0, 1, Timescale, 1 << 31, 4_000_000_000, 1<<32 + 7, 1<<33 - 1}
	for _, v := range values {
		assert.Equal(t, v, readTimestamp(encodeTimestamp(0x2, v)), "ts=%d", v)
	}
}

func TestParsePES_LargeTimestamps(t *testing.T) {
	const pts, dts = int64(4_000_000_000), int64(3_999_990_000)
	pes := buildPES(0xe0, pts, dts, []byte{0xaa, 0xbb}, true)

	buf := &pesBuffer{}
	buf.append(pes)
	pkt := parsePES(buf, newTestTSDemuxer(t, nil).logger)
	require.NotNil(t, pkt)
	assert.True(t, pkt.hasPTS)
	assert.Equal(t, pts, pkt.pts)
	assert.Equal(t, dts, pkt.dts)
	assert.Equal(t, []byte{0xaa, 0xbb}, pkt.data)
}

func TestParsePES_Incomplete(t *testing.T) {
	logger := newTestTSDemuxer(t, nil).logger
	pes := buildPES(0xc0, 9000, -1, make([]byte, 64), true)

	buf := &pesBuffer{}
	buf.append(pes[:40])
	assert.Nil(t, parsePES(buf, logger), "declared length not yet received")

	buf.append(pes[40:])
	assert.NotNil(t, parsePES(buf, logger))

	bad := &pesBuffer{}
	bad.append([]byte{0x00, 0x00, 0x02, 0xe0, 0, 0, 0x80, 0x80, 0x05, 0, 0, 0, 0, 0})
	assert.Nil(t, parsePES(bad, logger), "missing start code prefix")
}

func TestTSDemuxer_MinimalRoundtrip(t *testing.T) {
	pes := buildPES(0xe0, Timescale, -1, []byte{0x00, 0x00, 0x01, 0x65, 0x88}, false)
	data := concat(
		buildPAT(testPMTPID),
		buildPMT(testPMTPID, testVideoPID, esEntry{codec.StreamTypeH264, testVideoPID}),
		packetize(testVideoPID, pes),
	)
	require.Len(t, data, 3*PacketSize)

	d := newTestTSDemuxer(t, nil)
	bundle := d.Demux(data, 0, false, true)

	assert.Equal(t, testVideoPID, bundle.Video.PID)
	assert.Equal(t, "avc", bundle.Video.Codec)
	require.Len(t, bundle.Video.Samples, 1)

	sample := bundle.Video.Samples[0]
	assert.Equal(t, int64(Timescale), sample.PTS)
	assert.InDelta(t, 1.0, float64(sample.PTS)/Timescale, 1e-9)
	assert.True(t, sample.Key)
	require.Len(t, sample.Units, 1)
	assert.Equal(t, uint8(5), sample.Units[0].Type)
	assert.Equal(t, []byte{0x65, 0x88}, sample.Units[0].Data)
}

func TestTSDemuxer_PMTBinding(t *testing.T) {
	d := newTestTSDemuxer(t, nil)

	bundle := d.Demux(concat(videoAudioPMT(), nullPacket()), 0, false, false)
	assert.Equal(t, testVideoPID, bundle.Video.PID)
	assert.Equal(t, "avc", bundle.Video.Codec)
	assert.Equal(t, testAudioPID, bundle.Audio.PID)
	assert.Equal(t, "aac", bundle.Audio.Codec)

	// A later PMT without the audio entry leaves the audio binding alone.
	videoOnly := videoAudioPMT(esEntry{codec.StreamTypeH264, testVideoPID})
	bundle = d.Demux(concat(videoOnly, nullPacket()), 0, false, false)
	assert.Equal(t, testVideoPID, bundle.Video.PID)
	assert.Equal(t, testAudioPID, bundle.Audio.PID)
	assert.Equal(t, "aac", bundle.Audio.Codec)
}

func TestTSDemuxer_PMTStreamTypes(t *testing.T) {
	tests := []struct {
		name       string
		advanced   bool
		entry      esEntry
		wantVideo  string
		wantAudio  string
		wantReason string
	}{
		{"mp3", true, esEntry{codec.StreamTypeMPEG1Audio, testAudioPID}, "", "mp3", ""},
		{"ac3", true, esEntry{codec.StreamTypeAC3, testAudioPID}, "", "ac3", ""},
		{"hevc", true, esEntry{codec.StreamTypeH265, testVideoPID}, "hevc", "", ""},
		{"hevc disabled", false, esEntry{codec.StreamTypeH265, testVideoPID}, "", "", errUnsupportedHEVC.Error()},
		{"eac3", true, esEntry{codec.StreamTypeEAC3, testAudioPID}, "", "", errUnsupportedEAC3.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec events.Recorder
			cfg := DefaultConfig()
			cfg.EnableAdvancedCodecs = tt.advanced
			d := NewTSDemuxer(Options{Config: cfg, Observer: &rec})

			bundle := d.Demux(concat(videoAudioPMT(tt.entry), nullPacket()), 0, false, false)

			if tt.wantVideo != "" {
				assert.Equal(t, tt.entry.pid, bundle.Video.PID)
				assert.Equal(t, tt.wantVideo, bundle.Video.Codec)
			} else {
				assert.Equal(t, -1, bundle.Video.PID)
			}
			if tt.wantAudio != "" {
				assert.Equal(t, tt.entry.pid, bundle.Audio.PID)
				assert.Equal(t, tt.wantAudio, bundle.Audio.Codec)
			} else {
				assert.Equal(t, -1, bundle.Audio.PID)
			}

			evs := rec.Events()
			if tt.wantReason == "" {
				assert.Empty(t, evs)
				return
			}
			require.Len(t, evs, 1)
			assert.Equal(t, events.MediaError, evs[0].Type)
			assert.Equal(t, events.FragParsingError, evs[0].Details)
			assert.Equal(t, tt.wantReason, evs[0].Reason)
			assert.False(t, evs[0].Fatal)
		})
	}
}

func TestTSDemuxer_SampleAESStreamTypeInClearStream(t *testing.T) {
	d := newTestTSDemuxer(t, nil)
	bundle := d.Demux(concat(videoAudioPMT(esEntry{codec.StreamTypeSampleAESH264, testVideoPID}), nullPacket()), 0, false, false)
	assert.Equal(t, -1, bundle.Video.PID)

	d = newTestTSDemuxer(t, nil)
	bundle = d.Demux(concat(videoAudioPMT(esEntry{codec.StreamTypeSampleAESH264, testVideoPID}), nullPacket()), 0, true, false)
	assert.Equal(t, testVideoPID, bundle.Video.PID)
}

func videoSegment(ptsList ...int64) []byte {
	parts := [][]byte{videoAudioPMT(esEntry{codec.StreamTypeH264, testVideoPID})}
	for i, pts := range ptsList {
		payload := annexB(testNonIDR)
		if i == 0 {
			payload = annexB(testSPS, testPPS, testIDR)
		}
		parts = append(parts, packetize(testVideoPID, buildPES(0xe0, pts, pts-3003, payload, false)))
	}
	return concat(parts...)
}

func TestTSDemuxer_VideoAccessUnits(t *testing.T) {
	d := newTestTSDemuxer(t, nil)

	bundle := d.Demux(videoSegment(93003, 96006), 0, false, false)
	// The second PES is still open, the first access unit is still pending.
	assert.Empty(t, bundle.Video.Samples)
	assert.Positive(t, bundle.Video.PendingPES())

	bundle, err := d.Flush(context.Background())
	require.NoError(t, err)

	video := bundle.Video
	require.Len(t, video.Samples, 2)
	assert.True(t, video.Samples[0].Key)
	assert.Equal(t, int64(93003), video.Samples[0].PTS)
	assert.Equal(t, int64(90000), video.Samples[0].DTS)
	assert.False(t, video.Samples[1].Key)
	assert.Equal(t, int64(96006), video.Samples[1].PTS)
	assert.Equal(t, [][]byte{testNonIDR}, video.Samples[1].AccessUnit())

	require.Len(t, video.SPS, 1)
	assert.Equal(t, testSPS, video.SPS[0])
	require.Len(t, video.PPS, 1)
	assert.Equal(t, testPPS, video.PPS[0])
	assert.Equal(t, 1280, video.Width)
	assert.Equal(t, 720, video.Height)
	assert.Equal(t, "avc1.64001f", video.CodecString)
}

func TestTSDemuxer_FlushDrainsPartialPES(t *testing.T) {
	collect := func(data []byte) []*VideoSample {
		d := newTestTSDemuxer(t, nil)
		d.Demux(data, 0, false, false)
		bundle, err := d.Flush(context.Background())
		require.NoError(t, err)
		return bundle.Video.Samples
	}

	partial := collect(videoSegment(93003, 96006))
	extended := collect(videoSegment(93003, 96006, 99009))

	require.Len(t, partial, 2)
	require.Len(t, extended, 3)
	for i, s := range partial {
		assert.Equal(t, extended[i].PTS, s.PTS)
		assert.Equal(t, extended[i].DTS, s.DTS)
		assert.Equal(t, extended[i].Key, s.Key)
		assert.Equal(t, extended[i].AccessUnit(), s.AccessUnit())
	}
}

func TestTSDemuxer_ResetContiguity(t *testing.T) {
	d := newTestTSDemuxer(t, nil)

	bundle := d.Demux(videoSegment(93003), 0, false, false)
	require.Positive(t, bundle.Video.PendingPES())

	d.ResetContiguity()
	assert.Zero(t, d.video.PendingPES())
	assert.Zero(t, d.audio.PendingPES())
	assert.Equal(t, testVideoPID, d.video.PID)
	assert.Equal(t, "avc", d.video.Codec)

	bundle, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bundle.Video.Samples)
}

func TestTSDemuxer_ResetInitSegment(t *testing.T) {
	d := newTestTSDemuxer(t, nil)
	d.Demux(concat(videoAudioPMT(), nullPacket()), 0, false, false)
	require.Equal(t, testVideoPID, d.video.PID)

	d.ResetInitSegment(nil, "mp4a.40.2", "avc1.64001f", 6)
	assert.Equal(t, -1, d.video.PID)
	assert.Equal(t, -1, d.audio.PID)
	assert.Equal(t, "mp4a.40.2", d.audio.ManifestCodec)
	assert.InDelta(t, 6.0, d.video.Duration, 1e-9)
}

func audioSegment(pesList ...[]byte) []byte {
	parts := [][]byte{videoAudioPMT(esEntry{codec.StreamTypeAAC, testAudioPID})}
	for _, pes := range pesList {
		parts = append(parts, packetize(testAudioPID, pes))
	}
	return concat(parts...)
}

func TestTSDemuxer_AACFrames(t *testing.T) {
	frames := aacFrames(3, 100)
	data := audioSegment(buildPES(0xc0, 180000, -1, concat(frames...), true))

	d := newTestTSDemuxer(t, nil)
	bundle := d.Demux(data, 0, false, true)

	audio := bundle.Audio
	require.Len(t, audio.Samples, 3)
	require.NotNil(t, audio.Config)
	assert.Equal(t, 48000, audio.SampleRate)
	assert.Equal(t, 2, audio.Channels)
	assert.Equal(t, "mp4a.40.2", audio.CodecString)
	for i, s := range audio.Samples {
		assert.Equal(t, int64(180000+1920*i), s.PTS)
		assert.Equal(t, frames[i][7:], s.Data)
	}
}

func TestTSDemuxer_PESAcrossChunks(t *testing.T) {
	frames := aacFrames(5, 110)
	data := audioSegment(buildPES(0xc0, 450000, -1, concat(frames...), true))
	require.Greater(t, len(data), 4*PacketSize)

	whole := newTestTSDemuxer(t, nil)
	wholeData, wholePTS := audioPayloads(whole.Demux(data, 0, false, true).Audio.Samples)
	require.Len(t, wholeData, 5)

	splits := [][]int{
		{1, 187, 200, 50, 7},
		{188, 188, 188},
		{100, 400, 3},
		{PacketSize - 1, 2},
	}
	for _, sizes := range splits {
		d := newTestTSDemuxer(t, nil)
		rest := data
		for _, n := range sizes {
			n = min(n, len(rest))
			d.Demux(rest[:n], 0, false, false)
			rest = rest[n:]
		}
		if len(rest) > 0 {
			d.Demux(rest, 0, false, false)
		}
		bundle, err := d.Flush(context.Background())
		require.NoError(t, err)

		gotData, gotPTS := audioPayloads(bundle.Audio.Samples)
		assert.Equal(t, wholeData, gotData, "splits=%v", sizes)
		assert.Equal(t, wholePTS, gotPTS, "splits=%v", sizes)
	}
}

func TestTSDemuxer_AACOverflow(t *testing.T) {
	const basePTS = int64(900000)
	frames := aacFrames(6, 90)
	stream := concat(frames...)

	contiguous := newTestTSDemuxer(t, nil)
	wantData, wantPTS := audioPayloads(
		contiguous.Demux(audioSegment(buildPES(0xc0, basePTS, -1, stream, true)), 0, false, true).Audio.Samples)
	require.Len(t, wantData, 6)

	frame3 := 3 * len(frames[0])
	tests := []struct {
		name   string
		cut    int
		nextPT int64
	}{
		// The second PES timestamp is that of the first frame starting in it.
		{"split inside payload", frame3 + 40, basePTS + 4*1920},
		{"split inside header", frame3 + 3, basePTS + 3*1920},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := audioSegment(
				buildPES(0xc0, basePTS, -1, stream[:tt.cut], true),
				buildPES(0xc0, tt.nextPT, -1, stream[tt.cut:], true),
			)
			d := newTestTSDemuxer(t, nil)
			gotData, gotPTS := audioPayloads(d.Demux(data, 0, false, true).Audio.Samples)
			assert.Equal(t, wantData, gotData)
			assert.Equal(t, wantPTS, gotPTS)
		})
	}
}

func TestTSDemuxer_AACOverflowFillsPES(t *testing.T) {
	const basePTS = int64(900000)
	frames := aacFrames(6, 90)
	stream := concat(frames...)
	frameLen := len(frames[0])

	contiguous := newTestTSDemuxer(t, nil)
	wantData, wantPTS := audioPayloads(
		contiguous.Demux(audioSegment(buildPES(0xc0, basePTS, -1, stream, true)), 0, false, true).Audio.Samples)

	tests := []struct {
		name string
		cut  int
	}{
		{"tail of payload", 3*frameLen + 40},
		{"tail with last header bytes", 3*frameLen + 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The middle PES holds exactly the rest of the fourth frame.
			data := audioSegment(
				buildPES(0xc0, basePTS, -1, stream[:tt.cut], true),
				buildPES(0xc0, basePTS+3*1920, -1, stream[tt.cut:4*frameLen], true),
				buildPES(0xc0, basePTS+4*1920, -1, stream[4*frameLen:], true),
			)
			var rec events.Recorder
			d := newTestTSDemuxer(t, &rec)
			gotData, gotPTS := audioPayloads(d.Demux(data, 0, false, true).Audio.Samples)
			assert.Equal(t, wantData, gotData)
			assert.Equal(t, wantPTS, gotPTS)
			assert.Empty(t, rec.Events())
		})
	}
}

func TestTSDemuxer_UnknownPIDBacktrack(t *testing.T) {
	const basePTS = int64(900000)
	frames := aacFrames(6, 90)
	first := packetize(testAudioPID, buildPES(0xc0, basePTS, -1, concat(frames[:3]...), true))
	second := packetize(testAudioPID, buildPES(0xc0, basePTS+3*1920, -1, concat(frames[3:]...), true))
	tables := videoAudioPMT(esEntry{codec.StreamTypeAAC, testAudioPID})

	tests := []struct {
		name string
		data []byte
	}{
		{"tables first", concat(tables, first, second)},
		{"PES before tables", concat(first, tables, second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestTSDemuxer(t, nil)
			bundle := d.Demux(tt.data, 0, false, true)
			data, pts := audioPayloads(bundle.Audio.Samples)
			require.Len(t, data, 6)
			for i := range frames {
				assert.Equal(t, frames[i][7:], data[i], "frame %d", i)
				assert.Equal(t, basePTS+int64(i*1920), pts[i], "frame %d", i)
			}
			assert.True(t, d.pmtParsed)
		})
	}
}

func TestTSDemuxer_NonSyncPacket(t *testing.T) {
	bad := nullPacket()
	bad[0] = 0x00

	data := concat(videoAudioPMT(), nullPacket(), nullPacket(), bad, nullPacket())
	var rec events.Recorder
	d := newTestTSDemuxer(t, &rec)
	d.Demux(data, 0, false, true)

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, "Found 1 TS packet/s that do not start with 0x47", evs[0].Reason)
	assert.False(t, evs[0].Fatal)
}

func TestTSDemuxer_ID3Schema(t *testing.T) {
	tag := id3PRIVTag(90000)
	id3PES := packetize(testID3PID, buildPES(0xbd, 90000, -1, tag, true))

	tests := []struct {
		name   string
		media  esEntry
		schema string
	}{
		{"with video", esEntry{codec.StreamTypeH264, testVideoPID}, MetadataSchemaEmsg},
		{"audio only", esEntry{codec.StreamTypeAAC, testAudioPID}, MetadataSchemaAudioID3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pmt := videoAudioPMT(tt.media, esEntry{codec.StreamTypeMetadata, testID3PID})
			d := newTestTSDemuxer(t, nil)
			bundle := d.Demux(concat(pmt, id3PES), 0, false, true)

			assert.Equal(t, testID3PID, bundle.ID3.PID)
			require.Len(t, bundle.ID3.Samples, 1)
			sample := bundle.ID3.Samples[0]
			assert.Equal(t, int64(90000), sample.PTS)
			assert.Equal(t, tt.schema, sample.Type)
			assert.Equal(t, tag, sample.Data)
		})
	}
}

func TestTSDemuxer_RemainderAcrossCalls(t *testing.T) {
	data := audioSegment(buildPES(0xc0, 90000, -1, concat(aacFrames(2, 60)...), true))

	d := newTestTSDemuxer(t, nil)
	d.Demux(data[:100], 0, false, false)
	assert.Len(t, d.remainder, 100)

	d.Demux(data[100:PacketSize+10], 0, false, false)
	assert.Len(t, d.remainder, 10)

	d.Demux(data[PacketSize+10:], 0, false, false)
	assert.Empty(t, d.remainder)

	bundle, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Len(t, bundle.Audio.Samples, 2)
}

func TestTSDemuxer_Destroy(t *testing.T) {
	d := newTestTSDemuxer(t, nil)
	d.Demux(videoSegment(93003)[:PacketSize+1], 0, false, false)
	d.Destroy()
	assert.Nil(t, d.remainder)
	assert.Nil(t, d.videoParser)
}
