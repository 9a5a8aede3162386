package remux

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/transmux/internal/demux"
	"github.com/jmylchreest/transmux/internal/events"
)

var (
	videoInitTrack = &fmp4.InitTrack{
		ID:        1,
		TimeScale: 90000,
		Codec:     &mp4.CodecH264{SPS: testSPS, PPS: testPPS},
	}
	audioInitTrack = &fmp4.InitTrack{
		ID:        2,
		TimeScale: 48000,
		Codec: &mp4.CodecMPEG4Audio{Config: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   48000,
			ChannelCount: 2,
		}},
	}
)

func buildInit(t *testing.T, tracks ...*fmp4.InitTrack) []byte {
	t.Helper()
	data, err := marshalInit(tracks...)
	require.NoError(t, err)
	return data
}

func videoPartTrack(baseTime uint64) *fmp4.PartTrack {
	samples := make([]*fmp4.Sample, 3)
	for i := range samples {
		samples[i] = &fmp4.Sample{Duration: 3000, Payload: []byte{0, 0, 0, 2, 0x41, byte(i)}}
	}
	return &fmp4.PartTrack{ID: 1, BaseTime: baseTime, Samples: samples}
}

func audioPartTrack(baseTime uint64) *fmp4.PartTrack {
	samples := make([]*fmp4.Sample, 4)
	for i := range samples {
		samples[i] = &fmp4.Sample{Duration: 1024, Payload: []byte{0x21, byte(i)}}
	}
	return &fmp4.PartTrack{ID: 2, BaseTime: baseTime, Samples: samples}
}

func buildFragment(t *testing.T, seq uint32, tracks ...*fmp4.PartTrack) []byte {
	t.Helper()
	moof, mdat, err := marshalPart(&fmp4.Part{SequenceNumber: seq, Tracks: tracks})
	require.NoError(t, err)
	return append(bytes.Clone(moof), mdat...)
}

func baseTimes(t *testing.T, data []byte) map[int]uint64 {
	t.Helper()
	var parts fmp4.Parts
	require.NoError(t, parts.Unmarshal(data))
	out := make(map[int]uint64)
	for _, p := range parts {
		for _, track := range p.Tracks {
			out[track.ID] = track.BaseTime
		}
	}
	return out
}

func passthroughVideo(data []byte) *demux.VideoTrack {
	return &demux.VideoTrack{Track: demux.Track{PID: -1}, Data: data}
}

func TestPassthroughRemuxer_Video(t *testing.T) {
	init := buildInit(t, videoInitTrack)
	r := NewPassthroughRemuxer(Options{})
	r.ResetInitSegment(init, "", "", nil)
	r.ResetTimeStamp(nil)

	frag := buildFragment(t, 1, videoPartTrack(900000))
	res := r.Remux(nil, passthroughVideo(frag), nil, nil, 0, true, false, PlaylistMain)

	require.NotNil(t, res.InitSegment)
	track := res.InitSegment.Tracks["video"]
	require.NotNil(t, track)
	assert.Equal(t, "main", track.ID)
	assert.Equal(t, "avc1.64001f", track.Codec)
	assert.Equal(t, init, track.InitSegment)
	require.NotNil(t, res.InitSegment.InitPTS)
	assert.Equal(t, int64(900000), res.InitSegment.InitPTS.BaseTime)

	v := res.Video
	require.NotNil(t, v)
	assert.Nil(t, res.Audio)
	assert.Equal(t, "video", v.Type)
	assert.True(t, v.HasVideo)
	assert.False(t, v.HasAudio)
	assert.InDelta(t, 0, v.StartPTS, 1e-9)
	assert.InDelta(t, 0.1, v.EndPTS, 1e-9)
	assert.Equal(t, map[int]uint64{1: 0}, baseTimes(t, v.Data1))
	// The input is left untouched.
	assert.Equal(t, map[int]uint64{1: 900000}, baseTimes(t, frag))

	next := buildFragment(t, 2, videoPartTrack(909000))
	res = r.Remux(nil, passthroughVideo(next), nil, nil, 0.1, true, false, PlaylistMain)
	assert.Nil(t, res.InitSegment)
	require.NotNil(t, res.Video)
	assert.InDelta(t, 0.1, res.Video.StartPTS, 1e-9)
	assert.InDelta(t, 0.2, res.Video.EndPTS, 1e-9)
	assert.Equal(t, map[int]uint64{1: 9000}, baseTimes(t, res.Video.Data1))
}

func TestPassthroughRemuxer_AudioVideo(t *testing.T) {
	r := NewPassthroughRemuxer(Options{})
	r.ResetInitSegment(buildInit(t, videoInitTrack, audioInitTrack), "", "", nil)
	r.ResetTimeStamp(nil)

	frag := buildFragment(t, 1, videoPartTrack(900000), audioPartTrack(480000))
	res := r.Remux(nil, passthroughVideo(frag), nil, nil, 0, true, false, PlaylistMain)

	require.NotNil(t, res.InitSegment)
	track := res.InitSegment.Tracks["audiovideo"]
	require.NotNil(t, track)
	assert.Equal(t, "mp4a.40.2,avc1.64001f", track.Codec)

	v := res.Video
	require.NotNil(t, v)
	assert.Equal(t, "audiovideo", v.Type)
	assert.True(t, v.HasAudio)
	assert.True(t, v.HasVideo)
	// The video track's duration wins.
	assert.InDelta(t, 0.1, v.EndPTS, 1e-9)
	assert.Equal(t, map[int]uint64{1: 0, 2: 0}, baseTimes(t, v.Data1))
}

func TestPassthroughRemuxer_Audio(t *testing.T) {
	r := NewPassthroughRemuxer(Options{})
	r.ResetInitSegment(buildInit(t, audioInitTrack), "", "", nil)
	r.ResetTimeStamp(nil)

	res := r.Remux(nil, passthroughVideo(buildFragment(t, 1, audioPartTrack(96000))), nil, nil, 0, true, false, PlaylistAudio)

	require.NotNil(t, res.InitSegment)
	require.Contains(t, res.InitSegment.Tracks, "audio")
	assert.Equal(t, "audio", res.InitSegment.Tracks["audio"].ID)
	assert.Nil(t, res.Video)
	a := res.Audio
	require.NotNil(t, a)
	assert.Equal(t, "audio", a.Type)
	assert.InDelta(t, 4*1024/48000.0, a.EndPTS, 1e-9)
	assert.Equal(t, int64(180000), res.InitSegment.InitPTS.BaseTime)
}

func TestPassthroughRemuxer_DefaultInitPTS(t *testing.T) {
	r := NewPassthroughRemuxer(Options{})
	r.ResetInitSegment(buildInit(t, videoInitTrack), "", "", nil)
	r.ResetTimeStamp(&TimestampOffset{BaseTime: 450000, Timescale: demux.Timescale})

	res := r.Remux(nil, passthroughVideo(buildFragment(t, 1, videoPartTrack(900000))), nil, nil, 0, false, false, PlaylistMain)
	require.NotNil(t, res.InitSegment)
	assert.Nil(t, res.InitSegment.InitPTS)
	require.NotNil(t, res.Video)
	assert.InDelta(t, 5.0, res.Video.StartPTS, 1e-9)
	assert.Equal(t, map[int]uint64{1: 450000}, baseTimes(t, res.Video.Data1))
}

func TestPassthroughRemuxer_MissingInit(t *testing.T) {
	rec := &events.Recorder{}
	r := NewPassthroughRemuxer(Options{Observer: rec})
	r.ResetInitSegment(nil, "", "", nil)

	res := r.Remux(nil, passthroughVideo(buildFragment(t, 1, videoPartTrack(0))), nil, nil, 0, true, false, PlaylistMain)
	assert.True(t, res.Empty())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, events.FragParsingError, rec.Events()[0].Details)
}
