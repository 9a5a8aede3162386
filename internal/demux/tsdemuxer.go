package demux

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/events"
)

const (
	// PacketSize is the size of an MPEG-TS packet.
	PacketSize = 188
	syncByte   = 0x47

	pidPAT  = 0x0000
	pidSDT  = 0x0011
	pidNull = 0x1fff
)

// TSDemuxer demultiplexes MPEG-TS segments. Tracks and parser state persist
// across Demux calls so that PES packets and access units may span chunks.
type TSDemuxer struct {
	cfg      Config
	observer events.Observer
	logger   *slog.Logger

	pmtParsed bool
	pmtID     int

	video *VideoTrack
	audio *AudioTrack
	id3   *MetadataTrack
	text  *TextTrack

	videoParser      videoParser
	videoParserCodec string
	aacOverflow      *adtsFrame
	remainder        []byte

	audioCodec string
	videoCodec string
	sampleAES  *crypt.SampleDecrypter
}

var _ Demuxer = (*TSDemuxer)(nil)

// NewTSDemuxer creates a TS demuxer.
func NewTSDemuxer(opts Options) *TSDemuxer {
	d := &TSDemuxer{
		cfg:      opts.Config,
		observer: opts.observer(),
		logger:   opts.logger("ts-demuxer"),
	}
	d.ResetInitSegment(nil, "", "", 0)
	return d
}

// ProbeTS reports whether data looks like an MPEG-TS segment.
func ProbeTS(data []byte) bool {
	return findSync(data, true) >= 0
}

// syncOffset returns the offset of the first packet of a sync aligned packet
// train, or -1.
func syncOffset(data []byte) int {
	return findSync(data, true)
}

// findSync searches every start offset for a run of sync bytes spaced one
// packet apart. A train starting at 0 needs three packets; one starting later
// needs two packets and must extend to the end of the scan window. When
// requirePAT is set the train must contain a PAT packet.
func findSync(data []byte, requirePAT bool) int {
	length := len(data)
	scanWindow := min(PacketSize*5, length-PacketSize) + 1

	for i := 0; i < scanWindow; i++ {
		foundPAT := !requirePAT
		packetStart := -1
		packets := 0

		for j := i; j < length; j += PacketSize {
			if data[j] != syncByte || (length-j != PacketSize && (j+PacketSize >= length || data[j+PacketSize] != syncByte)) {
				break
			}
			packets++
			if packetStart == -1 {
				packetStart = j
				// Leading garbage: widen the window so the train can be confirmed.
				if packetStart != 0 {
					scanWindow = min(packetStart+PacketSize*99, length-PacketSize) + 1
				}
			}
			if !foundPAT && j+2 < length {
				foundPAT = parsePID(data, j) == pidPAT
			}
			if foundPAT && packets > 1 &&
				((packetStart == 0 && packets > 2) || j+PacketSize > scanWindow) {
				return packetStart
			}
		}
	}
	return -1
}

func parsePID(data []byte, offset int) int {
	return int(data[offset+1]&0x1f)<<8 | int(data[offset+2])
}

// ResetInitSegment recreates every track and forgets the PMT.
func (d *TSDemuxer) ResetInitSegment(_ []byte, audioCodec, videoCodec string, duration float64) {
	d.pmtParsed = false
	d.pmtID = -1

	d.video = newVideoTrack(duration)
	d.audio = newAudioTrack(duration)
	d.audio.Codec = "aac"
	d.audio.ManifestCodec = audioCodec
	d.id3 = newMetadataTrack()
	d.text = newTextTrack()

	d.videoParser = nil
	d.videoParserCodec = ""
	d.aacOverflow = nil
	d.remainder = nil
	d.audioCodec = audioCodec
	d.videoCodec = videoCodec
}

// ResetContiguity drops partial PES packets and carried bytes but keeps the
// PID bindings of the parsed PMT.
func (d *TSDemuxer) ResetContiguity() {
	d.audio.pes = nil
	d.video.pes = nil
	d.id3.pes = nil
	d.aacOverflow = nil
	d.remainder = nil
}

// ResetTimeStamp is a no-op: TS carries its own timestamps.
func (d *TSDemuxer) ResetTimeStamp(*TimestampOffset) {}

func (d *TSDemuxer) bundle() TrackBundle {
	return TrackBundle{Video: d.video, Audio: d.audio, ID3: d.id3, Text: d.text}
}

// Demux parses data. A trailing partial packet is kept for the next call
// unless flush is set. Samples accumulate on the tracks until the remuxer
// consumes them. Pending PES chunks alias data, so the caller must not modify
// it afterwards.
func (d *TSDemuxer) Demux(data []byte, _ float64, isSampleAES, flush bool) TrackBundle {
	if !isSampleAES {
		d.sampleAES = nil
	}

	video, audio, id3 := d.video, d.audio, d.id3
	videoPID, audioPID, id3PID := video.PID, audio.PID, id3.PID
	videoData, audioData, id3Buf := video.pes, audio.pes, id3.pes
	pmtID := d.pmtID
	unknownPID := -1
	packetErrors := 0

	if len(d.remainder) > 0 {
		merged := make([]byte, 0, len(d.remainder)+len(data))
		merged = append(merged, d.remainder...)
		data = append(merged, data...)
		d.remainder = nil
	}

	length := len(data)
	if length < PacketSize && !flush {
		d.remainder = append([]byte(nil), data...)
		return d.bundle()
	}

	sync := syncOffset(data)
	if sync < 0 {
		sync = max(0, findSync(data, false))
	}
	length -= (length - sync) % PacketSize
	if length < len(data) && !flush {
		d.remainder = append([]byte(nil), data[length:]...)
	}

	for start := sync; start < length; start += PacketSize {
		if data[start] != syncByte {
			packetErrors++
			continue
		}
		if start+PacketSize > length {
			break
		}
		stt := data[start+1]&0x40 != 0
		pid := parsePID(data, start)
		atf := (data[start+3] & 0x30) >> 4

		var offset int
		if atf > 1 {
			offset = start + 5 + int(data[start+4])
			// Adaptation field only.
			if offset >= start+PacketSize {
				continue
			}
		} else {
			offset = start + 4
		}
		payload := data[offset : start+PacketSize]

		switch pid {
		case videoPID:
			if stt {
				if videoData != nil {
					if pes := parsePES(videoData, d.logger); pes != nil {
						d.readyVideoParser(video.Codec)
						if d.videoParser != nil {
							d.videoParser.parsePES(video, d.text, pes, false)
						}
					}
				}
				videoData = &pesBuffer{}
			}
			if videoData != nil {
				videoData.append(payload)
			}

		case audioPID:
			if stt {
				if audioData != nil {
					if pes := parsePES(audioData, d.logger); pes != nil {
						d.parseAudioPES(pes)
					}
				}
				audioData = &pesBuffer{}
			}
			if audioData != nil {
				audioData.append(payload)
			}

		case id3PID:
			if stt {
				if id3Buf != nil {
					if pes := parsePES(id3Buf, d.logger); pes != nil {
						d.parseID3PES(pes)
					}
				}
				id3Buf = &pesBuffer{}
			}
			if id3Buf != nil {
				id3Buf.append(payload)
			}

		case pidPAT:
			if stt {
				offset += int(data[offset]) + 1
			}
			if offset < start+PacketSize {
				pmtID = parsePAT(data[:start+PacketSize], offset)
				d.pmtID = pmtID
			}

		case pmtID:
			if stt {
				offset += int(data[offset]) + 1
			}
			if offset >= start+PacketSize {
				break
			}
			res := parsePMT(data[:start+PacketSize], offset, d.cfg, isSampleAES, d.logger)
			if res.err != nil {
				events.EmitParsingError(d.observer, d.logger, res.err, true)
			}
			if res.videoPID > 0 {
				videoPID = res.videoPID
				video.PID = videoPID
				video.Codec = res.videoCodec
			}
			if res.audioPID > 0 {
				audioPID = res.audioPID
				audio.PID = audioPID
				audio.Codec = res.audioCodec
			}
			if res.id3PID > 0 {
				id3PID = res.id3PID
				id3.PID = id3PID
			}
			if unknownPID != -1 && !d.pmtParsed {
				d.logger.Warn("PMT found after unknown PID, backtracking to sync byte",
					slog.Int("offset", start),
					slog.Int("pid", unknownPID),
					slog.Int("sync_offset", sync))
				unknownPID = -1
				start = sync - PacketSize
			}
			d.pmtParsed = true

		case pidSDT, pidNull:

		default:
			unknownPID = pid
		}
	}

	if packetErrors > 0 {
		events.EmitParsingError(d.observer, d.logger,
			fmt.Errorf("Found %d TS packet/s that do not start with 0x47", packetErrors), true)
	}

	video.pes = videoData
	audio.pes = audioData
	id3.pes = id3Buf

	if flush {
		d.extractRemainingSamples()
	}
	return d.bundle()
}

func (d *TSDemuxer) readyVideoParser(codec string) {
	if d.videoParser != nil && d.videoParserCodec == codec {
		return
	}
	switch codec {
	case "avc":
		d.videoParser = newAVCParser(d.logger)
	case "hevc":
		if d.cfg.EnableAdvancedCodecs {
			d.videoParser = newHEVCParser(d.logger)
		}
	default:
		d.videoParser = nil
	}
	d.videoParserCodec = codec
}

func (d *TSDemuxer) parseAudioPES(pes *pesPacket) {
	switch d.audio.Codec {
	case "aac":
		d.parseAACPES(pes)
	case "mp3":
		d.parseMPEGPES(pes)
	case "ac3":
		d.parseAC3PES(pes)
	}
}

// extractRemainingSamples parses the PES packets still pending at the end of
// a segment. Packets that are still incomplete are kept.
func (d *TSDemuxer) extractRemainingSamples() {
	if pes := parsePES(d.video.pes, d.logger); pes != nil {
		d.readyVideoParser(d.video.Codec)
		if d.videoParser != nil {
			d.videoParser.parsePES(d.video, d.text, pes, true)
			d.video.pes = nil
		}
	}

	if pes := parsePES(d.audio.pes, d.logger); pes != nil {
		d.parseAudioPES(pes)
		d.audio.pes = nil
	} else if d.audio.pes != nil && d.audio.pes.size > 0 {
		d.logger.Debug("last audio PES packet truncated, might overlap between fragments",
			slog.Int("size", d.audio.pes.size))
	}

	if pes := parsePES(d.id3.pes, d.logger); pes != nil {
		d.parseID3PES(pes)
		d.id3.pes = nil
	}
}

// DemuxSampleAES demuxes data and decrypts its SAMPLE-AES protected samples.
func (d *TSDemuxer) DemuxSampleAES(ctx context.Context, data []byte, key crypt.KeyData, timeOffset float64) (TrackBundle, error) {
	bundle := d.Demux(data, timeOffset, true, !d.cfg.Progressive)
	dec, err := crypt.NewSampleDecrypter(key)
	if err != nil {
		return bundle, fmt.Errorf("sample-aes: %w", err)
	}
	d.sampleAES = dec
	if err := decryptBundle(ctx, bundle, dec); err != nil {
		return bundle, err
	}
	return bundle, nil
}

// Flush parses the carried remainder, or failing that the pending PES
// packets, and returns the resulting samples.
func (d *TSDemuxer) Flush(ctx context.Context) (TrackBundle, error) {
	remainder := d.remainder
	d.remainder = nil

	var bundle TrackBundle
	if len(remainder) > 0 {
		bundle = d.Demux(remainder, -1, d.sampleAES != nil, true)
	} else {
		d.extractRemainingSamples()
		bundle = d.bundle()
	}

	if d.sampleAES != nil {
		if err := decryptBundle(ctx, bundle, d.sampleAES); err != nil {
			return bundle, err
		}
	}
	return bundle, nil
}

// Destroy releases parser state.
func (d *TSDemuxer) Destroy() {
	d.videoParser = nil
	d.aacOverflow = nil
	d.remainder = nil
	d.sampleAES = nil
}

func (d *TSDemuxer) parseAACPES(pes *pesPacket) {
	track := d.audio
	data := pes.data
	startOffset := 0

	overflow := d.aacOverflow
	if overflow != nil {
		d.aacOverflow = nil
		if overflow.missing == -1 {
			merged := make([]byte, 0, len(overflow.sample.Data)+len(data))
			merged = append(merged, overflow.sample.Data...)
			data = append(merged, data...)
		} else {
			unit := overflow.sample.Data
			missing := min(overflow.missing, len(data))
			copy(unit[len(unit)-overflow.missing:], data[:missing])
			track.Samples = append(track.Samples, overflow.sample)
			startOffset = missing
		}
	}

	length := len(data)
	offset := startOffset
	for ; offset < length-1; offset++ {
		if isADTSHeader(data, offset) {
			break
		}
	}
	if offset != startOffset {
		recoverable := offset < length-1
		var err error
		if recoverable {
			err = fmt.Errorf("AAC PES did not start with ADTS header,offset:%d", offset)
		} else {
			err = fmt.Errorf("No ADTS header found in AAC PES")
		}
		events.EmitParsingError(d.observer, d.logger, err, recoverable)
		if !recoverable {
			return
		}
	}

	// An overflow tail can fill the whole PES, leaving no header to read.
	if track.Config == nil || offset+7 <= length {
		if err := initADTSTrackConfig(track, data, offset); err != nil {
			events.EmitParsingError(d.observer, d.logger, err, false)
			return
		}
	}

	var pts int64
	switch {
	case pes.hasPTS:
		pts = pes.pts
	case overflow != nil:
		pts = overflow.sample.PTS + int64(aacFrameDuration(track.SampleRate))
	default:
		d.logger.Warn("AAC PES unknown PTS")
		return
	}

	frameIndex := 0
	for offset < length {
		frame := appendADTSFrame(track, data, offset, pts, frameIndex)
		offset += frame.length
		if frame.missing != 0 {
			d.aacOverflow = &frame
			break
		}
		frameIndex++
		for ; offset < length-1; offset++ {
			if isADTSHeader(data, offset) {
				break
			}
		}
	}
}

func (d *TSDemuxer) parseMPEGPES(pes *pesPacket) {
	if !pes.hasPTS {
		d.logger.Warn("MPEG audio PES unknown PTS")
		return
	}
	data := pes.data
	frameIndex := 0
	for offset := 0; offset < len(data); {
		if !isMPEGAudioHeader(data, offset) {
			offset++
			continue
		}
		n := appendMPEGAudioFrame(d.audio, data, offset, pes.pts, frameIndex)
		if n == 0 {
			break
		}
		offset += n
		frameIndex++
	}
}

func (d *TSDemuxer) parseAC3PES(pes *pesPacket) {
	if !pes.hasPTS {
		d.logger.Warn("AC-3 PES unknown PTS")
		return
	}
	data := pes.data
	frameIndex := 0
	for offset := 0; offset < len(data); {
		if !isAC3Sync(data, offset) {
			offset++
			continue
		}
		n := appendAC3Frame(d.audio, data, offset, pes.pts, frameIndex)
		if n == 0 {
			break
		}
		offset += n
		frameIndex++
	}
}

func (d *TSDemuxer) parseID3PES(pes *pesPacket) {
	if !pes.hasPTS {
		d.logger.Warn("ID3 PES unknown PTS")
		return
	}
	schema := MetadataSchemaAudioID3
	if d.video.PID > 0 {
		schema = MetadataSchemaEmsg
	}
	d.id3.Samples = append(d.id3.Samples, &MetadataSample{
		PTS:      pes.pts,
		DTS:      pes.dts,
		Data:     pes.data,
		Type:     schema,
		Duration: infiniteDuration,
	})
}
