package demux

import (
	"context"
	"log/slog"

	"github.com/jmylchreest/transmux/internal/observability"
)

const (
	// pesMinHeader is the largest fixed PES header we read: 9 bytes plus
	// PTS and DTS.
	pesMinHeader = 19
	// maxPTSDTSDelta is the PTS-DTS divergence beyond which DTS is not trusted.
	maxPTSDTSDelta = 60 * Timescale
)

// pesPacket is a reassembled PES payload.
type pesPacket struct {
	data   []byte
	pts    int64
	dts    int64
	hasPTS bool
	// length is the declared payload length, 0 when unbounded.
	length int
}

// readTimestamp decodes a 33-bit PTS or DTS from its 5 byte marker layout.
func readTimestamp(b []byte) int64 {
	return int64(b[0]&0x0e)<<29 |
		int64(b[1])<<22 |
		int64(b[2]&0xfe)<<14 |
		int64(b[3])<<7 |
		int64(b[4]&0xfe)>>1
}

// parsePES reassembles the PES held by buf. It returns nil when the packet
// is not a PES or when fewer bytes than declared have been received.
func parsePES(buf *pesBuffer, logger *slog.Logger) *pesPacket {
	if buf == nil || buf.size == 0 || len(buf.chunks) == 0 {
		return nil
	}

	// Merge leading chunks until the fixed header is contiguous.
	for len(buf.chunks[0]) < pesMinHeader && len(buf.chunks) > 1 {
		merged := make([]byte, 0, len(buf.chunks[0])+len(buf.chunks[1]))
		merged = append(merged, buf.chunks[0]...)
		merged = append(merged, buf.chunks[1]...)
		buf.chunks[0] = merged
		buf.chunks = append(buf.chunks[:1], buf.chunks[2:]...)
	}

	frag := buf.chunks[0]
	if len(frag) < 9 {
		return nil
	}
	if frag[0] != 0 || frag[1] != 0 || frag[2] != 1 {
		return nil
	}

	pesLen := int(frag[4])<<8 | int(frag[5])
	if pesLen != 0 && pesLen > buf.size-6 {
		return nil
	}

	pkt := &pesPacket{}
	flags := frag[7]
	if flags&0xc0 != 0 {
		if len(frag) < 14 {
			return nil
		}
		pkt.pts = readTimestamp(frag[9:14])
		pkt.dts = pkt.pts
		pkt.hasPTS = true
		if flags&0x40 != 0 && len(frag) >= 19 {
			pkt.dts = readTimestamp(frag[14:19])
			if pkt.pts-pkt.dts > maxPTSDTSDelta {
				logger.Warn("PTS/DTS delta too large, aligning DTS to PTS",
					slog.Int64("delta_seconds", (pkt.pts-pkt.dts)/Timescale))
				pkt.dts = pkt.pts
			}
		}
	}

	headerLen := int(frag[8])
	payloadStart := headerLen + 9
	if buf.size <= payloadStart {
		return nil
	}

	pkt.data = make([]byte, 0, buf.size-payloadStart)
	skip := payloadStart
	for _, chunk := range buf.chunks {
		if skip > 0 {
			if skip >= len(chunk) {
				skip -= len(chunk)
				continue
			}
			chunk = chunk[skip:]
			skip = 0
		}
		pkt.data = append(pkt.data, chunk...)
	}

	if pesLen != 0 {
		pkt.length = pesLen - headerLen - 3
	}
	logger.Log(context.Background(), observability.LevelTrace, "pes packet",
		slog.Int("size", len(pkt.data)), slog.Int64("pts", pkt.pts), slog.Bool("has_pts", pkt.hasPTS))
	return pkt
}
