package demux

import (
	"bytes"
)

// Fixture builders for MPEG-TS tests.

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb, 0xff, 0x00,
		0x03, 0x00, 0x04, 0x6a, 0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	testPPS      = []byte{0x68, 0xce, 0x06, 0xe2}
	testIDR      = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	testNonIDR   = []byte{0x41, 0x9a, 0x02, 0x03, 0x04}
	annexBPrefix = []byte{0x00, 0x00, 0x00, 0x01}
)

const (
	testPMTPID   = 0x1000
	testVideoPID = 0x100
	testAudioPID = 0x101
	testID3PID   = 0x102
)

type esEntry struct {
	streamType uint8
	pid        int
}

// crc32MPEG computes the MPEG-2 section CRC.
func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xffffffff)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04c11db7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func appendCRC(section []byte) []byte {
	crc := crc32MPEG(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// makePacket builds one 188 byte packet. Payloads shorter than 184 bytes are
// padded with adaptation field stuffing.
func makePacket(pid int, pusi bool, cc int, payload []byte) []byte {
	if len(payload) > PacketSize-4 {
		panic("payload too large for one packet")
	}
	pkt := make([]byte, 0, PacketSize)
	b1 := byte(pid>>8) & 0x1f
	if pusi {
		b1 |= 0x40
	}
	pkt = append(pkt, syncByte, b1, byte(pid))

	if len(payload) == PacketSize-4 {
		pkt = append(pkt, 0x10|byte(cc&0x0f))
		return append(pkt, payload...)
	}

	pkt = append(pkt, 0x30|byte(cc&0x0f))
	afLen := PacketSize - 5 - len(payload)
	pkt = append(pkt, byte(afLen))
	if afLen > 0 {
		pkt = append(pkt, 0x00)
		for range afLen - 1 {
			pkt = append(pkt, 0xff)
		}
	}
	return append(pkt, payload...)
}

// packetize splits a PES across as many packets as it needs.
func packetize(pid int, pes []byte) []byte {
	var out []byte
	cc := 0
	for first := true; first || len(pes) > 0; first = false {
		n := min(len(pes), PacketSize-4)
		out = append(out, makePacket(pid, first, cc, pes[:n])...)
		pes = pes[n:]
		cc++
	}
	return out
}

func buildPAT(pmtPID int) []byte {
	section := []byte{
		0x00,       // table_id
		0xb0, 0x0d, // section_length 13
		0x00, 0x01, // transport_stream_id
		0xc1, 0x00, 0x00,
		0x00, 0x01, // program_number
		0xe0 | byte(pmtPID>>8), byte(pmtPID),
	}
	payload := append([]byte{0x00}, appendCRC(section)...)
	return makePacket(pidPAT, true, 0, payload)
}

func buildPMT(pmtPID, pcrPID int, entries ...esEntry) []byte {
	sectionLength := 9 + 5*len(entries) + 4
	section := []byte{
		0x02,
		0xb0 | byte(sectionLength>>8), byte(sectionLength),
		0x00, 0x01, // program_number
		0xc1, 0x00, 0x00,
		0xe0 | byte(pcrPID>>8), byte(pcrPID),
		0xf0, 0x00, // program_info_length
	}
	for _, e := range entries {
		section = append(section, e.streamType, 0xe0|byte(e.pid>>8), byte(e.pid), 0xf0, 0x00)
	}
	payload := append([]byte{0x00}, appendCRC(section)...)
	return makePacket(pmtPID, true, 0, payload)
}

func nullPacket() []byte {
	return makePacket(pidNull, false, 0, bytes.Repeat([]byte{0xff}, PacketSize-4))
}

// encodeTimestamp packs a 33-bit PTS or DTS with its four bit prefix.
func encodeTimestamp(prefix byte, ts int64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0e | 0x01,
		byte(ts >> 22),
		byte(ts>>14)&0xfe | 0x01,
		byte(ts >> 7),
		byte(ts<<1)&0xfe | 0x01,
	}
}

// buildPES builds a PES packet. A negative dts omits the DTS field. Bounded
// packets declare their length; unbounded ones use 0 as video streams do.
func buildPES(streamID byte, pts, dts int64, payload []byte, bounded bool) []byte {
	var header []byte
	if dts < 0 {
		header = append([]byte{0x80, 0x80, 0x05}, encodeTimestamp(0x2, pts)...)
	} else {
		header = append([]byte{0x80, 0xc0, 0x0a}, encodeTimestamp(0x3, pts)...)
		header = append(header, encodeTimestamp(0x1, dts)...)
	}

	length := 0
	if bounded {
		length = len(header) + len(payload)
	}
	pes := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length)}
	pes = append(pes, header...)
	return append(pes, payload...)
}

// annexB joins NAL units with four byte start codes.
func annexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, annexBPrefix...)
		out = append(out, u...)
	}
	return out
}

// adtsTestFrame builds an AAC-LC stereo ADTS frame at 48 kHz whose payload is
// filled from seed.
func adtsTestFrame(payloadLen int, seed byte) []byte {
	frameLen := 7 + payloadLen
	const profile, sfIndex, channels = 2, 3, 2
	frame := []byte{
		0xff, 0xf1,
		(profile-1)<<6 | sfIndex<<2 | channels>>2,
		(channels&3)<<6 | byte(frameLen>>11)&0x03,
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1f,
		0xfc,
	}
	for i := range payloadLen {
		frame = append(frame, seed+byte(i%0x30))
	}
	return frame
}

// aacFrames builds n consecutive ADTS frames.
func aacFrames(n, payloadLen int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = adtsTestFrame(payloadLen, byte(0x10*i))
	}
	return frames
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// id3PRIVTag builds an ID3v2.4 tag carrying the transport stream timestamp
// PRIV frame.
func id3PRIVTag(ts int64) []byte {
	body := append([]byte(id3TimestampOwner), 0x00)
	body = append(body, 0x00, 0x00, 0x00, byte(ts>>32)&0x01, byte(ts>>24), byte(ts>>16), byte(ts>>8), byte(ts))

	frame := []byte("PRIV")
	frame = append(frame, synchsafeBytes(len(body))...)
	frame = append(frame, 0x00, 0x00)
	frame = append(frame, body...)

	tag := []byte{'I', 'D', '3', 0x04, 0x00, 0x00}
	tag = append(tag, synchsafeBytes(len(frame))...)
	return append(tag, frame...)
}

func synchsafeBytes(n int) []byte {
	return []byte{byte(n>>21) & 0x7f, byte(n>>14) & 0x7f, byte(n>>7) & 0x7f, byte(n) & 0x7f}
}
