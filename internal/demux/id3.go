package demux

import (
	"bytes"
	"encoding/binary"
)

const (
	id3HeaderLen = 10
	// id3TimestampOwner is the PRIV frame owner that carries the MPEG-TS
	// timestamp of the first sample following the tag in raw audio segments.
	id3TimestampOwner = "com.apple.streaming.transportStreamTimestamp"
)

func synchsafe32(b []byte) int {
	return int(b[0]&0x7f)<<21 | int(b[1]&0x7f)<<14 | int(b[2]&0x7f)<<7 | int(b[3]&0x7f)
}

// isID3Header reports whether an ID3v2 header starts at offset.
func isID3Header(data []byte, offset int) bool {
	return isID3Marker(data, offset, "ID3")
}

func isID3Footer(data []byte, offset int) bool {
	return isID3Marker(data, offset, "3DI")
}

func isID3Marker(data []byte, offset int, marker string) bool {
	if offset+id3HeaderLen > len(data) {
		return false
	}
	if string(data[offset:offset+3]) != marker {
		return false
	}
	// Version and revision are never 0xff; size bytes are synchsafe.
	if data[offset+3] == 0xff || data[offset+4] == 0xff {
		return false
	}
	for _, b := range data[offset+6 : offset+10] {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// canParseID3 reports whether a complete ID3 tag starts at offset.
func canParseID3(data []byte, offset int) bool {
	return isID3Header(data, offset) &&
		offset+id3HeaderLen+synchsafe32(data[offset+6:offset+10]) <= len(data)
}

// id3Data returns every consecutive ID3 tag starting at offset, footers
// included, or nil when there is none.
func id3Data(data []byte, offset int) []byte {
	start := offset
	length := 0
	for isID3Header(data, offset) {
		size := synchsafe32(data[offset+6 : offset+10])
		length += id3HeaderLen + size
		if isID3Footer(data, offset+id3HeaderLen+size) {
			length += id3HeaderLen
		}
		offset = start + length
	}
	if length == 0 {
		return nil
	}
	if start+length > len(data) {
		return data[start:]
	}
	return data[start : start+length]
}

// id3Timestamp extracts the 33-bit transport stream timestamp from the PRIV
// frame of tag, on the 90 kHz clock.
func id3Timestamp(tag []byte) (int64, bool) {
	for off := 0; isID3Header(tag, off); {
		size := synchsafe32(tag[off+6 : off+10])
		end := off + id3HeaderLen + size
		if end > len(tag) {
			end = len(tag)
		}
		if ts, ok := id3FrameTimestamp(tag[off+id3HeaderLen:end], tag[off+3]); ok {
			return ts, true
		}
		off = end
		if isID3Footer(tag, off) {
			off += id3HeaderLen
		}
	}
	return 0, false
}

func id3FrameTimestamp(frames []byte, version byte) (int64, bool) {
	for len(frames) >= id3HeaderLen {
		id := string(frames[0:4])
		if id == "\x00\x00\x00\x00" {
			return 0, false
		}
		var size int
		if version >= 4 {
			size = synchsafe32(frames[4:8])
		} else {
			size = int(binary.BigEndian.Uint32(frames[4:8]))
		}
		body := frames[id3HeaderLen:]
		if size > len(body) {
			return 0, false
		}
		body = body[:size]

		if id == "PRIV" {
			owner, payload, ok := bytes.Cut(body, []byte{0})
			if ok && string(owner) == id3TimestampOwner && len(payload) == 8 {
				ts := int64(payload[3]&0x01)<<32 | int64(binary.BigEndian.Uint32(payload[4:8]))
				return ts, true
			}
		}
		frames = frames[id3HeaderLen+size:]
	}
	return 0, false
}
