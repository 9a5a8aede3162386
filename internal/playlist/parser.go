// Package playlist provides streaming HLS media playlist parsing and writing.
// It reads the segment list of a local media playlist, with its keys, init
// sections and discontinuities, and writes byte-range fMP4 playlists.
package playlist

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"
)

// Key is the EXT-X-KEY in effect for a segment.
type Key struct {
	// Method is NONE, AES-128, AES-256 or SAMPLE-AES.
	Method string
	URI    string
	// IV is nil when the playlist does not carry one; the media sequence
	// number is used instead.
	IV        []byte
	KeyFormat string
}

// Encrypted reports whether k requires decryption.
func (k *Key) Encrypted() bool {
	return k != nil && k.Method != "" && k.Method != "NONE"
}

// ByteRange is a sub-range of a resource.
type ByteRange struct {
	Length int64
	Offset int64
}

// Map is the EXT-X-MAP in effect for a segment.
type Map struct {
	URI       string
	ByteRange *ByteRange
}

// Segment is one media segment of a playlist.
type Segment struct {
	// SN is the media sequence number.
	SN int
	// Duration is the EXTINF duration in seconds.
	Duration float64
	Title    string
	URI      string
	// Start is the sum of the durations of the preceding segments.
	Start         float64
	Discontinuity bool
	ByteRange     *ByteRange
	Key           *Key
	Map           *Map
}

// Header holds the playlist tags seen before the first segment.
type Header struct {
	Version        int
	TargetDuration int
	MediaSequence  int
	PlaylistType   string
}

// Parser provides streaming playlist parsing with callback-based processing.
type Parser struct {
	// OnHeader is called once, before the first segment.
	OnHeader func(h *Header) error

	// OnSegment is called for each parsed segment.
	OnSegment func(seg *Segment) error

	// OnError is called for recoverable parsing errors.
	// If nil, errors are silently ignored.
	OnError func(lineNum int, err error)
}

var (
	// Matches duration and title: #EXTINF:6.006,Title
	extinfRegex = regexp.MustCompile(`^#EXTINF:\s*(-?[0-9]+(?:\.[0-9]+)?)\s*(?:,(.*))?$`)

	// Matches KEY="value" or KEY=value patterns
	attrRegex = regexp.MustCompile(`([A-Z0-9-]+)=(?:"([^"]*)"|([^,]+))`)

	// Matches n[@o]
	byteRangeRegex = regexp.MustCompile(`^([0-9]+)(?:@([0-9]+))?$`)
)

// state carries the tags that apply to the next segment.
type state struct {
	header        Header
	headerSent    bool
	sn            int
	start         float64
	duration      float64
	title         string
	hasInf        bool
	discontinuity bool
	byteRange     *ByteRange
	nextOffset    int64
	key           *Key
	mapping       *Map
}

// Parse parses a media playlist from a reader, calling OnSegment for each
// segment.
func (p *Parser) Parse(r io.Reader) error {
	if p.OnSegment == nil {
		return fmt.Errorf("OnSegment callback is required")
	}

	scanner := bufio.NewScanner(r)
	// Increase buffer size for long lines (signed URLs can be very long)
	const maxLineSize = 1024 * 1024 // 1MB
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	var st state
	lineNum := 0
	isExtM3U := false

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		if !isExtM3U {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return fmt.Errorf("line %d: missing #EXTM3U header", lineNum)
			}
			isExtM3U = true
			continue
		}

		if strings.HasPrefix(line, "#") {
			if err := p.parseTag(&st, line); err != nil {
				p.handleError(lineNum, err)
			}
			continue
		}

		// This should be a segment URI
		if !st.hasInf {
			p.handleError(lineNum, fmt.Errorf("segment %q has no EXTINF", line))
		}
		if err := p.sendHeader(&st); err != nil {
			return err
		}
		seg := &Segment{
			SN:            st.sn,
			Duration:      st.duration,
			Title:         st.title,
			URI:           line,
			Start:         st.start,
			Discontinuity: st.discontinuity,
			ByteRange:     st.byteRange,
			Key:           st.key,
			Map:           st.mapping,
		}
		if err := p.OnSegment(seg); err != nil {
			return fmt.Errorf("callback error at line %d: %w", lineNum, err)
		}
		if st.byteRange != nil {
			st.nextOffset = st.byteRange.Offset + st.byteRange.Length
		}
		st.sn++
		st.start += st.duration
		st.duration, st.title, st.hasInf = 0, "", false
		st.discontinuity = false
		st.byteRange = nil
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning playlist: %w", err)
	}
	if !isExtM3U {
		return fmt.Errorf("empty playlist")
	}
	return p.sendHeader(&st)
}

// ParseCompressed parses a potentially compressed playlist.
// It auto-detects compression based on magic bytes.
func (p *Parser) ParseCompressed(r io.Reader) error {
	br := bufio.NewReader(r)

	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return fmt.Errorf("peeking header: %w", err)
	}

	var reader io.Reader = br

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzr.Close()
		reader = gzr

	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		reader = bzip2.NewReader(br)

	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' && header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return fmt.Errorf("creating xz reader: %w", err)
		}
		reader = xzr
	}

	return p.Parse(reader)
}

func (p *Parser) sendHeader(st *state) error {
	if st.headerSent {
		return nil
	}
	st.headerSent = true
	if p.OnHeader == nil {
		return nil
	}
	if err := p.OnHeader(&st.header); err != nil {
		return fmt.Errorf("header callback: %w", err)
	}
	return nil
}

func (p *Parser) parseTag(st *state, line string) error {
	name, value, _ := strings.Cut(line, ":")
	switch name {
	case "#EXTINF":
		m := extinfRegex.FindStringSubmatch(line)
		if m == nil {
			return fmt.Errorf("invalid EXTINF format")
		}
		st.duration, _ = strconv.ParseFloat(m[1], 64)
		st.title = strings.TrimSpace(m[2])
		st.hasInf = true

	case "#EXT-X-VERSION":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid EXT-X-VERSION: %w", err)
		}
		st.header.Version = v

	case "#EXT-X-TARGETDURATION":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid EXT-X-TARGETDURATION: %w", err)
		}
		st.header.TargetDuration = v

	case "#EXT-X-MEDIA-SEQUENCE":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid EXT-X-MEDIA-SEQUENCE: %w", err)
		}
		if st.headerSent {
			return fmt.Errorf("EXT-X-MEDIA-SEQUENCE after the first segment")
		}
		st.header.MediaSequence = v
		st.sn = v

	case "#EXT-X-PLAYLIST-TYPE":
		st.header.PlaylistType = value

	case "#EXT-X-DISCONTINUITY":
		st.discontinuity = true

	case "#EXT-X-BYTERANGE":
		br, err := parseByteRange(value, st.nextOffset)
		if err != nil {
			return err
		}
		st.byteRange = br

	case "#EXT-X-KEY":
		key, err := parseKey(value)
		if err != nil {
			return err
		}
		st.key = key

	case "#EXT-X-MAP":
		attrs := parseAttributes(value)
		m := &Map{URI: attrs["URI"]}
		if m.URI == "" {
			return fmt.Errorf("EXT-X-MAP without URI")
		}
		if r, ok := attrs["BYTERANGE"]; ok {
			br, err := parseByteRange(r, 0)
			if err != nil {
				return err
			}
			m.ByteRange = br
		}
		st.mapping = m
	}
	// Other tags do not affect the segment list.
	return nil
}

func parseKey(value string) (*Key, error) {
	attrs := parseAttributes(value)
	key := &Key{
		Method:    strings.ToUpper(attrs["METHOD"]),
		URI:       attrs["URI"],
		KeyFormat: attrs["KEYFORMAT"],
	}
	switch key.Method {
	case "NONE":
		return key, nil
	case "AES-128", "AES-256", "SAMPLE-AES", "SAMPLE-AES-CTR":
	case "":
		return nil, fmt.Errorf("EXT-X-KEY without METHOD")
	default:
		return nil, fmt.Errorf("unknown EXT-X-KEY method %q", key.Method)
	}
	if key.URI == "" {
		return nil, fmt.Errorf("EXT-X-KEY %s without URI", key.Method)
	}
	if iv, ok := attrs["IV"]; ok {
		s := strings.TrimPrefix(strings.TrimPrefix(iv, "0x"), "0X")
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != 16 {
			return nil, fmt.Errorf("invalid EXT-X-KEY IV %q", iv)
		}
		key.IV = b
	}
	return key, nil
}

// parseByteRange parses n[@o]. A missing offset continues from next.
func parseByteRange(s string, next int64) (*ByteRange, error) {
	m := byteRangeRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, fmt.Errorf("invalid byte range %q", s)
	}
	length, _ := strconv.ParseInt(m[1], 10, 64)
	offset := next
	if m[2] != "" {
		offset, _ = strconv.ParseInt(m[2], 10, 64)
	}
	return &ByteRange{Length: length, Offset: offset}, nil
}

// parseAttributes parses an attribute list into a map keyed by name.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, match := range attrRegex.FindAllStringSubmatch(s, -1) {
		value := match[2]
		if value == "" {
			value = match[3]
		}
		attrs[match[1]] = value
	}
	return attrs
}

// handleError calls the OnError callback if set.
func (p *Parser) handleError(lineNum int, err error) {
	if p.OnError != nil {
		p.OnError(lineNum, err)
	}
}
