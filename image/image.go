// Package image loads firmware images for programming: flat binaries and
// Intel HEX files are both flattened into a base address plus a contiguous
// byte payload, with gaps filled with the erased-flash value.
package image

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Gap filler for non-contiguous HEX images; matches erased flash.
const fillByte = 0xff

// Intel HEX record types understood by the parser.
const (
	recData          = 0x00
	recEOF           = 0x01
	recExtSegment    = 0x02
	recExtLinearAddr = 0x04
	recStartAddr     = 0x05
)

// Image is a flattened firmware image.
type Image struct {
	// Base is the load address of the first byte.
	Base uint32

	// Data is the contiguous payload, gaps filled with 0xFF.
	Data []byte
}

// Load reads a firmware image from path. Files ending in .hex or .ihex are
// parsed as Intel HEX and carry their own addresses; anything else is
// treated as a flat binary loaded at base.
func Load(path string, base uint32) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".hex") || strings.HasSuffix(lower, ".ihex") {
		return ParseHex(f)
	}
	return LoadBinary(f, base)
}

// LoadBinary reads a flat binary image to be loaded at base.
func LoadBinary(r io.Reader, base uint32) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return &Image{Base: base, Data: data}, nil
}

// ParseHex parses an Intel HEX stream into a flattened image. Records may
// arrive out of ascending order; gaps between records are filled with 0xFF.
func ParseHex(r io.Reader) (*Image, error) {
	scanner := bufio.NewScanner(r)

	type span struct {
		addr uint32
		data []byte
	}
	var spans []span
	var upper uint32 // upper 16 address bits from the last type-04 record
	lineNum := 0
	sawEOF := false

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if sawEOF {
			return nil, fmt.Errorf("line %d: record after end-of-file record", lineNum)
		}
		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		switch rec.kind {
		case recData:
			spans = append(spans, span{addr: upper + uint32(rec.offset), data: rec.data})
		case recEOF:
			sawEOF = true
		case recExtLinearAddr:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: extended linear address record must carry 2 bytes", lineNum)
			}
			upper = uint32(rec.data[0])<<24 | uint32(rec.data[1])<<16
		case recExtSegment:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: extended segment address record must carry 2 bytes", lineNum)
			}
			upper = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 4
		case recStartAddr:
			// Entry point; irrelevant for flash programming.
		default:
			return nil, fmt.Errorf("line %d: unsupported record type 0x%02X", lineNum, rec.kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if !sawEOF {
		return nil, fmt.Errorf("missing end-of-file record")
	}
	if len(spans) == 0 {
		return nil, fmt.Errorf("no data records found")
	}

	base := spans[0].addr
	end := base
	for _, s := range spans {
		if s.addr < base {
			base = s.addr
		}
		if top := s.addr + uint32(len(s.data)); top > end {
			end = top
		}
	}
	img := &Image{Base: base, Data: make([]byte, end-base)}
	for i := range img.Data {
		img.Data[i] = fillByte
	}
	for _, s := range spans {
		copy(img.Data[s.addr-base:], s.data)
	}
	return img, nil
}

type record struct {
	kind   byte
	offset uint16
	data   []byte
}

// parseRecord decodes one ":llaaaattdd..cc" line and verifies its checksum.
func parseRecord(line string) (record, error) {
	if line[0] != ':' {
		return record{}, fmt.Errorf("record must start with ':'")
	}
	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return record{}, fmt.Errorf("invalid hex data: %w", err)
	}
	// count(1) + offset(2) + type(1) + checksum(1)
	if len(raw) < 5 {
		return record{}, fmt.Errorf("record too short: %d bytes", len(raw))
	}
	count := int(raw[0])
	if len(raw) != count+5 {
		return record{}, fmt.Errorf("length mismatch: header says %d data bytes, record has %d", count, len(raw)-5)
	}

	var sum byte
	for _, b := range raw[:len(raw)-1] {
		sum += b
	}
	checksum := ^sum + 1 // 2's complement
	if checksum != raw[len(raw)-1] {
		return record{}, fmt.Errorf("checksum mismatch: got 0x%02X, expected 0x%02X", raw[len(raw)-1], checksum)
	}

	return record{
		kind:   raw[3],
		offset: uint16(raw[1])<<8 | uint16(raw[2]),
		data:   raw[4 : 4+count],
	}, nil
}
