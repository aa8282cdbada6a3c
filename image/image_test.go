package image

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// hexLine renders one Intel HEX record with a computed checksum.
func hexLine(kind byte, offset uint16, data []byte) string {
	raw := []byte{byte(len(data)), byte(offset >> 8), byte(offset), kind}
	raw = append(raw, data...)
	var sum byte
	for _, b := range raw {
		sum += b
	}
	raw = append(raw, ^sum+1)
	return fmt.Sprintf(":%X\n", raw)
}

func TestParseHex(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(hexLine(recExtLinearAddr, 0, []byte{0x08, 0x00}))
	sb.WriteString(hexLine(recData, 0x0000, []byte{0x01, 0x02, 0x03, 0x04}))
	// Gap of four bytes before the next record.
	sb.WriteString(hexLine(recData, 0x0008, []byte{0x05, 0x06}))
	sb.WriteString(hexLine(recEOF, 0, nil))

	img, err := ParseHex(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("ParseHex failed: %v", err)
	}
	if img.Base != 0x08000000 {
		t.Fatalf("base = 0x%08X", img.Base)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0xff, 0xff, 0xff, 0xff, 0x05, 0x06}
	if !bytes.Equal(img.Data, want) {
		t.Fatalf("data % x, want % x", img.Data, want)
	}
}

func TestParseHexOutOfOrderRecords(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(hexLine(recData, 0x0010, []byte{0xbb}))
	sb.WriteString(hexLine(recData, 0x0000, []byte{0xaa}))
	sb.WriteString(hexLine(recEOF, 0, nil))

	img, err := ParseHex(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("ParseHex failed: %v", err)
	}
	if img.Base != 0 || len(img.Data) != 0x11 {
		t.Fatalf("base 0x%X, length %d", img.Base, len(img.Data))
	}
	if img.Data[0] != 0xaa || img.Data[0x10] != 0xbb {
		t.Fatalf("records misplaced: % x", img.Data)
	}
}

func TestParseHexChecksumMismatch(t *testing.T) {
	// One data byte 0x01; the correct checksum is 0xFE.
	input := ":0100000001FF\n" + hexLine(recEOF, 0, nil)

	_, err := ParseHex(strings.NewReader(input))
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum error, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("error does not name the line: %v", err)
	}
}

func TestParseHexStructuralErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing EOF record", hexLine(recData, 0, []byte{0x01}), "missing end-of-file"},
		{"record after EOF", hexLine(recEOF, 0, nil) + hexLine(recData, 0, []byte{0x01}), "after end-of-file"},
		{"no data records", hexLine(recEOF, 0, nil), "no data records"},
		{"missing colon", "00000001FF\n", "must start with ':'"},
		{"truncated record", ":0000\n", "too short"},
		{"length mismatch", ":02000000AAFE\n", "length mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHex(strings.NewReader(tt.input))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadBinary(t *testing.T) {
	img, err := LoadBinary(bytes.NewReader([]byte{1, 2, 3}), 0x08000000)
	if err != nil {
		t.Fatalf("LoadBinary failed: %v", err)
	}
	if img.Base != 0x08000000 || !bytes.Equal(img.Data, []byte{1, 2, 3}) {
		t.Fatalf("image %+v", img)
	}

	if _, err := LoadBinary(bytes.NewReader(nil), 0); err == nil {
		t.Fatal("LoadBinary accepted an empty image")
	}
}

func TestLoadSelectsFormatByExtension(t *testing.T) {
	dir := t.TempDir()

	hexPath := filepath.Join(dir, "fw.hex")
	content := hexLine(recData, 0x0100, []byte{0xaa}) + hexLine(recEOF, 0, nil)
	if err := os.WriteFile(hexPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := Load(hexPath, 0x12345678)
	if err != nil {
		t.Fatalf("Load(.hex) failed: %v", err)
	}
	if img.Base != 0x100 {
		t.Fatalf("hex image ignored its own address: base 0x%X", img.Base)
	}

	binPath := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(binPath, []byte{9, 9}, 0o644); err != nil {
		t.Fatal(err)
	}
	img, err = Load(binPath, 0x08000000)
	if err != nil {
		t.Fatalf("Load(.bin) failed: %v", err)
	}
	if img.Base != 0x08000000 || len(img.Data) != 2 {
		t.Fatalf("binary image %+v", img)
	}
}
