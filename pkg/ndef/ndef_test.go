package ndef

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewURIAbbreviation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri      string
		wantCode byte
		wantRest string
	}{
		{"https://example.com/scan?x", 0x04, "example.com/scan?x"},
		{"https://www.example.com", 0x02, "example.com"},
		{"http://www.example.com", 0x01, "example.com"},
		{"http://example.com", 0x03, "example.com"},
		{"tel:+3701234", 0x05, "+3701234"},
		{"example.com/scan", 0x00, "example.com/scan"},
	}

	for _, tt := range tests {
		r := NewURI(tt.uri)
		if r.Payload[0] != tt.wantCode {
			t.Errorf("NewURI(%q) code = 0x%02x, want 0x%02x", tt.uri, r.Payload[0], tt.wantCode)
		}
		if got := string(r.Payload[1:]); got != tt.wantRest {
			t.Errorf("NewURI(%q) rest = %q, want %q", tt.uri, got, tt.wantRest)
		}
		if got, ok := r.URI(); !ok || got != tt.uri {
			t.Errorf("URI() = %q, %v; want %q", got, ok, tt.uri)
		}
	}
}

func TestEncodeSingleURIRecord(t *testing.T) {
	t.Parallel()

	got := Encode(NewURI("https://example.com/scan?abc"))

	want := []byte{0xD1, 0x01, 0x15, 'U', 0x04}
	want = append(want, "example.com/scan?abc"...)
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % x\nwant       % x", got, want)
	}
}

func TestEncodeFlags(t *testing.T) {
	t.Parallel()

	msg := Encode(NewURI("https://a.b/c"), NewText("Hi", "en"))

	if msg[0] != 0x91 {
		t.Errorf("first header = 0x%02x, want 0x91 (MB|SR|well-known)", msg[0])
	}
	second := NewURI("https://a.b/c").Size()
	if msg[second] != 0x51 {
		t.Errorf("second header = 0x%02x, want 0x51 (ME|SR|well-known)", msg[second])
	}
	textPayload := msg[second+4:]
	if !bytes.Equal(textPayload, []byte{0x02, 'e', 'n', 'H', 'i'}) {
		t.Errorf("text payload = % x", textPayload)
	}
}

func TestEncodeLongRecord(t *testing.T) {
	t.Parallel()

	long := "https://example.com/" + strings.Repeat("a", 300)
	r := NewURI(long)
	msg := Encode(r)

	if msg[0]&flagSR != 0 {
		t.Error("SR flag set for a payload over 255 bytes")
	}
	if len(msg) != r.Size() {
		t.Errorf("len = %d, Size() = %d", len(msg), r.Size())
	}

	recs, err := Decode(msg)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got, _ := recs[0].URI(); got != long {
		t.Error("long URI did not survive decoding")
	}
}

func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	msg := Encode(NewURI("https://x.test/scan?t"), NewText("RIG Attendance", ""))
	recs, err := Decode(msg)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Decode() returned %d records, want 2", len(recs))
	}
	text, lang, ok := recs[1].Text()
	if !ok || text != "RIG Attendance" || lang != "en" {
		t.Errorf("Text() = %q, %q, %v", text, lang, ok)
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	good := Encode(NewURI("https://x.test/"))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header only", good[:1]},
		{"truncated payload", good[:len(good)-2]},
		{"missing MB", append([]byte{good[0] &^ flagMB}, good[1:]...)},
		{"missing ME", append([]byte{good[0] &^ flagME}, good[1:]...)},
		{"trailing bytes", append(append([]byte{}, good...), 0x00)},
		{"chunked", append([]byte{good[0] | flagCF}, good[1:]...)},
	}

	for _, tt := range tests {
		if _, err := Decode(tt.data); err == nil {
			t.Errorf("%s: Decode() error = nil", tt.name)
		}
	}

	if _, err := Decode(good[:len(good)-2]); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated: error = %v, want ErrTruncated", err)
	}
}
