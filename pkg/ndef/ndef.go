// Package ndef encodes NFC Data Exchange Format messages (NFC Forum NDEF 1.0)
// made of well-known URI and text records.
package ndef

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Record header flags
const (
	flagMB = 0x80 // message begin
	flagME = 0x40 // message end
	flagCF = 0x20 // chunked
	flagSR = 0x10 // short record
	flagIL = 0x08 // ID length present

	tnfMask = 0x07
)

// TNF is the type name format of a record.
type TNF byte

const (
	TNFEmpty     TNF = 0x00
	TNFWellKnown TNF = 0x01
	TNFMedia     TNF = 0x02
	TNFAbsURI    TNF = 0x03
	TNFExternal  TNF = 0x04
)

// Well-known record types
var (
	TypeURI  = []byte("U")
	TypeText = []byte("T")
)

// uriPrefixes is the URI identifier code table (NFC Forum RTD URI 1.0).
// Index is the code.
var uriPrefixes = []string{
	"",
	"http://www.",
	"https://www.",
	"http://",
	"https://",
	"tel:",
	"mailto:",
	"ftp://anonymous:anonymous@",
	"ftp://ftp.",
	"ftps://",
	"sftp://",
	"smb://",
	"nfs://",
	"ftp://",
	"dav://",
	"news:",
	"telnet://",
	"imap:",
	"rtsp://",
	"urn:",
}

// Record is a single NDEF record.
type Record struct {
	TNF     TNF
	Type    []byte
	ID      []byte
	Payload []byte
}

// NewURI builds a URI record, abbreviating the longest known prefix.
func NewURI(uri string) Record {
	code := 0
	for i, p := range uriPrefixes {
		if p != "" && strings.HasPrefix(uri, p) && len(p) > len(uriPrefixes[code]) {
			code = i
		}
	}
	rest := uri[len(uriPrefixes[code]):]
	payload := make([]byte, 0, 1+len(rest))
	payload = append(payload, byte(code))
	payload = append(payload, rest...)
	return Record{TNF: TNFWellKnown, Type: TypeURI, Payload: payload}
}

// NewText builds a UTF-8 text record. lang is an IANA language code and
// defaults to "en".
func NewText(text, lang string) Record {
	if lang == "" {
		lang = "en"
	}
	payload := make([]byte, 0, 1+len(lang)+len(text))
	payload = append(payload, byte(len(lang)&0x3f))
	payload = append(payload, lang...)
	payload = append(payload, text...)
	return Record{TNF: TNFWellKnown, Type: TypeText, Payload: payload}
}

// URI expands a URI record payload. ok is false for other record types.
func (r Record) URI() (uri string, ok bool) {
	if r.TNF != TNFWellKnown || string(r.Type) != string(TypeURI) || len(r.Payload) == 0 {
		return "", false
	}
	code := int(r.Payload[0])
	if code >= len(uriPrefixes) {
		return "", false
	}
	return uriPrefixes[code] + string(r.Payload[1:]), true
}

// Text returns the text and language of a text record.
func (r Record) Text() (text, lang string, ok bool) {
	if r.TNF != TNFWellKnown || string(r.Type) != string(TypeText) || len(r.Payload) == 0 {
		return "", "", false
	}
	status := r.Payload[0]
	if status&0x80 != 0 {
		// UTF-16 is not produced by NewText
		return "", "", false
	}
	n := int(status & 0x3f)
	if 1+n > len(r.Payload) {
		return "", "", false
	}
	body := r.Payload[1+n:]
	if !utf8.Valid(body) {
		return "", "", false
	}
	return string(body), string(r.Payload[1 : 1+n]), true
}

// Size returns the encoded length of r.
func (r Record) Size() int {
	n := 2 + len(r.Type) + len(r.ID) + len(r.Payload)
	if len(r.Payload) < 256 {
		n++
	} else {
		n += 4
	}
	if len(r.ID) > 0 {
		n++
	}
	return n
}

func (r Record) appendTo(b []byte, first, last bool) []byte {
	header := byte(r.TNF) & tnfMask
	if first {
		header |= flagMB
	}
	if last {
		header |= flagME
	}
	short := len(r.Payload) < 256
	if short {
		header |= flagSR
	}
	if len(r.ID) > 0 {
		header |= flagIL
	}

	b = append(b, header, byte(len(r.Type)))
	if short {
		b = append(b, byte(len(r.Payload)))
	} else {
		b = binary.BigEndian.AppendUint32(b, uint32(len(r.Payload)))
	}
	if len(r.ID) > 0 {
		b = append(b, byte(len(r.ID)))
	}
	b = append(b, r.Type...)
	b = append(b, r.ID...)
	return append(b, r.Payload...)
}

// Encode serializes records as one message. The first record carries MB and
// the last ME.
func Encode(records ...Record) []byte {
	size := 0
	for _, r := range records {
		size += r.Size()
	}
	b := make([]byte, 0, size)
	for i, r := range records {
		b = r.appendTo(b, i == 0, i == len(records)-1)
	}
	return b
}

var ErrTruncated = errors.New("ndef: message truncated")

// Decode parses an NDEF message. Chunked records are rejected.
func Decode(data []byte) ([]Record, error) {
	var records []Record
	for i := 0; len(data) > 0; i++ {
		header := data[0]
		if header&flagCF != 0 {
			return nil, fmt.Errorf("ndef: record %d: chunked records not supported", i)
		}
		if i == 0 && header&flagMB == 0 {
			return nil, fmt.Errorf("ndef: first record lacks MB flag")
		}
		if len(data) < 2 {
			return nil, ErrTruncated
		}
		typeLen := int(data[1])
		pos := 2

		var payloadLen int
		if header&flagSR != 0 {
			if len(data) < pos+1 {
				return nil, ErrTruncated
			}
			payloadLen = int(data[pos])
			pos++
		} else {
			if len(data) < pos+4 {
				return nil, ErrTruncated
			}
			payloadLen = int(binary.BigEndian.Uint32(data[pos:]))
			pos += 4
		}

		idLen := 0
		if header&flagIL != 0 {
			if len(data) < pos+1 {
				return nil, ErrTruncated
			}
			idLen = int(data[pos])
			pos++
		}

		if payloadLen < 0 || len(data)-pos < typeLen+idLen+payloadLen {
			return nil, ErrTruncated
		}
		r := Record{TNF: TNF(header & tnfMask)}
		r.Type = append([]byte(nil), data[pos:pos+typeLen]...)
		pos += typeLen
		if idLen > 0 {
			r.ID = append([]byte(nil), data[pos:pos+idLen]...)
			pos += idLen
		}
		r.Payload = append([]byte(nil), data[pos:pos+payloadLen]...)
		pos += payloadLen

		records = append(records, r)
		data = data[pos:]

		if header&flagME != 0 {
			if len(data) > 0 {
				return nil, fmt.Errorf("ndef: %d trailing bytes after ME record", len(data))
			}
			return records, nil
		}
	}
	if len(records) == 0 {
		return nil, ErrTruncated
	}
	return nil, fmt.Errorf("ndef: last record lacks ME flag")
}
