package tls

import (
	"encoding/hex"
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/mel2oo/go-mitm/memview"
)

var (
	ErrMalformedRecord  = errors.New("malformed TLS record")
	ErrIncompleteRecord = errors.New("incomplete TLS record")
)

// Describes where in the peeked stream reassembly stopped. Kind is one of
// ErrMalformedRecord or ErrIncompleteRecord.
type RecordError struct {
	Kind   error
	Offset int
	Data   []byte
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%v at offset %d: %s", e.Kind, e.Offset, hex.EncodeToString(e.Data))
}

func (e *RecordError) Unwrap() error {
	return e.Kind
}

func (e *RecordError) Cause() error {
	return e.Kind
}

// A non-consuming view of the head of a byte stream. Peek(n) returns up to n
// bytes without advancing the read position, blocking until n bytes are
// available or the stream fails. *bufio.Reader satisfies this.
type Peeker interface {
	Peek(n int) ([]byte, error)
}

// Reports whether b starts with a handshake record header for SSL 3.0 through
// TLS 1.2 framing: 0x16 0x03 {0x00..0x03}.
func IsRecordMagic(b []byte) bool {
	return len(b) >= 3 &&
		layers.TLSType(b[0]) == layers.TLSHandshake &&
		b[1] == 0x03 &&
		b[2] <= 0x03
}

// Decodes the 5-byte record header at the start of b.
func ParseRecordHeader(b []byte) (layers.TLSRecordHeader, error) {
	if len(b) < recordHeaderLength_bytes || !IsRecordMagic(b) {
		return layers.TLSRecordHeader{}, &RecordError{
			Kind: ErrMalformedRecord,
			Data: copyBytes(b, recordHeaderLength_bytes),
		}
	}
	return layers.TLSRecordHeader{
		ContentType: layers.TLSType(b[0]),
		Version:     layers.TLSVersion(uint16(b[1])<<8 | uint16(b[2])),
		Length:      uint16(b[3])<<8 | uint16(b[4]),
	}, nil
}

// Peeks handshake records from the head of p until a complete handshake
// message is available and returns exactly that message: the 4-byte handshake
// header followed by its body. Each record body becomes one chunk of the
// returned MemView. The read position of p is never advanced.
func ReassembleClientHello(p Peeker) (memview.MemView, error) {
	var msg memview.MemView
	offset := 0

	for {
		buf, _ := p.Peek(offset + recordHeaderLength_bytes)
		if len(buf) < offset {
			buf = buf[:0]
		} else {
			buf = buf[offset:]
		}

		header, err := ParseRecordHeader(buf)
		if err != nil {
			return memview.MemView{}, &RecordError{
				Kind:   ErrMalformedRecord,
				Offset: offset,
				Data:   copyBytes(buf, recordHeaderLength_bytes),
			}
		}

		end := offset + recordHeaderLength_bytes + int(header.Length)
		buf, _ = p.Peek(end)
		if len(buf) < end {
			var partial []byte
			if len(buf) > offset {
				partial = copyBytes(buf[offset:], len(buf)-offset)
			}
			return memview.MemView{}, &RecordError{
				Kind:   ErrIncompleteRecord,
				Offset: offset,
				Data:   partial,
			}
		}

		// Peeked slices are only valid until the next peek.
		body := make([]byte, header.Length)
		copy(body, buf[offset+recordHeaderLength_bytes:end])
		msg.Append(memview.New(body))
		offset = end

		if msg.Len() >= handshakeHeaderLength_bytes {
			msgLen := handshakeHeaderLength_bytes + int64(msg.GetUint24(1))
			if msg.Len() >= msgLen {
				return msg.SubView(0, msgLen), nil
			}
		}
	}
}

func copyBytes(b []byte, max int) []byte {
	if len(b) > max {
		b = b[:max]
	}
	return append([]byte(nil), b...)
}
