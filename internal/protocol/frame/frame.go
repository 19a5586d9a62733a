// Package frame is the broker stream framing: a fixed 32-byte header
// followed by the record payload.
//
//	0   magic        uint32
//	4   version      uint16
//	6   flags        uint16 (reserved, zero)
//	8   match        uint64 correlation tag, 0 for unsolicited records
//	16  kind         uint32 record kind
//	20  checksum     uint32 CRC-32C of the payload
//	24  payload_len  uint64
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// Magic marks every broker frame ("SZGB").
	Magic   uint32 = 0x535A4742
	Version uint16 = 1

	HeaderLen = 32
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrInvalidMagic    = errors.New("frame: invalid magic")
	ErrUnsupportedVer  = errors.New("frame: unsupported version")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrChecksum        = errors.New("frame: payload checksum mismatch")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type Header struct {
	Magic      uint32
	Version    uint16
	Flags      uint16
	Match      uint64
	Kind       uint32
	Checksum   uint32
	PayloadLen uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

func (f Frame) Match() uint64 { return f.Header.Match }

func (f Frame) Kind() uint32 { return f.Header.Kind }

// Limits bounds the memory a single frame may claim.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

// ReadFrame reads one frame from r. Header errors leave the stream at an
// unknown offset and are terminal. ErrChecksum is returned with the frame
// fully consumed, so the caller may drop it and keep reading.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var raw [HeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h := DecodeHeader(raw)
	if h.Magic != Magic {
		return Frame{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVer, h.Version)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLen)
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	f := Frame{Header: h, Payload: payload}
	if crc32.Checksum(payload, castagnoli) != h.Checksum {
		return f, fmt.Errorf("%w: match=%d kind=%d", ErrChecksum, h.Match, h.Kind)
	}
	return f, nil
}

// WriteFrame writes f in one Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := AppendFrame(nil, f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// AppendFrame appends the wire encoding of f to dst, stamping magic,
// version, checksum and payload length.
func AppendFrame(dst []byte, f Frame, limits Limits) ([]byte, error) {
	n := uint64(len(f.Payload))
	if n > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.Checksum = crc32.Checksum(f.Payload, castagnoli)
	h.PayloadLen = n

	raw := EncodeHeader(h)
	dst = append(dst, raw[:]...)
	return append(dst, f.Payload...), nil
}

func EncodeHeader(h Header) [HeaderLen]byte {
	var b [HeaderLen]byte
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	binary.BigEndian.PutUint16(b[4:6], h.Version)
	binary.BigEndian.PutUint16(b[6:8], h.Flags)
	binary.BigEndian.PutUint64(b[8:16], h.Match)
	binary.BigEndian.PutUint32(b[16:20], h.Kind)
	binary.BigEndian.PutUint32(b[20:24], h.Checksum)
	binary.BigEndian.PutUint64(b[24:32], h.PayloadLen)
	return b
}

func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Flags:      binary.BigEndian.Uint16(b[6:8]),
		Match:      binary.BigEndian.Uint64(b[8:16]),
		Kind:       binary.BigEndian.Uint32(b[16:20]),
		Checksum:   binary.BigEndian.Uint32(b[20:24]),
		PayloadLen: binary.BigEndian.Uint64(b[24:32]),
	}
}
