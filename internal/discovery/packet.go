package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Datagram layout. Strings are NUL padded.
const (
	PacketSize = 200

	versionOff = 0
	flagOff    = 4
	nameOff    = 5
	nameLen    = 127
	addrOff    = 132
	addrLen    = 32
	portOff    = 164
	portLen    = 36
)

const (
	flagProbe    byte = 0
	flagResponse byte = 1
)

// Version is stamped into every datagram. Peers on another version are
// ignored.
const Version uint32 = 1

var (
	ErrShortPacket  = errors.New("discovery: short packet")
	ErrFieldTooLong = errors.New("discovery: field too long")
	ErrBadFlag      = errors.New("discovery: invalid flag")
	ErrBadPort      = errors.New("discovery: invalid port")
)

// Packet is one probe or response datagram.
type Packet struct {
	Version  uint32
	Response bool
	Name     string
	Address  string
	Port     int
}

func (p Packet) Marshal() ([]byte, error) {
	buf := make([]byte, PacketSize)
	binary.BigEndian.PutUint32(buf[versionOff:flagOff], p.Version)
	if p.Response {
		buf[flagOff] = flagResponse
	}
	if err := putString(buf[nameOff:nameOff+nameLen], "name", p.Name); err != nil {
		return nil, err
	}
	if err := putString(buf[addrOff:addrOff+addrLen], "address", p.Address); err != nil {
		return nil, err
	}
	port := ""
	if p.Response {
		port = strconv.Itoa(p.Port)
	}
	if err := putString(buf[portOff:portOff+portLen], "port", port); err != nil {
		return nil, err
	}
	return buf, nil
}

func putString(dst []byte, field, v string) error {
	if len(v) > len(dst) {
		return fmt.Errorf("%w: %s is %d bytes, max %d", ErrFieldTooLong, field, len(v), len(dst))
	}
	copy(dst, v)
	return nil
}

func getString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func Unmarshal(b []byte) (Packet, error) {
	if len(b) < PacketSize {
		return Packet{}, ErrShortPacket
	}
	p := Packet{
		Version: binary.BigEndian.Uint32(b[versionOff:flagOff]),
		Name:    getString(b[nameOff : nameOff+nameLen]),
		Address: getString(b[addrOff : addrOff+addrLen]),
	}
	switch b[flagOff] {
	case flagProbe:
	case flagResponse:
		p.Response = true
	default:
		return Packet{}, fmt.Errorf("%w: %d", ErrBadFlag, b[flagOff])
	}
	if p.Response {
		port, err := strconv.Atoi(strings.TrimSpace(getString(b[portOff : portOff+portLen])))
		if err != nil || port <= 0 || port > 65535 {
			return Packet{}, ErrBadPort
		}
		p.Port = port
	}
	return p, nil
}
