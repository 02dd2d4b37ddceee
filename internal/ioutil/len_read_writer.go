// Package ioutil provides the length-prefixed packet framing used on
// neighbor links.
package ioutil

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// ErrPacketTooLarge is returned when a packet exceeds the uint16
// length prefix.
var ErrPacketTooLarge = errors.New("packet exceeds maximum frame size")

// LenReadWriter reads and writes whole packets prefixed with a big
// endian uint16 length. A short read never yields a partial packet.
type LenReadWriter struct {
	rw io.ReadWriter
}

// NewLenReadWriter constructs a new LenReadWriter over rw.
func NewLenReadWriter(rw io.ReadWriter) *LenReadWriter {
	return &LenReadWriter{rw: rw}
}

// ReadPacket returns a single received len-prepended packet.
func (rw *LenReadWriter) ReadPacket() ([]byte, error) {
	prefix := make([]byte, 2)
	if _, err := io.ReadFull(rw.rw, prefix); err != nil {
		return nil, err
	}

	data := make([]byte, binary.BigEndian.Uint16(prefix))
	if _, err := io.ReadFull(rw.rw, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WritePacket writes p as a single len-prepended packet.
func (rw *LenReadWriter) WritePacket(p []byte) error {
	if len(p) > math.MaxUint16 {
		return ErrPacketTooLarge
	}

	buf := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(buf, uint16(len(p)))
	copy(buf[2:], p)

	_, err := rw.rw.Write(buf)
	return err
}
