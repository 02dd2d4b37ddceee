package ioutil

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLenReadWriter(t *testing.T) {
	buf := new(bytes.Buffer)
	rw := NewLenReadWriter(buf)

	require.NoError(t, rw.WritePacket([]byte("foo")))
	require.NoError(t, rw.WritePacket([]byte("hello")))
	require.NoError(t, rw.WritePacket(nil))

	p, err := rw.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), p)

	p, err = rw.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), p)

	p, err = rw.ReadPacket()
	require.NoError(t, err)
	assert.Len(t, p, 0)

	_, err = rw.ReadPacket()
	assert.Equal(t, io.EOF, err)
}

func TestLenReadWriterTruncated(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 10, 'a', 'b'})
	rw := NewLenReadWriter(buf)

	_, err := rw.ReadPacket()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestLenReadWriterTooLarge(t *testing.T) {
	rw := NewLenReadWriter(new(bytes.Buffer))
	err := rw.WritePacket(make([]byte, 1<<17))
	assert.Equal(t, ErrPacketTooLarge, err)
}
