package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

func mustAddr(t *testing.T, s string) telex.Addr {
	t.Helper()
	a, err := telex.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func TestHelloFrame(t *testing.T) {
	local := mustAddr(t, "0011")

	raw := EncodeHello(local)
	assert.Equal(t, FrameTypeHello, Type(raw))

	addr, err := DecodeHello(raw)
	require.NoError(t, err)
	assert.Equal(t, local, addr)
}

func TestMessageFrame(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := telex.NewMessageAt(mustAddr(t, "0011"), mustAddr(t, "1234"), []byte("RYRYRY HELLO"), created)
	msg.HopCount = 3

	out, err := DecodeMessage(EncodeMessage(msg))
	require.NoError(t, err)

	assert.Equal(t, msg.Fingerprint, out.Fingerprint)
	assert.Equal(t, msg.Origin, out.Origin)
	assert.Equal(t, msg.Destination, out.Destination)
	assert.Equal(t, msg.Payload, out.Payload)
	assert.Equal(t, msg.HopCount, out.HopCount)
	assert.Equal(t, msg.MaxHops, out.MaxHops)
	assert.Equal(t, created, out.CreatedAt)
	assert.Equal(t, created.Add(telex.DefaultTTL), out.ExpiresAt)
	assert.Equal(t, telex.StatePending, out.State)
	assert.Empty(t, out.SeenVia)
}

func TestMessageFrameWildcardDestination(t *testing.T) {
	msg := telex.NewMessage(mustAddr(t, "0011"), mustAddr(t, "1230"), []byte("X"))

	out, err := DecodeMessage(EncodeMessage(msg))
	require.NoError(t, err)
	assert.True(t, out.Destination.Machine.Any())
}

func TestAckFrame(t *testing.T) {
	msg := telex.NewMessage(mustAddr(t, "0011"), mustAddr(t, "1234"), []byte("X"))

	fp, code, err := DecodeAck(EncodeAck(msg.Fingerprint, AckAccept))
	require.NoError(t, err)
	assert.Equal(t, msg.Fingerprint, fp)
	assert.Equal(t, AckAccept, code)

	fp, code, err = DecodeAck(EncodeAck(msg.Fingerprint, AckReject))
	require.NoError(t, err)
	assert.Equal(t, msg.Fingerprint, fp)
	assert.Equal(t, AckReject, code)
}

func TestDecodeMalformedFrames(t *testing.T) {
	_, err := DecodeHello(nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeHello([]byte{byte(FrameTypeHello), ProtocolVersion, 'x'})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeMessage([]byte{byte(FrameTypeAck), ProtocolVersion})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, _, err = DecodeAck([]byte{byte(FrameTypeAck), ProtocolVersion, 1, 2})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	raw := EncodeHello(mustAddr(t, "0011"))
	raw[1] = 99

	_, err := DecodeHello(raw)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeMessageRejectsWildcardOrigin(t *testing.T) {
	msg := telex.NewMessage(mustAddr(t, "0011"), mustAddr(t, "1234"), []byte("X"))
	raw := EncodeMessage(msg)

	// Corrupt the origin machine digit into the wildcard.
	copy(raw[frameHeaderLen+telex.FingerprintLen:], []byte("0010"))

	_, err := DecodeMessage(raw)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
