// Package link owns the neighbor connection lifecycle: one managed
// session per configured neighbor, length-prefixed message frames,
// per-frame acknowledgment and reconnect with jittered backoff.
package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

// ProtocolVersion is the wire frame version spoken on neighbor links.
const ProtocolVersion = 1

// FrameType tags a frame on the wire.
type FrameType byte

const (
	// FrameTypeHello opens an inbound session and identifies the
	// sending node by its XXXY address.
	FrameTypeHello FrameType = iota + 1

	// FrameTypeMessage carries one store-and-forward message.
	FrameTypeMessage

	// FrameTypeAck acknowledges receipt of one message frame.
	FrameTypeAck
)

// AckCode is the accept/reject code of an ack frame. Accept only
// confirms receipt at this hop, not novelty: duplicates are accepted
// and silently absorbed by the store.
type AckCode byte

const (
	// AckAccept confirms the frame was received and ingested.
	AckAccept AckCode = iota

	// AckReject signals a malformed or unprocessable frame.
	AckReject
)

var (
	// ErrMalformedFrame is returned for frames that cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnsupportedVersion is returned for frames with an unknown
	// protocol version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

const (
	frameHeaderLen  = 2 // type + version
	addrWireLen     = 4
	messageFixedLen = frameHeaderLen + telex.FingerprintLen + 2*addrWireLen + 2 + 16
	ackFrameLen     = frameHeaderLen + telex.FingerprintLen + 1
	helloFrameLen   = frameHeaderLen + addrWireLen
)

func frameHeader(t FrameType) []byte {
	return []byte{byte(t), ProtocolVersion}
}

func checkFrame(p []byte, want FrameType, minLen int) error {
	if len(p) < frameHeaderLen || len(p) < minLen {
		return ErrMalformedFrame
	}
	if FrameType(p[0]) != want {
		return fmt.Errorf("%w: unexpected frame type %d", ErrMalformedFrame, p[0])
	}
	if p[1] != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, p[1])
	}
	return nil
}

// Type returns the frame type of a raw frame, or 0 if it is empty.
func Type(p []byte) FrameType {
	if len(p) == 0 {
		return 0
	}
	return FrameType(p[0])
}

// EncodeHello encodes a session-opening hello frame for the local node.
func EncodeHello(local telex.Addr) []byte {
	return append(frameHeader(FrameTypeHello), []byte(local.String())...)
}

// DecodeHello decodes a hello frame into the sender's node address.
func DecodeHello(p []byte) (telex.Addr, error) {
	if err := checkFrame(p, FrameTypeHello, helloFrameLen); err != nil {
		return telex.Addr{}, err
	}
	addr, err := telex.ParseAddr(string(p[frameHeaderLen : frameHeaderLen+addrWireLen]))
	if err != nil {
		return telex.Addr{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return addr, nil
}

// EncodeMessage encodes a message frame. The fingerprint crosses the
// wire untouched, so it is identical end-to-end across hops.
func EncodeMessage(msg *telex.Message) []byte {
	p := make([]byte, 0, messageFixedLen+len(msg.Payload))
	p = append(p, frameHeader(FrameTypeMessage)...)
	p = append(p, msg.Fingerprint[:]...)
	p = append(p, []byte(msg.Origin.String())...)
	p = append(p, []byte(msg.Destination.String())...)
	p = append(p, msg.HopCount, msg.MaxHops)

	ts := make([]byte, 16)
	binary.BigEndian.PutUint64(ts, uint64(msg.CreatedAt.UTC().Unix()))
	binary.BigEndian.PutUint64(ts[8:], uint64(msg.ExpiresAt.UTC().Unix()))
	p = append(p, ts...)

	return append(p, msg.Payload...)
}

// DecodeMessage decodes a message frame. SeenVia is left empty; the
// session that received the frame fills it in.
func DecodeMessage(p []byte) (*telex.Message, error) {
	if err := checkFrame(p, FrameTypeMessage, messageFixedLen); err != nil {
		return nil, err
	}

	msg := new(telex.Message)
	off := frameHeaderLen

	copy(msg.Fingerprint[:], p[off:off+telex.FingerprintLen])
	off += telex.FingerprintLen

	origin, err := telex.ParseOrigin(string(p[off : off+addrWireLen]))
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %v", ErrMalformedFrame, err)
	}
	msg.Origin = origin
	off += addrWireLen

	dest, err := telex.ParseAddr(string(p[off : off+addrWireLen]))
	if err != nil {
		return nil, fmt.Errorf("%w: destination: %v", ErrMalformedFrame, err)
	}
	msg.Destination = dest
	off += addrWireLen

	msg.HopCount = p[off]
	msg.MaxHops = p[off+1]
	off += 2

	msg.CreatedAt = time.Unix(int64(binary.BigEndian.Uint64(p[off:])), 0).UTC()
	msg.ExpiresAt = time.Unix(int64(binary.BigEndian.Uint64(p[off+8:])), 0).UTC()
	off += 16

	msg.Payload = append([]byte(nil), p[off:]...)
	msg.State = telex.StatePending
	return msg, nil
}

// EncodeAck encodes an ack frame referencing a message fingerprint.
func EncodeAck(fp telex.Fingerprint, code AckCode) []byte {
	p := make([]byte, 0, ackFrameLen)
	p = append(p, frameHeader(FrameTypeAck)...)
	p = append(p, fp[:]...)
	return append(p, byte(code))
}

// DecodeAck decodes an ack frame.
func DecodeAck(p []byte) (telex.Fingerprint, AckCode, error) {
	var fp telex.Fingerprint
	if err := checkFrame(p, FrameTypeAck, ackFrameLen); err != nil {
		return fp, AckReject, err
	}
	copy(fp[:], p[frameHeaderLen:frameHeaderLen+telex.FingerprintLen])
	return fp, AckCode(p[frameHeaderLen+telex.FingerprintLen]), nil
}
