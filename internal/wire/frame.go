// ABOUTME: Length-prefixed CBOR frames with a versioned envelope
// ABOUTME: Deterministic encoding so identical envelopes produce identical bytes

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is stamped into every envelope this build writes.
const ProtocolVersion = 1

// maxFrameSize bounds a single frame; anything larger is a protocol error,
// not a legitimate message.
const maxFrameSize = 1 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrVersion       = errors.New("unsupported protocol version")
)

// Envelope is the unit carried in every frame. Body holds the kind-specific
// payload, still CBOR-encoded, so receivers can skip kinds they do not know.
type Envelope struct {
	V             uint8           `cbor:"v"`
	Kind          string          `cbor:"kind"`
	CorrelationID string          `cbor:"correlation_id,omitempty"`
	Body          cbor.RawMessage `cbor:"body,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building CBOR encode mode: %v", err))
	}
}

// NewEnvelope encodes body into an envelope of the given kind at the
// current protocol version.
func NewEnvelope(kind, correlationID string, body any) (Envelope, error) {
	env := Envelope{V: ProtocolVersion, Kind: kind, CorrelationID: correlationID}
	if body != nil {
		raw, err := encMode.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding %s body: %w", kind, err)
		}
		env.Body = raw
	}
	return env, nil
}

// Decode unmarshals the envelope body into dst.
func (e Envelope) Decode(dst any) error {
	if err := cbor.Unmarshal(e.Body, dst); err != nil {
		return fmt.Errorf("decoding %s body: %w", e.Kind, err)
	}
	return nil
}

// WriteFrame encodes the envelope and writes one length-prefixed frame.
func WriteFrame(w io.Writer, env Envelope) error {
	payload, err := encMode.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and decodes its envelope. It returns io.EOF
// unwrapped when the connection closes cleanly between frames, and
// ErrVersion when the peer speaks a different protocol version.
func ReadFrame(r io.Reader) (Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("reading frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, fmt.Errorf("reading frame payload: %w", err)
	}

	var env Envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.V != ProtocolVersion {
		return Envelope{}, fmt.Errorf("%w: got v%d, want v%d", ErrVersion, env.V, ProtocolVersion)
	}
	return env, nil
}
