// ABOUTME: Tests for frame round-trips, version rejection, and size limits
// ABOUTME: Uses in-memory buffers; no sockets involved

package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrame_ReadFrame_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(KindMessage, "corr-1", Message{
		Format: "You found {0}!",
		Args:   []string{"a rusty sword"},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindMessage, got.Kind)
	assert.Equal(t, "corr-1", got.CorrelationID)

	var msg Message
	require.NoError(t, got.Decode(&msg))
	assert.Equal(t, "You found {0}!", msg.Format)
	assert.Equal(t, []string{"a rusty sword"}, msg.Args)
}

func TestReadFrame_SequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, kind := range []string{KindPing, KindPong, KindHello} {
		env, err := NewEnvelope(kind, "", nil)
		require.NoError(t, err)
		require.NoError(t, WriteFrame(&buf, env))
	}

	for _, want := range []string{KindPing, KindPong, KindHello} {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got.Kind)
	}

	// A clean close between frames surfaces as plain EOF.
	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_RejectsUnknownVersion(t *testing.T) {
	raw, err := cbor.Marshal(Envelope{V: 99, Kind: KindPing})
	require.NoError(t, err)

	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	buf.Write(hdr[:])
	buf.Write(raw)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrVersion)
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], maxFrameSize+1)
	buf.Write(hdr[:])

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestNewEnvelope_StampsCurrentVersion(t *testing.T) {
	env, err := NewEnvelope(KindSendAs, "", SendAs{Account: "alt-2", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, uint8(ProtocolVersion), env.V)

	var body SendAs
	require.NoError(t, env.Decode(&body))
	assert.Equal(t, "alt-2", body.Account)
}
