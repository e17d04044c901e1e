package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Source:     42,
		Dest:       7,
		Sequence:   1<<40 + 3,
		Monotonic:  999_999,
		Flags:      FlagAckRequested | FlagSystem,
		Type:       TypeUserBase + 5,
		PayloadLen: 128,
	}

	buf := make([]byte, HeaderSize)
	require.NoError(t, EncodeHeader(buf, h))

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeaderLayoutIsBigEndian(t *testing.T) {
	buf := make([]byte, HeaderSize)
	require.NoError(t, EncodeHeader(buf, Header{Source: 0x01020304, Type: TypePing, PayloadLen: 1}))

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf[0:4])
	assert.Equal(t, byte(0x01), buf[28]) // type low byte
	assert.Equal(t, byte(0x01), buf[32]) // payload len low byte
}

func TestMessageRoundTrip(t *testing.T) {
	m := Message{
		Header:  Header{Source: 1, Dest: 2, Type: TypeUserBase, Flags: FlagCompressed},
		Payload: []byte("hello, kernel"),
	}

	frame, err := Encode(m)
	require.NoError(t, err)
	assert.Len(t, frame, HeaderSize+len(m.Payload))

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, m.Payload, got.Payload)
	assert.Equal(t, uint32(len(m.Payload)), got.Header.PayloadLen)
	assert.Equal(t, m.Header.Type, got.Header.Type)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	frame, err := Encode(Message{Header: Header{Type: TypePing}, Payload: []byte("abcd")})
	require.NoError(t, err)

	_, err = Decode(frame[:len(frame)-1])
	require.Error(t, err)
	assert.Equal(t, kernelerr.CodeDeliveryFailed, kernelerr.CodeOf(err))
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	assert.Equal(t, kernelerr.CodeDeliveryFailed, kernelerr.CodeOf(err))
}

func TestDecodeRejectsOversizedDeclaredPayload(t *testing.T) {
	buf := make([]byte, HeaderSize)
	require.NoError(t, EncodeHeader(buf, Header{}))
	buf[29], buf[30], buf[31], buf[32] = 0xFF, 0xFF, 0xFF, 0xFF

	_, err := DecodeHeader(buf)
	assert.Equal(t, kernelerr.CodeMessageTooLarge, kernelerr.CodeOf(err))
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Message{Payload: make([]byte, MaxPayloadSize+1)})
	assert.Equal(t, kernelerr.CodeMessageTooLarge, kernelerr.CodeOf(err))
}

func TestReadWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	sent := Message{
		Header:  Header{Source: 3, Dest: 4, Sequence: 9, Type: TypePong},
		Payload: []byte{0xDE, 0xAD},
	}
	require.NoError(t, WriteMessage(&buf, sent))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, sent.Payload, got.Payload)
	assert.Equal(t, sent.Header.Sequence, got.Header.Sequence)

	// Stream drained; the next read hits EOF.
	_, err = ReadMessage(&buf)
	assert.Error(t, err)
}

func TestReservedTypes(t *testing.T) {
	assert.True(t, TypePing.Reserved())
	assert.True(t, TypeShutdown.Reserved())
	assert.False(t, TypeUserBase.Reserved())
	assert.Equal(t, "PING", TypePing.String())
	assert.Equal(t, "TYPE(0x00001001)", (TypeUserBase + 1).String())
}
