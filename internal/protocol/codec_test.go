package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncode_WireBytes(t *testing.T) {
	frame, err := Encode(NewMessage(7, &EchoRequest{Content: "hi"}))
	require.NoError(t, err)
	want := []byte{
		0x00, 0x00, 0x00, 0x0a, // length
		0x08, 0x01, // version
		0x10, 0x07, // sequence
		0x52, 0x04, 0x0a, 0x02, 'h', 'i', // field 10, echo_request.content
	}
	assert.Equal(t, want, frame)
}

func TestEncode_ErrorTagUsesMultiByteVarint(t *testing.T) {
	body, err := Marshal(BuildError(CodeUnsupportedType, "x", 0))
	require.NoError(t, err)
	// 999<<3|2 = 7994 -> 0xba 0x3e
	assert.True(t, bytes.Contains(body, []byte{0xba, 0x3e}))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{"echo", &EchoRequest{Content: "hello"}},
		{"heartbeat", &HeartbeatResponse{ClientTimeMs: 10, ServerTimeMs: 20}},
		{"login response", &LoginResponse{Success: true, Message: "Login successful", UserID: 42, Username: "alice"}},
		{"error with details", &Error{Code: 1001, Message: "bad", Details: map[string]string{"a": "1", "b": ""}}},
		{"empty variant", &EchoResponse{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(NewMessage(99, tt.payload))
			require.NoError(t, err)

			body, consumed, err := TryExtractFrame(frame)
			require.NoError(t, err)
			assert.Equal(t, len(frame), consumed)

			msg, err := Decode(body)
			require.NoError(t, err)
			assert.Equal(t, ProtocolVersion, msg.Version)
			assert.Equal(t, uint32(99), msg.Sequence)
			assert.Equal(t, tt.payload, msg.Payload)
		})
	}
}

func TestEncode_InvalidInput(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrEncode)

	var nilEcho *EchoRequest
	_, err = Encode(NewMessage(1, nilEcho))
	assert.ErrorIs(t, err, ErrEncode)

	_, err = Encode(NewMessage(1, &EchoRequest{Content: string([]byte{0xff, 0xfe})}))
	assert.ErrorIs(t, err, ErrEncode)
}

func TestEncode_FrameTooLarge(t *testing.T) {
	frame, err := Encode(NewMessage(1, &EchoRequest{Content: strings.Repeat("a", MaxFrameSize)}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Nil(t, frame)
}

func TestEncode_NilPayloadStillEncodes(t *testing.T) {
	frame, err := Encode(NewMessage(3, nil))
	require.NoError(t, err)

	_, err = Decode(frame[HeaderSize:])
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte{0xff})
	assert.ErrorIs(t, err, ErrDecode)

	// embedded message declares more bytes than present
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, protowire.Number(TypeEchoRequest), protowire.BytesType)
	b = protowire.AppendVarint(b, 500)
	b = append(b, 0x0a)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecode_UnsupportedVersionKeepsSequence(t *testing.T) {
	body, err := Marshal(&Message{Version: 2, Sequence: 17, Payload: &EchoRequest{Content: "x"}})
	require.NoError(t, err)

	msg, err := Decode(body)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	require.NotNil(t, msg)
	assert.Equal(t, uint32(17), msg.Sequence)
	assert.Equal(t, CodeUnsupportedVersion, CodeFor(err))
}

func TestDecode_EmptyPayload(t *testing.T) {
	body, err := Marshal(&Message{Version: ProtocolVersion, Sequence: 5})
	require.NoError(t, err)
	_, err = Decode(body)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	// a reserved tag without a variant decodes as unknown
	body = protowire.AppendTag(body, protowire.Number(TypeChatSend), protowire.BytesType)
	body = protowire.AppendBytes(body, []byte{0x0a, 0x01, 'x'})
	msg, err := Decode(body)
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.Equal(t, TypeUnknown, TypeOf(msg))
	assert.Equal(t, uint32(5), msg.Sequence)
}

func TestDecode_ZeroLengthFrameIsEmptyPayload(t *testing.T) {
	frame, consumed, err := TryExtractFrame([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, HeaderSize, consumed)

	msg, err := Decode(frame)
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.NotErrorIs(t, err, ErrUnsupportedVersion)
	require.NotNil(t, msg)
	assert.Equal(t, CodeEmptyPayload, CodeFor(err))

	// a sequence alone is still empty
	body := protowire.AppendTag(nil, protowire.Number(fieldSequence), protowire.VarintType)
	body = protowire.AppendVarint(body, 9)
	msg, err = Decode(body)
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.Equal(t, uint32(9), msg.Sequence)
}

func TestDecode_Precedence(t *testing.T) {
	appendVariant := func(b []byte, p Payload) []byte {
		b = protowire.AppendTag(b, protowire.Number(p.Type()), protowire.BytesType)
		return protowire.AppendBytes(b, p.appendFields(nil))
	}
	base, err := Marshal(&Message{Version: ProtocolVersion, Sequence: 1})
	require.NoError(t, err)

	body := appendVariant(append([]byte{}, base...), &LoginRequest{Username: "bob"})
	body = appendVariant(body, &EchoRequest{Content: "first"})
	msg, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, TypeEchoRequest, TypeOf(msg))

	body = appendVariant(body, &Error{Code: 4001})
	msg, err = Decode(body)
	require.NoError(t, err)
	assert.Equal(t, TypeError, TypeOf(msg))

	// every known variant has a slot in the precedence list
	for t2 := range payloadDecoders {
		assert.Contains(t, Precedence, t2)
	}
}

func TestTryExtractFrame(t *testing.T) {
	t.Run("short header", func(t *testing.T) {
		f, n, err := TryExtractFrame([]byte{0, 0, 1})
		assert.ErrorIs(t, err, ErrNeedMoreData)
		assert.Zero(t, n)
		assert.Nil(t, f)
	})

	t.Run("oversized length consumes header", func(t *testing.T) {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf, MaxFrameSize+1)
		_, n, err := TryExtractFrame(buf)
		assert.ErrorIs(t, err, ErrInvalidLength)
		assert.Equal(t, HeaderSize, n)
	})

	t.Run("max size is accepted", func(t *testing.T) {
		buf := make([]byte, HeaderSize+MaxFrameSize)
		binary.BigEndian.PutUint32(buf, MaxFrameSize)
		f, n, err := TryExtractFrame(buf)
		require.NoError(t, err)
		assert.Len(t, f, MaxFrameSize)
		assert.Equal(t, len(buf), n)
	})

	t.Run("partial body", func(t *testing.T) {
		frame, err := Encode(NewMessage(1, &EchoRequest{Content: "abc"}))
		require.NoError(t, err)
		_, n, err := TryExtractFrame(frame[:len(frame)-1])
		assert.ErrorIs(t, err, ErrNeedMoreData)
		assert.Zero(t, n)
	})

	t.Run("two frames back to back", func(t *testing.T) {
		a, _ := Encode(NewMessage(1, &EchoRequest{Content: "a"}))
		b, _ := Encode(NewMessage(2, &EchoRequest{Content: "b"}))
		buf := append(append([]byte{}, a...), b...)

		f, n, err := TryExtractFrame(buf)
		require.NoError(t, err)
		assert.Equal(t, len(a), n)
		msg, err := Decode(f)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), msg.Sequence)

		f, n, err = TryExtractFrame(buf[n:])
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		msg, err = Decode(f)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), msg.Sequence)
	})

	t.Run("frame is a copy", func(t *testing.T) {
		buf, _ := Encode(NewMessage(1, &EchoRequest{Content: "z"}))
		f, _, err := TryExtractFrame(buf)
		require.NoError(t, err)
		buf[HeaderSize] = 0
		assert.NotEqual(t, byte(0), f[0])
	})
}

func TestBuildError(t *testing.T) {
	msg := BuildError(CodeUnsupportedType, "Unsupported message type: UNKNOWN", 12, "type", "UNKNOWN", "dangling")
	assert.Equal(t, ProtocolVersion, msg.Version)
	assert.Equal(t, uint32(12), msg.Sequence)
	e, ok := msg.Payload.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeUnsupportedType, e.Code)
	assert.Equal(t, map[string]string{"type": "UNKNOWN"}, e.Details)

	assert.Nil(t, BuildError(1, "x", 0).Payload.(*Error).Details)
}

func TestBuildResponse(t *testing.T) {
	resp := BuildResponse(&Message{Version: 1, Sequence: 33}, &EchoResponse{Content: "x"})
	assert.Equal(t, uint32(33), resp.Sequence)
	assert.Equal(t, TypeEchoResponse, TypeOf(resp))
	assert.Equal(t, uint32(0), BuildResponse(nil, &EchoResponse{}).Sequence)
}

func TestCodeForAndBands(t *testing.T) {
	assert.Equal(t, CodeMalformedFrame, CodeFor(ErrDecode))
	assert.Equal(t, CodeEmptyPayload, CodeFor(ErrEmptyPayload))
	assert.Equal(t, CodeFrameTooLarge, CodeFor(ErrInvalidLength))
	assert.Equal(t, CodeAuthRequired, CodeFor(NewCodedError(CodeAuthRequired, "login first")))
	assert.Equal(t, CodeInternal, CodeFor(errors.New("boom")))

	assert.Equal(t, BandProtocol, BandOf(CodeMalformedFrame))
	assert.Equal(t, BandAuth, BandOf(CodeAuthRequired))
	assert.Equal(t, BandBusiness, BandOf(CodeUnsupportedType))
	assert.Equal(t, BandSystem, BandOf(CodeHandlerFailure))
	assert.Equal(t, BandUnknown, BandOf(5000))
	assert.Equal(t, "business", BandBusiness.String())
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "ECHO_REQUEST", TypeEchoRequest.String())
	assert.Equal(t, "UNKNOWN", TypeUnknown.String())
	assert.Equal(t, "TYPE_77", MessageType(77).String())
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewMessage(4, &RegisterRequest{Username: "alice", Password: "secret1"})))
	require.NoError(t, WriteFrame(&buf, NewMessage(5, &HeartbeatRequest{ClientTimeMs: 1})))

	msg, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, &RegisterRequest{Username: "alice", Password: "secret1"}, msg.Payload)

	msg, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), msg.Sequence)

	oversized := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(oversized, MaxFrameSize+1)
	_, err = ReadFrame(bytes.NewReader(oversized))
	assert.ErrorIs(t, err, ErrInvalidLength)
}
