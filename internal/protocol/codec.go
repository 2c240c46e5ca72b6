package protocol

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// ProtocolVersion is the only version accepted by Decode
	ProtocolVersion uint32 = 1
	// MaxFrameSize bounds the body length declared in a frame header
	MaxFrameSize = 1 << 20
	// HeaderSize is the length prefix size
	HeaderSize = 4
)

const (
	fieldVersion  protowire.Number = 1
	fieldSequence protowire.Number = 2
)

// Frame is one extracted frame body
type Frame []byte

// Encode serializes msg and prepends the big-endian length header
func Encode(msg *Message) ([]byte, error) {
	// reserve the header so the body is written in place
	buf := make([]byte, HeaderSize, HeaderSize+64)
	buf, err := appendMessage(buf, msg)
	if err != nil {
		return nil, err
	}
	size := len(buf) - HeaderSize
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	binary.BigEndian.PutUint32(buf, uint32(size))
	return buf, nil
}

// Marshal serializes msg without the length header
func Marshal(msg *Message) ([]byte, error) {
	return appendMessage(nil, msg)
}

func appendMessage(b []byte, msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrEncode)
	}
	b = appendVarintField(b, fieldVersion, uint64(msg.Version))
	b = appendVarintField(b, fieldSequence, uint64(msg.Sequence))
	if msg.Payload == nil {
		return b, nil
	}
	if v := reflect.ValueOf(msg.Payload); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, fmt.Errorf("%w: nil %T payload", ErrEncode, msg.Payload)
	}
	if err := checkUTF8(msg.Payload); err != nil {
		return nil, err
	}
	// the variant is always written, even when all of its fields are zero,
	// so the receiver can see which one is set
	body := msg.Payload.appendFields(nil)
	b = protowire.AppendTag(b, protowire.Number(msg.Payload.Type()), protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b, nil
}

// Decode parses a frame body and validates version and payload presence.
// On validation failures the partially decoded message is returned along
// with the error so the caller can correlate its error reply.
func Decode(body []byte) (*Message, error) {
	msg := &Message{}
	found := make(map[MessageType]Payload, 1)
	versionSeen := false

	err := visitFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldVersion:
			versionSeen = true
			return consumeUint32(typ, b, &msg.Version)
		case fieldSequence:
			return consumeUint32(typ, b, &msg.Sequence)
		}
		decode, ok := payloadDecoders[MessageType(num)]
		if !ok || typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, parseError(n)
		}
		p, err := decode(v)
		if err != nil {
			return 0, err
		}
		found[MessageType(num)] = p
		return n, nil
	})
	if err != nil {
		return nil, err
	}

	for _, t := range Precedence {
		if p, ok := found[t]; ok {
			msg.Payload = p
			break
		}
	}

	// an empty body, or one carrying nothing but a sequence, is an empty
	// payload rather than a version mismatch
	if !versionSeen && msg.Payload == nil {
		return msg, ErrEmptyPayload
	}
	if msg.Version != ProtocolVersion {
		return msg, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, msg.Version, ProtocolVersion)
	}
	if msg.Payload == nil {
		return msg, ErrEmptyPayload
	}
	return msg, nil
}

// TryExtractFrame pulls one complete frame off the front of buf.
//
// It reports ErrNeedMoreData with nothing consumed while the header or body
// is incomplete, and ErrInvalidLength with exactly the header consumed when
// the declared length exceeds MaxFrameSize. The returned frame is a copy.
func TryExtractFrame(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}
	length := binary.BigEndian.Uint32(buf)
	if length > MaxFrameSize {
		return nil, HeaderSize, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}
	frame := make(Frame, length)
	copy(frame, buf[HeaderSize:total])
	return frame, total, nil
}

// BuildError creates an error-variant message correlated with sequence.
// Details are read as key/value pairs; a trailing odd key is dropped.
func BuildError(code uint32, text string, sequence uint32, details ...string) *Message {
	e := &Error{Code: code, Message: text}
	if len(details) >= 2 {
		e.Details = make(map[string]string, len(details)/2)
		for i := 0; i+1 < len(details); i += 2 {
			e.Details[details[i]] = details[i+1]
		}
	}
	return NewMessage(sequence, e)
}

type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// visitFields walks every field of an encoded message. A visitor returning
// zero consumed bytes has the field skipped as unknown.
func visitFields(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]
		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return parseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func parseError(n int) error {
	return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, parseError(n)
	}
	*dst = v
	return n, nil
}

func consumeUint32(typ protowire.Type, b []byte, dst *uint32) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	if n > 0 {
		*dst = uint32(v)
	}
	return n, err
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	if n > 0 {
		*dst = int64(v)
	}
	return n, err
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	if n > 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n, err
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, parseError(n)
	}
	if !utf8.Valid(v) {
		return 0, fmt.Errorf("%w: invalid UTF-8 in string field", ErrDecode)
	}
	*dst = string(v)
	return n, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func checkUTF8(p Payload) error {
	var fields []string
	switch m := p.(type) {
	case *EchoRequest:
		fields = []string{m.Content}
	case *EchoResponse:
		fields = []string{m.Content}
	case *SystemNotice:
		fields = []string{m.Text}
	case *RegisterRequest:
		fields = []string{m.Username, m.Password}
	case *RegisterResponse:
		fields = []string{m.Message}
	case *LoginRequest:
		fields = []string{m.Username, m.Password}
	case *LoginResponse:
		fields = []string{m.Message, m.Username}
	case *Error:
		fields = append(fields, m.Message)
		for k, v := range m.Details {
			fields = append(fields, k, v)
		}
	}
	for _, s := range fields {
		if !utf8.ValidString(s) {
			return fmt.Errorf("%w: invalid UTF-8 in %s", ErrEncode, p.Type())
		}
	}
	return nil
}

var payloadDecoders = map[MessageType]func([]byte) (Payload, error){
	TypeEchoRequest: func(b []byte) (Payload, error) {
		m := &EchoRequest{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return consumeString(typ, b, &m.Content)
			}
			return 0, nil
		})
	},
	TypeEchoResponse: func(b []byte) (Payload, error) {
		m := &EchoResponse{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return consumeString(typ, b, &m.Content)
			}
			return 0, nil
		})
	},
	TypeHeartbeatRequest: func(b []byte) (Payload, error) {
		m := &HeartbeatRequest{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return consumeVarint(typ, b, &m.ClientTimeMs)
			}
			return 0, nil
		})
	},
	TypeHeartbeatResponse: func(b []byte) (Payload, error) {
		m := &HeartbeatResponse{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeVarint(typ, b, &m.ClientTimeMs)
			case 2:
				return consumeVarint(typ, b, &m.ServerTimeMs)
			}
			return 0, nil
		})
	},
	TypeSystemNotice: func(b []byte) (Payload, error) {
		m := &SystemNotice{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeString(typ, b, &m.Text)
			case 2:
				return consumeVarint(typ, b, &m.SentAtMs)
			}
			return 0, nil
		})
	},
	TypeRegisterRequest: func(b []byte) (Payload, error) {
		m := &RegisterRequest{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeString(typ, b, &m.Username)
			case 2:
				return consumeString(typ, b, &m.Password)
			}
			return 0, nil
		})
	},
	TypeRegisterResponse: func(b []byte) (Payload, error) {
		m := &RegisterResponse{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeBool(typ, b, &m.Success)
			case 2:
				return consumeString(typ, b, &m.Message)
			case 3:
				return consumeInt64(typ, b, &m.UserID)
			}
			return 0, nil
		})
	},
	TypeLoginRequest: func(b []byte) (Payload, error) {
		m := &LoginRequest{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeString(typ, b, &m.Username)
			case 2:
				return consumeString(typ, b, &m.Password)
			}
			return 0, nil
		})
	},
	TypeLoginResponse: func(b []byte) (Payload, error) {
		m := &LoginResponse{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeBool(typ, b, &m.Success)
			case 2:
				return consumeString(typ, b, &m.Message)
			case 3:
				return consumeInt64(typ, b, &m.UserID)
			case 4:
				return consumeString(typ, b, &m.Username)
			}
			return 0, nil
		})
	},
	TypeError: func(b []byte) (Payload, error) {
		m := &Error{}
		return m, visitFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeUint32(typ, b, &m.Code)
			case 2:
				return consumeString(typ, b, &m.Message)
			case 3:
				if typ != protowire.BytesType {
					return 0, nil
				}
				entry, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return 0, parseError(n)
				}
				var k, v string
				err := visitFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &k)
					case 2:
						return consumeString(typ, b, &v)
					}
					return 0, nil
				})
				if err != nil {
					return 0, err
				}
				if m.Details == nil {
					m.Details = make(map[string]string)
				}
				m.Details[k] = v
				return n, nil
			}
			return 0, nil
		})
	},
}

func (m *EchoRequest) appendFields(b []byte) []byte {
	return appendStringField(b, 1, m.Content)
}

func (m *EchoResponse) appendFields(b []byte) []byte {
	return appendStringField(b, 1, m.Content)
}

func (m *HeartbeatRequest) appendFields(b []byte) []byte {
	return appendVarintField(b, 1, m.ClientTimeMs)
}

func (m *HeartbeatResponse) appendFields(b []byte) []byte {
	b = appendVarintField(b, 1, m.ClientTimeMs)
	return appendVarintField(b, 2, m.ServerTimeMs)
}

func (m *SystemNotice) appendFields(b []byte) []byte {
	b = appendStringField(b, 1, m.Text)
	return appendVarintField(b, 2, m.SentAtMs)
}

func (m *RegisterRequest) appendFields(b []byte) []byte {
	b = appendStringField(b, 1, m.Username)
	return appendStringField(b, 2, m.Password)
}

func (m *RegisterResponse) appendFields(b []byte) []byte {
	b = appendBoolField(b, 1, m.Success)
	b = appendStringField(b, 2, m.Message)
	return appendVarintField(b, 3, uint64(m.UserID))
}

func (m *LoginRequest) appendFields(b []byte) []byte {
	b = appendStringField(b, 1, m.Username)
	return appendStringField(b, 2, m.Password)
}

func (m *LoginResponse) appendFields(b []byte) []byte {
	b = appendBoolField(b, 1, m.Success)
	b = appendStringField(b, 2, m.Message)
	b = appendVarintField(b, 3, uint64(m.UserID))
	return appendStringField(b, 4, m.Username)
}

func (m *Error) appendFields(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.Code))
	b = appendStringField(b, 2, m.Message)
	keys := make([]string, 0, len(m.Details))
	for k := range m.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, m.Details[k])
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}
