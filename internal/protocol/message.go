package protocol

import "fmt"

// MessageType is the reserved wire tag of a payload variant
type MessageType uint32

const (
	// TypeUnknown is returned for messages without a recognized payload
	TypeUnknown MessageType = 0

	// system / echo range 10-21
	TypeEchoRequest       MessageType = 10
	TypeEchoResponse      MessageType = 11
	TypeHeartbeatRequest  MessageType = 12
	TypeHeartbeatResponse MessageType = 13
	TypeSystemNotice      MessageType = 14

	// identity range 100-103
	TypeRegisterRequest  MessageType = 100
	TypeRegisterResponse MessageType = 101
	TypeLoginRequest     MessageType = 102
	TypeLoginResponse    MessageType = 103

	// messaging range 200-202, reserved
	TypeChatSend    MessageType = 200
	TypeChatAck     MessageType = 201
	TypeChatDeliver MessageType = 202

	// group range 300-304, reserved
	TypeGroupCreate  MessageType = 300
	TypeGroupJoin    MessageType = 301
	TypeGroupLeave   MessageType = 302
	TypeGroupSend    MessageType = 303
	TypeGroupDeliver MessageType = 304

	TypeError MessageType = 999
)

var typeNames = map[MessageType]string{
	TypeUnknown:           "UNKNOWN",
	TypeEchoRequest:       "ECHO_REQUEST",
	TypeEchoResponse:      "ECHO_RESPONSE",
	TypeHeartbeatRequest:  "HEARTBEAT_REQUEST",
	TypeHeartbeatResponse: "HEARTBEAT_RESPONSE",
	TypeSystemNotice:      "SYSTEM_NOTICE",
	TypeRegisterRequest:   "REGISTER_REQUEST",
	TypeRegisterResponse:  "REGISTER_RESPONSE",
	TypeLoginRequest:      "LOGIN_REQUEST",
	TypeLoginResponse:     "LOGIN_RESPONSE",
	TypeChatSend:          "CHAT_SEND",
	TypeChatAck:           "CHAT_ACK",
	TypeChatDeliver:       "CHAT_DELIVER",
	TypeGroupCreate:       "GROUP_CREATE",
	TypeGroupJoin:         "GROUP_JOIN",
	TypeGroupLeave:        "GROUP_LEAVE",
	TypeGroupSend:         "GROUP_SEND",
	TypeGroupDeliver:      "GROUP_DELIVER",
	TypeError:             "ERROR",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE_%d", uint32(t))
}

// Precedence is the order in which payload variants are chosen when a
// frame carries more than one of them. Decode and TypeOf both follow it.
var Precedence = []MessageType{
	TypeError,
	TypeEchoRequest,
	TypeEchoResponse,
	TypeHeartbeatRequest,
	TypeHeartbeatResponse,
	TypeSystemNotice,
	TypeRegisterRequest,
	TypeRegisterResponse,
	TypeLoginRequest,
	TypeLoginResponse,
}

// Payload is one variant of the message body. The set of variants is closed.
type Payload interface {
	Type() MessageType
	appendFields(b []byte) []byte
}

// Message is a decoded frame body
type Message struct {
	Version  uint32
	Sequence uint32
	Payload  Payload
}

// TypeOf reports the payload variant of msg, or TypeUnknown
func TypeOf(msg *Message) MessageType {
	if msg == nil || msg.Payload == nil {
		return TypeUnknown
	}
	return msg.Payload.Type()
}

// NewMessage creates a message with the current protocol version
func NewMessage(sequence uint32, payload Payload) *Message {
	return &Message{
		Version:  ProtocolVersion,
		Sequence: sequence,
		Payload:  payload,
	}
}

// BuildResponse creates a reply correlated with req
func BuildResponse(req *Message, payload Payload) *Message {
	var seq uint32
	if req != nil {
		seq = req.Sequence
	}
	return NewMessage(seq, payload)
}

type (
	EchoRequest struct {
		Content string
	}

	EchoResponse struct {
		Content string
	}

	HeartbeatRequest struct {
		ClientTimeMs uint64
	}

	HeartbeatResponse struct {
		ClientTimeMs uint64
		ServerTimeMs uint64
	}

	// SystemNotice is a server push delivered to every live session
	SystemNotice struct {
		Text     string
		SentAtMs uint64
	}

	RegisterRequest struct {
		Username string
		Password string
	}

	RegisterResponse struct {
		Success bool
		Message string
		UserID  int64
	}

	LoginRequest struct {
		Username string
		Password string
	}

	LoginResponse struct {
		Success  bool
		Message  string
		UserID   int64
		Username string
	}

	// Error reports a failure back to the peer. Code falls in one of the
	// bands described in errors.go.
	Error struct {
		Code    uint32
		Message string
		Details map[string]string
	}
)

func (*EchoRequest) Type() MessageType       { return TypeEchoRequest }
func (*EchoResponse) Type() MessageType      { return TypeEchoResponse }
func (*HeartbeatRequest) Type() MessageType  { return TypeHeartbeatRequest }
func (*HeartbeatResponse) Type() MessageType { return TypeHeartbeatResponse }
func (*SystemNotice) Type() MessageType      { return TypeSystemNotice }
func (*RegisterRequest) Type() MessageType   { return TypeRegisterRequest }
func (*RegisterResponse) Type() MessageType  { return TypeRegisterResponse }
func (*LoginRequest) Type() MessageType      { return TypeLoginRequest }
func (*LoginResponse) Type() MessageType     { return TypeLoginResponse }
func (*Error) Type() MessageType             { return TypeError }
