package protocol

import (
	"errors"
	"fmt"
)

// Error code bands
const (
	// protocol 1000-1099
	CodeMalformedFrame     uint32 = 1001
	CodeUnsupportedVersion uint32 = 1002
	CodeEmptyPayload       uint32 = 1003
	CodeFrameTooLarge      uint32 = 1004

	// auth 2000-2099
	CodeAuthRequired         uint32 = 2001
	CodeAlreadyAuthenticated uint32 = 2002

	// business 3000-3099
	CodeUnsupportedType uint32 = 3001
	CodeInvalidRequest  uint32 = 3002

	// system 4000-4099
	CodeHandlerFailure uint32 = 4001
	CodeInternal       uint32 = 4002
)

var (
	ErrEncode             = errors.New("failed to encode message")
	ErrDecode             = errors.New("failed to decode message")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrEmptyPayload       = errors.New("message has no payload")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrNeedMoreData       = errors.New("need more data")
	ErrInvalidLength      = errors.New("invalid frame length")
)

// Band is an error code range
type Band int

const (
	BandUnknown Band = iota
	BandProtocol
	BandAuth
	BandBusiness
	BandSystem
)

func (b Band) String() string {
	switch b {
	case BandProtocol:
		return "protocol"
	case BandAuth:
		return "auth"
	case BandBusiness:
		return "business"
	case BandSystem:
		return "system"
	default:
		return "unknown"
	}
}

// BandOf classifies an error code
func BandOf(code uint32) Band {
	switch {
	case code >= 1000 && code < 1100:
		return BandProtocol
	case code >= 2000 && code < 2100:
		return BandAuth
	case code >= 3000 && code < 3100:
		return BandBusiness
	case code >= 4000 && code < 4100:
		return BandSystem
	default:
		return BandUnknown
	}
}

// CodedError is an error carrying the code to report to the peer.
// Handlers return it to pick the code of the error reply.
type CodedError struct {
	Code    uint32
	Message string
	Err     error
}

// NewCodedError creates a CodedError
func NewCodedError(code uint32, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// CodeFor maps a codec failure to the protocol error code sent back to the peer
func CodeFor(err error) uint32 {
	var coded *CodedError
	switch {
	case errors.As(err, &coded):
		return coded.Code
	case errors.Is(err, ErrUnsupportedVersion):
		return CodeUnsupportedVersion
	case errors.Is(err, ErrEmptyPayload):
		return CodeEmptyPayload
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrInvalidLength):
		return CodeFrameTooLarge
	case errors.Is(err, ErrDecode):
		return CodeMalformedFrame
	default:
		return CodeInternal
	}
}
