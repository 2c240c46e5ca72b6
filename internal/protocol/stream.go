package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame encodes msg and writes the whole frame to w
func WriteFrame(w io.Writer, msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame blocks until one frame has been read from r and decodes it.
// The declared length is checked before the body buffer is allocated.
func ReadFrame(r io.Reader) (*Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(body)
}
