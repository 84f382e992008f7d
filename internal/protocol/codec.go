// ABOUTME: Length-prefixed framing and protobuf-wire encoding of Message envelopes.
// ABOUTME: The Decoder accepts arbitrary byte runs and yields complete frames in arrival order.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame layout:
//
//	[x][x][x][x][x][x][x]...
//	| (uint32) || (binary)
//	|  4-byte  || N-byte
//	-----------------------...
//	    size       body
//
// The body is protobuf wire format: field 1 holds the type code, field 2
// the payload. Field 2 is omitted when the message has no payload.
const (
	headerSize = 4

	fieldType protowire.Number = 1
	fieldData protowire.Number = 2
)

// MaxFrameSize bounds the declared size of a single frame body.
const MaxFrameSize = 64 << 20

var (
	// ErrInvalidType is returned when encoding a message whose type is not
	// exactly TypeLength bytes.
	ErrInvalidType = errors.New("message type must be exactly 4 characters")

	// ErrFrameTooLarge is returned when a frame header declares a body
	// larger than the decoder accepts.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedFrame is returned when a complete frame body cannot be parsed.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Encode serializes m into a single frame.
func Encode(m Message) ([]byte, error) {
	return AppendFrame(nil, m)
}

// AppendFrame appends the frame for m to dst.
func AppendFrame(dst []byte, m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return dst, fmt.Errorf("%w: %q", ErrInvalidType, string(m.Type))
	}

	body := protowire.AppendTag(nil, fieldType, protowire.BytesType)
	body = protowire.AppendString(body, string(m.Type))
	if m.Data != nil {
		body = protowire.AppendTag(body, fieldData, protowire.BytesType)
		body = protowire.AppendBytes(body, m.Data)
	}
	if len(body) > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	dst = append(dst, header[:]...)
	return append(dst, body...), nil
}

// FrameSize returns the encoded length of m's frame, header included.
func FrameSize(m Message) int {
	n := protowire.SizeTag(fieldType) + protowire.SizeBytes(len(m.Type))
	if m.Data != nil {
		n += protowire.SizeTag(fieldData) + protowire.SizeBytes(len(m.Data))
	}
	return headerSize + n
}

// WriteMessage encodes m and writes it to w with a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decoder turns a byte stream into messages. Bytes belonging to a frame
// that is not yet complete are retained until a later call supplies the
// rest. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	maxSize int
}

// NewDecoder creates a Decoder with the default MaxFrameSize.
func NewDecoder() *Decoder {
	return &Decoder{maxSize: MaxFrameSize}
}

// Decode appends p to the pending bytes and returns every complete
// message, in arrival order. It may return zero messages. On error the
// messages decoded before the bad frame are still returned.
func (d *Decoder) Decode(p []byte) ([]Message, error) {
	d.buf = append(d.buf, p...)

	var msgs []Message
	consumed := 0
	defer func() {
		if consumed > 0 {
			d.buf = append(d.buf[:0], d.buf[consumed:]...)
		}
	}()

	for {
		rest := d.buf[consumed:]
		if len(rest) < headerSize {
			return msgs, nil
		}

		size := binary.BigEndian.Uint32(rest)
		if uint64(size) > uint64(d.maxSize) {
			return msgs, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		if len(rest)-headerSize < int(size) {
			return msgs, nil
		}

		body := rest[headerSize : headerSize+int(size)]
		consumed += headerSize + int(size)

		msg, err := decodeBody(body)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

// Buffered returns the number of bytes held while waiting for a frame to complete.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// decodeBody parses one frame body. Unknown fields are skipped.
func decodeBody(b []byte) (Message, error) {
	var msg Message
	sawType := false

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: type: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			msg.Type = MessageType(v)
			sawType = true
			b = b[n:]

		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: data: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			// Copy so the message never aliases the decoder buffer, and so an
			// empty payload stays distinguishable from an absent one.
			msg.Data = append([]byte{}, v...)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !sawType {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return msg, nil
}
