// ABOUTME: Blocking message reader over a connected stream socket.
// ABOUTME: Buffers decoded frames in a FIFO queue and enforces expected message kinds.

package protocol

import (
	"errors"
	"fmt"
	"io"
)

// DefaultReadBufferSize is the size of the receive buffer used by Reader.
const DefaultReadBufferSize = 4096

// ErrConnectionClosed is returned once the peer has closed the stream.
var ErrConnectionClosed = errors.New("connection closed by peer")

// ErrUnexpectedMessage matches every *UnexpectedMessageError.
var ErrUnexpectedMessage = errors.New("unexpected message kind")

// UnexpectedMessageError reports that the next message was not of the
// kind the caller required.
type UnexpectedMessageError struct {
	Want Kind
	Got  Message
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("expected %s message, got %s (%s)", e.Want, e.Got.Kind(), e.Got.Type)
}

// Is makes errors.Is(err, ErrUnexpectedMessage) hold.
func (e *UnexpectedMessageError) Is(target error) bool {
	return target == ErrUnexpectedMessage
}

// Reader pulls messages off a stream one at a time. It is owned by a
// single goroutine.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	buf     []byte
	queue   []Message
	lastErr error
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithBufferSize sets the receive buffer size.
func WithBufferSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.buf = make([]byte, n)
		}
	}
}

// WithMaxFrameSize overrides the largest frame body accepted.
func WithMaxFrameSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.dec.maxSize = n
		}
	}
}

// NewReader wraps r, typically a net.Conn.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	rd := &Reader{
		r:   r,
		dec: NewDecoder(),
		buf: make([]byte, DefaultReadBufferSize),
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// Next returns the next message. Messages already queued from an earlier
// receive are returned without touching the stream.
func (r *Reader) Next() (Message, error) {
	for len(r.queue) == 0 {
		if r.lastErr != nil {
			return Message{}, r.lastErr
		}
		if err := r.receive(); err != nil {
			r.lastErr = err
			if len(r.queue) == 0 {
				return Message{}, err
			}
		}
	}

	msg := r.queue[0]
	r.queue[0] = Message{}
	r.queue = r.queue[1:]
	return msg, nil
}

// NextOf returns the next message and fails with *UnexpectedMessageError
// if it is not of kind want. The mismatched message is consumed.
func (r *Reader) NextOf(want Kind) (Message, error) {
	msg, err := r.Next()
	if err != nil {
		return Message{}, err
	}
	if msg.Kind() != want {
		return Message{}, &UnexpectedMessageError{Want: want, Got: msg}
	}
	return msg, nil
}

// Queued returns the number of decoded messages waiting to be read.
func (r *Reader) Queued() int {
	return len(r.queue)
}

// receive performs one blocking read and queues whatever it completes.
func (r *Reader) receive() error {
	n, err := r.r.Read(r.buf)
	if n > 0 {
		msgs, decErr := r.dec.Decode(r.buf[:n])
		r.queue = append(r.queue, msgs...)
		if decErr != nil {
			return decErr
		}
	}

	switch {
	case err == nil && n == 0:
		return ErrConnectionClosed
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	case err != nil:
		return fmt.Errorf("receiving: %w", err)
	}
	return nil
}
