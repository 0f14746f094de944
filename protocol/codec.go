package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultMaxMessageSize is the largest encoded message, excluding the trailing newline.
const DefaultMaxMessageSize = 10 * 1024 * 1024

var (
	// ErrMessageTooLarge is returned for a message over the size limit.
	// The offending line has been consumed and the stream is still usable.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrMalformedMessage is returned for a line that is not a valid message.
	// The stream is still usable.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnencodable is returned when a message cannot be marshaled, for example because it
	// carries an invalid raw payload. Nothing was written.
	ErrUnencodable = errors.New("message cannot be encoded")
)

// IsFrameError reports whether err concerns a single message rather than the stream,
// meaning the caller can skip the message and keep using the stream.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrMessageTooLarge) || errors.Is(err, ErrMalformedMessage) || errors.Is(err, ErrUnencodable)
}

// Encode marshals msg into a single line, without the trailing newline.
func Encode(msg Envelope, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w: %w", msg.MessageType(), ErrUnencodable, err)
	}
	if len(b) > maxSize {
		return nil, fmt.Errorf("encoding %s of %d bytes: %w", msg.MessageType(), len(b), ErrMessageTooLarge)
	}
	if bytes.IndexByte(b, '\n') >= 0 {
		return nil, fmt.Errorf("encoded %s contains a newline: %w", msg.MessageType(), ErrUnencodable)
	}
	return b, nil
}

// Decode parses one line. The envelope is decoded first to find the type, then the line
// is decoded again into the matching concrete message. A line with a missing or unknown
// type decodes to *Message.
func Decode(line []byte) (Envelope, error) {
	var env Message
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %s", ErrMalformedMessage, err)
	}
	t, ok := ParseMessageType(string(env.Type))
	if !ok {
		return &env, nil
	}

	var msg Envelope
	switch t {
	case TypeHandshakeRequest:
		msg = &HandshakeRequest{}
	case TypeHandshakeResponse:
		msg = &HandshakeResponse{}
	case TypeRequest:
		msg = &Request{}
	case TypeResponse:
		msg = &Response{}
	case TypeEvent:
		msg = &Event{}
	case TypeCancelRequest:
		msg = &CancelRequest{}
	case TypeHeartbeatPing:
		msg = &HeartbeatPing{}
	case TypeHeartbeatPong:
		msg = &HeartbeatPong{}
	}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %s", ErrMalformedMessage, t, err)
	}
	setType(msg, t)
	return msg, nil
}

// setType normalizes the type of a decoded message to its canonical spelling.
func setType(msg Envelope, t MessageType) {
	switch m := msg.(type) {
	case *HandshakeRequest:
		m.Type = t
	case *HandshakeResponse:
		m.Type = t
	case *Request:
		m.Type = t
	case *Response:
		m.Type = t
	case *Event:
		m.Type = t
	case *CancelRequest:
		m.Type = t
	case *HeartbeatPing:
		m.Type = t
	case *HeartbeatPong:
		m.Type = t
	}
}

// Reader reads newline-delimited messages with a size limit.
// A Reader is not safe for concurrent use.
type Reader struct {
	br  *bufio.Reader
	max int
}

func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), max: maxSize}
}

// ReadLine returns the next line without its delimiter.
// Lines over the limit are read through to their newline, discarded, and reported
// with ErrMessageTooLarge.
func (r *Reader) ReadLine() ([]byte, error) {
	var (
		buf      []byte
		tooLarge bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(chunk) > r.max+1 {
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 && !tooLarge {
			// final line without a delimiter
			return bytes.TrimRight(buf, "\r"), nil
		}
		return nil, err
	}
	if tooLarge {
		return nil, ErrMessageTooLarge
	}
	return bytes.TrimRight(buf, "\r\n"), nil
}

// ReadMessage reads and decodes the next non-empty line.
// Errors satisfying IsFrameError leave the reader usable; any other error is from the
// underlying stream.
func (r *Reader) ReadMessage() (Envelope, error) {
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Decode(line)
	}
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Writer writes messages one line at a time. All writes are serialized through a single
// lock because the underlying streams are not safe for concurrent writers.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	max     int
	timeout time.Duration
}

func NewWriter(w io.Writer, maxSize int) *Writer {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Writer{w: w, max: maxSize}
}

// SetWriteTimeout bounds each write, when the underlying writer supports deadlines.
func (w *Writer) SetWriteTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = d
}

func (w *Writer) WriteMessage(msg Envelope) error {
	b, err := Encode(msg, w.max)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if dw, ok := w.w.(deadlineWriter); ok && w.timeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(w.timeout))
		defer func() { _ = dw.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("writing %s: %w", msg.MessageType(), err)
	}
	return nil
}
