// Package protocol implements the filerelay wire frames, their payloads and
// the per-session protocol state machine.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthSize is the size of the frame length prefix.
	LengthSize = 4
	// HeaderSize is the number of bytes counted by the length prefix before the payload.
	HeaderSize = 9
	// DefaultMaxFrameSize bounds the length prefix when no limit is configured.
	DefaultMaxFrameSize = 4 * 1024 * 1024
)

// PacketType identifies the payload carried by a frame.
type PacketType byte

const (
	Startup PacketType = iota + 1
	Authent
	Valid
	Data
	Error
	EndTransfer
	Shutdown
	KeepAlive
)

var packetNames = [...]string{
	Startup:     "STARTUP",
	Authent:     "AUTHENT",
	Valid:       "VALID",
	Data:        "DATA",
	Error:       "ERROR",
	EndTransfer: "ENDTRANSFER",
	Shutdown:    "SHUTDOWN",
	KeepAlive:   "KEEPALIVE",
}

func (p PacketType) String() string {
	if p.Known() {
		return packetNames[p]
	}
	return fmt.Sprintf("PacketType(%d)", byte(p))
}

// Known reports whether p is a recognized packet type.
func (p PacketType) Known() bool {
	return p >= Startup && p <= KeepAlive
}

// ErrNeedMoreData is returned by Decode when the buffer holds a partial frame.
var ErrNeedMoreData = errors.New("protocol: need more data")

// FrameError reports an implausible frame prefix. The offending bytes are not consumed.
type FrameError struct {
	Length int64
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("protocol: bad frame (length %d): %s", e.Length, e.Reason)
}

// Frame is one decoded wire unit.
type Frame struct {
	LocalID  uint32
	RemoteID uint32
	Type     PacketType
	Payload  []byte
}

// Encode serializes f as [len:4][localId:4][remoteId:4][type:1][payload].
func Encode(f Frame, maxFrameSize int) ([]byte, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	length := HeaderSize + len(f.Payload)
	if length > maxFrameSize {
		return nil, &FrameError{Length: int64(length), Reason: "exceeds max frame size"}
	}
	if !f.Type.Known() {
		return nil, fmt.Errorf("protocol: encode %s: unknown packet type", f.Type)
	}

	buf := make([]byte, LengthSize+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	binary.BigEndian.PutUint32(buf[4:8], f.LocalID)
	binary.BigEndian.PutUint32(buf[8:12], f.RemoteID)
	buf[12] = byte(f.Type)
	copy(buf[13:], f.Payload)
	return buf, nil
}

// Decode parses one frame from the head of buf and returns it with the number
// of bytes consumed. It returns ErrNeedMoreData on partial input and a
// *FrameError on an implausible length, consuming nothing in both cases.
func Decode(buf []byte, maxFrameSize int) (Frame, int, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(buf) < LengthSize {
		return Frame{}, 0, ErrNeedMoreData
	}

	length := int64(int32(binary.BigEndian.Uint32(buf[0:4])))
	switch {
	case length < 0:
		return Frame{}, 0, &FrameError{Length: length, Reason: "negative length"}
	case length < HeaderSize:
		return Frame{}, 0, &FrameError{Length: length, Reason: "shorter than frame header"}
	case length > int64(maxFrameSize):
		return Frame{}, 0, &FrameError{Length: length, Reason: "exceeds max frame size"}
	}

	total := LengthSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	payload := make([]byte, int(length)-HeaderSize)
	copy(payload, buf[13:total])
	return Frame{
		LocalID:  binary.BigEndian.Uint32(buf[4:8]),
		RemoteID: binary.BigEndian.Uint32(buf[8:12]),
		Type:     PacketType(buf[12]),
		Payload:  payload,
	}, total, nil
}

// WriteFrame encodes f and writes it with a single Write call.
func WriteFrame(w io.Writer, f Frame, maxFrameSize int) error {
	buf, err := Encode(f, maxFrameSize)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// Reader decodes consecutive frames from a byte stream, retaining unread
// bytes between calls.
type Reader struct {
	r            io.Reader
	maxFrameSize int
	buf          []byte
	chunk        []byte
}

// NewReader returns a frame reader over r.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{
		r:            r,
		maxFrameSize: maxFrameSize,
		chunk:        make([]byte, 32*1024),
	}
}

// ReadFrame blocks until one complete frame is available.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		frame, n, err := Decode(r.buf, r.maxFrameSize)
		if err == nil {
			r.buf = r.buf[n:]
			if len(r.buf) == 0 {
				r.buf = nil
			}
			return frame, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return Frame{}, err
		}

		n, readErr := r.r.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			continue
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && len(r.buf) > 0 {
				return Frame{}, fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF)
			}
			return Frame{}, fmt.Errorf("read frame: %w", readErr)
		}
	}
}

// Buffered returns the number of bytes held for the next frame.
func (r *Reader) Buffered() int {
	return len(r.buf)
}
