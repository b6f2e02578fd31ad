package ewexport

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// Reserved control bytes of the framing protocol.
const (
	// ESC precedes any literal occurrence of a reserved byte inside a frame.
	ESC byte = 27
	// STX marks the start of a frame.
	STX byte = 2
	// ETX marks the end of a frame.
	ETX byte = 3
)

// Errors returned by the frame codec.
var (
	// ErrProtocolUsage is returned when the frame API is called out of order.
	// It indicates a programming defect, never a network condition.
	ErrProtocolUsage = errors.New("frame api used out of order")
	// ErrFrameTooLarge is returned when a decoded frame exceeds the reader limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrIncompleteFrame is returned when a buffer ends inside a frame.
	ErrIncompleteFrame = errors.New("incomplete frame")
)

func isReserved(b byte) bool {
	return b == ESC || b == STX || b == ETX
}

// FrameWriter writes byte-stuffed frames to a buffered writer.
// A frame is opened with StartFrame, filled with Write and closed with EndFrame.
// Nothing reaches the underlying writer until Flush.
type FrameWriter struct {
	w    *bufio.Writer
	open bool
}

// NewFrameWriter returns a FrameWriter writing to w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	return &FrameWriter{w: bw}
}

// StartFrame emits the start marker.
func (f *FrameWriter) StartFrame() error {
	if f.open {
		return errors.Wrap(ErrProtocolUsage, "start frame while a frame is open")
	}
	if err := f.w.WriteByte(STX); err != nil {
		return err
	}
	f.open = true
	return nil
}

// Write emits p, escaping every reserved byte.
func (f *FrameWriter) Write(p []byte) (int, error) {
	if !f.open {
		return 0, errors.Wrap(ErrProtocolUsage, "write before start frame")
	}
	for i, b := range p {
		if isReserved(b) {
			if err := f.w.WriteByte(ESC); err != nil {
				return i, err
			}
		}
		if err := f.w.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// EndFrame emits the end marker. The caller must Flush afterwards.
func (f *FrameWriter) EndFrame() error {
	if !f.open {
		return errors.Wrap(ErrProtocolUsage, "end frame before start frame")
	}
	f.open = false
	return f.w.WriteByte(ETX)
}

// Flush writes any buffered data to the underlying writer.
func (f *FrameWriter) Flush() error {
	return f.w.Flush()
}

// Reset discards buffered data and any open frame, and switches to w.
func (f *FrameWriter) Reset(w io.Writer) {
	f.w.Reset(w)
	f.open = false
}

// EncodeFrame returns payload wrapped in markers with reserved bytes escaped.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(payload)/8+2)
	out = append(out, STX)
	for _, b := range payload {
		if isReserved(b) {
			out = append(out, ESC)
		}
		out = append(out, b)
	}
	return append(out, ETX)
}

// DecodeFrame reverses EncodeFrame. Bytes before the first start marker are ignored.
func DecodeFrame(frame []byte) ([]byte, error) {
	payload, err := NewFrameReader(bytes.NewReader(frame), 0).ReadFrame()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, ErrIncompleteFrame
	}
	return payload, err
}

// FrameReader extracts frame payloads from a byte stream.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader returns a FrameReader reading from r. A maxSize of zero or
// less disables the payload size limit.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameReader{r: br, maxSize: maxSize}
}

// ReadFrame returns the next unstuffed payload. Noise between frames is
// skipped; an unescaped start marker inside a frame restarts it. A frame over
// the size limit is consumed and reported as ErrFrameTooLarge, leaving the
// reader positioned for the next frame.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == STX {
			break
		}
	}

	var payload []byte
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		switch b {
		case ETX:
			if payload == nil {
				payload = []byte{}
			}
			return payload, nil
		case STX:
			payload = payload[:0]
			continue
		case ESC:
			if b, err = f.r.ReadByte(); err != nil {
				return nil, unexpected(err)
			}
		}
		if f.maxSize > 0 && len(payload) >= f.maxSize {
			f.discard()
			return nil, ErrFrameTooLarge
		}
		payload = append(payload, b)
	}
}

// discard skips the rest of the current frame. An unescaped start marker is
// left unread so the next ReadFrame begins with it.
func (f *FrameReader) discard() {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case ETX:
			return
		case STX:
			_ = f.r.UnreadByte()
			return
		case ESC:
			if _, err := f.r.ReadByte(); err != nil {
				return
			}
		}
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
