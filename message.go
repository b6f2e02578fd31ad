package ewexport

import (
	"bytes"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Message is a decoded frame payload.
type Message struct {
	Header RoutingHeader
	// Seq is the sequence number, or -1 when the frame carried none.
	Seq  int
	Body []byte
}

// Length returns the length of the message body.
func (m *Message) Length() int {
	return len(m.Body)
}

// Heartbeat returns the heartbeat text.
func (m *Message) Heartbeat() (string, error) {
	if m.Header.Type != TypeHeartbeat {
		return "", errors.Errorf("message type %d is not a heartbeat", m.Header.Type)
	}
	return string(m.Body), nil
}

// TraceBuf decodes the trace buffer carried by the message.
func (m *Message) TraceBuf() (*TraceBuf, error) {
	if m.Header.Type != TypeTraceBuf2 {
		return nil, errors.Errorf("message type %d is not a trace buffer", m.Header.Type)
	}
	return UnmarshalTraceBuf(m.Body)
}

// ParseMessage splits an unstuffed frame payload into header and body.
func ParseMessage(payload []byte) (*Message, error) {
	m := &Message{Seq: -1}
	if bytes.HasPrefix(payload, []byte(seqCode)) {
		if len(payload) < seqPrefixSize {
			return nil, errors.New("truncated sequence number")
		}
		seq, err := parseThreeDigits(payload[len(seqCode):seqPrefixSize])
		if err != nil {
			return nil, errors.Wrap(err, "sequence number")
		}
		m.Seq = seq
		payload = payload[seqPrefixSize:]
	}
	h, err := ParseRoutingHeader(payload)
	if err != nil {
		return nil, err
	}
	m.Header = h
	m.Body = payload[RoutingHeaderSize:]
	return m, nil
}

// Reader reads messages from a framed stream.
type Reader struct {
	fr *FrameReader
}

// NewReader returns a Reader that accepts frames up to maxSize payload bytes;
// zero or less means unlimited.
func NewReader(r io.Reader, maxSize int) *Reader {
	return &Reader{fr: NewFrameReader(r, maxSize)}
}

// ReadMessage reads and parses the next frame.
func (r *Reader) ReadMessage() (*Message, error) {
	payload, err := r.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return ParseMessage(payload)
}

// composer renders heartbeats and trace buffers as frames. Callers serialise
// access; the exporter holds its write lock around every call.
type composer struct {
	fw              *FrameWriter
	institution     int
	module          int
	maxTraceBufSize int
	seq             *SequenceCounter

	sent       atomic.Uint64
	splitSent  atomic.Uint64
	heartbeats atomic.Uint64

	prefix []byte
}

func newComposer(opts options) *composer {
	c := &composer{
		institution:     opts.institution,
		module:          opts.module,
		maxTraceBufSize: opts.maxTraceBufSize,
	}
	if opts.sequenceNumbers {
		c.seq = new(SequenceCounter)
	}
	return c
}

// attach points the composer at a new client stream.
func (c *composer) attach(w io.Writer) {
	if c.fw == nil {
		c.fw = NewFrameWriter(w)
		return
	}
	c.fw.Reset(w)
}

func (c *composer) detach() {
	if c.fw != nil {
		c.fw.Reset(io.Discard)
	}
}

// writeFrame writes one complete frame and flushes it.
func (c *composer) writeFrame(typ int, body []byte) error {
	if c.fw == nil {
		return errors.Wrap(ErrProtocolUsage, "no stream attached")
	}

	var err error
	c.prefix = c.prefix[:0]
	if c.seq != nil {
		if c.prefix, err = appendSeq(c.prefix, c.seq.Next()); err != nil {
			return err
		}
	}
	h := RoutingHeader{Institution: c.institution, Module: c.module, Type: typ}
	if c.prefix, err = h.AppendTo(c.prefix); err != nil {
		return err
	}

	if err = c.fw.StartFrame(); err != nil {
		return err
	}
	if _, err = c.fw.Write(c.prefix); err != nil {
		return err
	}
	if _, err = c.fw.Write(body); err != nil {
		return err
	}
	if err = c.fw.EndFrame(); err != nil {
		return err
	}
	return c.fw.Flush()
}

func (c *composer) sendHeartbeat(text string) error {
	if err := c.writeFrame(TypeHeartbeat, []byte(text)); err != nil {
		return err
	}
	c.heartbeats.Add(1)
	return nil
}

// encodeTraceBuf splits tb when it exceeds the maximum size and encodes every
// chunk. Nothing is written, so encoding errors never leave a partial frame.
func (c *composer) encodeTraceBuf(tb *TraceBuf) ([][]byte, error) {
	if tb == nil {
		return nil, errors.Wrap(ErrInvalidTraceBuf, "nil trace buffer")
	}
	chunks, err := tb.Split(c.maxTraceBufSize)
	if err != nil {
		return nil, err
	}

	bodies := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		if bodies[i], err = chunk.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	return bodies, nil
}

// sendTraceBuf writes encoded trace buffer bodies, one frame each, and
// returns the number of frames written.
func (c *composer) sendTraceBuf(bodies [][]byte) (int, error) {
	if len(bodies) > 1 {
		c.splitSent.Add(1)
	}
	for i, body := range bodies {
		if err := c.writeFrame(TypeTraceBuf2, body); err != nil {
			return i, err
		}
		c.sent.Add(1)
	}
	return len(bodies), nil
}
