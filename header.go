package ewexport

import (
	"sync"

	"github.com/pkg/errors"
)

// Message types carried in the routing header.
const (
	TypeHeartbeat = 3
	TypeTraceBuf2 = 19
)

const (
	// RoutingHeaderSize is the length of the rendered routing header.
	RoutingHeaderSize = 9
	// maxField is the largest value a three digit field can hold.
	maxField = 999
	// seqCode introduces a sequence number in acknowledged exports.
	seqCode = "SQ:"
	// seqPrefixSize is the length of seqCode plus three digits.
	seqPrefixSize = len(seqCode) + 3
)

// ErrFieldRange is returned when a header field is outside [0,999].
var ErrFieldRange = errors.New("field out of range [0,999]")

// RoutingHeader identifies the sender and the kind of a message.
type RoutingHeader struct {
	Institution int
	Module      int
	Type        int
}

// AppendThreeDigits appends v as exactly three zero-padded ASCII digits.
func AppendThreeDigits(dst []byte, v int) ([]byte, error) {
	if v < 0 || v > maxField {
		return dst, errors.Wrapf(ErrFieldRange, "value %d", v)
	}
	return append(dst, byte('0'+v/100), byte('0'+v/10%10), byte('0'+v%10)), nil
}

func parseThreeDigits(b []byte) (int, error) {
	v := 0
	for _, c := range b[:3] {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("invalid digit %q", c)
		}
		v = v*10 + int(c-'0')
	}
	return v, nil
}

// Validate reports whether every field fits in three digits.
func (h RoutingHeader) Validate() error {
	_, err := h.AppendTo(nil)
	return err
}

// AppendTo appends the rendered header to dst.
func (h RoutingHeader) AppendTo(dst []byte) ([]byte, error) {
	var err error
	if dst, err = AppendThreeDigits(dst, h.Institution); err != nil {
		return dst, errors.Wrap(err, "institution")
	}
	if dst, err = AppendThreeDigits(dst, h.Module); err != nil {
		return dst, errors.Wrap(err, "module")
	}
	if dst, err = AppendThreeDigits(dst, h.Type); err != nil {
		return dst, errors.Wrap(err, "type")
	}
	return dst, nil
}

// ParseRoutingHeader parses the first RoutingHeaderSize bytes of payload.
func ParseRoutingHeader(payload []byte) (RoutingHeader, error) {
	if len(payload) < RoutingHeaderSize {
		return RoutingHeader{}, errors.Errorf("routing header needs %d bytes, got %d", RoutingHeaderSize, len(payload))
	}
	var (
		h   RoutingHeader
		err error
	)
	if h.Institution, err = parseThreeDigits(payload[0:3]); err != nil {
		return RoutingHeader{}, errors.Wrap(err, "institution")
	}
	if h.Module, err = parseThreeDigits(payload[3:6]); err != nil {
		return RoutingHeader{}, errors.Wrap(err, "module")
	}
	if h.Type, err = parseThreeDigits(payload[6:9]); err != nil {
		return RoutingHeader{}, errors.Wrap(err, "type")
	}
	return h, nil
}

// SequenceCounter hands out sequence numbers 0 through 999, then wraps to 0.
type SequenceCounter struct {
	mu   sync.Mutex
	next int
}

// Next returns the current sequence number and advances the counter.
func (c *SequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.next
	c.next = (c.next + 1) % (maxField + 1)
	return v
}

func appendSeq(dst []byte, seq int) ([]byte, error) {
	dst = append(dst, seqCode...)
	return AppendThreeDigits(dst, seq)
}
