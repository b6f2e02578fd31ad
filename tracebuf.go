package ewexport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
)

// TRACEBUF2 layout constants.
const (
	// TraceBufHeaderSize is the fixed size of an encoded trace buffer header.
	TraceBufHeaderSize = 64
	// DefaultMaxTraceBufSize is the largest encoded trace buffer sent unsplit.
	DefaultMaxTraceBufSize = 4096
	// sampleSize is the encoded size of one sample.
	sampleSize = 4

	staLen  = 7
	netLen  = 9
	chanLen = 4
	locLen  = 3

	traceBufVersion = "20"
)

// Data type tags for 4-byte integer samples.
const (
	dataTypeBigEndian    = "s4"
	dataTypeLittleEndian = "i4"
)

var (
	// ErrMaxSizeTooSmall is returned when a maximum size cannot hold one sample.
	ErrMaxSizeTooSmall = errors.New("max trace buffer size cannot hold a single sample")
	// ErrCodeTooLong is returned when a station/network/channel/location code
	// does not fit its fixed-length field.
	ErrCodeTooLong = errors.New("code too long")
	// ErrInvalidTraceBuf is returned when decoding malformed trace buffer bytes.
	ErrInvalidTraceBuf = errors.New("invalid trace buffer")
)

// TraceBuf is a packet of contiguous integer samples for one channel.
// StartTime is in seconds since the Unix epoch.
type TraceBuf struct {
	Pin        int
	Network    string
	Station    string
	Channel    string
	Location   string
	StartTime  float64
	SampleRate float64
	Samples    []int32
	// ByteOrder of the encoded samples; nil means big-endian.
	ByteOrder binary.ByteOrder
}

// EndTime returns the time of the last sample.
func (tb *TraceBuf) EndTime() float64 {
	if len(tb.Samples) == 0 || tb.SampleRate == 0 {
		return tb.StartTime
	}
	return tb.StartTime + float64(len(tb.Samples)-1)/tb.SampleRate
}

// Start returns StartTime as a time.Time.
func (tb *TraceBuf) Start() time.Time {
	return epochTime(tb.StartTime)
}

// End returns EndTime as a time.Time.
func (tb *TraceBuf) End() time.Time {
	return epochTime(tb.EndTime())
}

func epochTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

// Size returns the encoded size in bytes.
func (tb *TraceBuf) Size() int {
	return TraceBufHeaderSize + sampleSize*len(tb.Samples)
}

func (tb *TraceBuf) String() string {
	return fmt.Sprintf("%s.%s.%s.%s %s n=%d rate=%g",
		tb.Network, tb.Station, tb.Location, tb.Channel,
		tb.Start().Format(time.RFC3339Nano), len(tb.Samples), tb.SampleRate)
}

// byteOrder decodes and appends fixed-size integers.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func (tb *TraceBuf) order() (byteOrder, string) {
	if tb.ByteOrder == binary.LittleEndian {
		return binary.LittleEndian, dataTypeLittleEndian
	}
	return binary.BigEndian, dataTypeBigEndian
}

// MarshalBinary encodes the trace buffer in TRACEBUF2 layout.
func (tb *TraceBuf) MarshalBinary() ([]byte, error) {
	return tb.AppendBinary(make([]byte, 0, tb.Size()))
}

// AppendBinary appends the TRACEBUF2 encoding to dst.
func (tb *TraceBuf) AppendBinary(dst []byte) ([]byte, error) {
	order, dataType := tb.order()

	dst = order.AppendUint32(dst, uint32(int32(tb.Pin)))
	dst = order.AppendUint32(dst, uint32(int32(len(tb.Samples))))
	dst = order.AppendUint64(dst, math.Float64bits(tb.StartTime))
	dst = order.AppendUint64(dst, math.Float64bits(tb.EndTime()))
	dst = order.AppendUint64(dst, math.Float64bits(tb.SampleRate))

	codes := []struct {
		name       string
		value      string
		size       int
		terminated bool
	}{
		{"station", tb.Station, staLen, true},
		{"network", tb.Network, netLen, true},
		{"channel", tb.Channel, chanLen, true},
		{"location", tb.Location, locLen, true},
		{"version", traceBufVersion, len(traceBufVersion), false},
		{"datatype", dataType, 3, true},
		{"quality", "", 2, false},
		{"pad", "", 2, false},
	}
	for _, c := range codes {
		var err error
		if dst, err = appendPadded(dst, c.value, c.size, c.terminated); err != nil {
			return nil, errors.Wrapf(err, "%s %q", c.name, c.value)
		}
	}

	for _, s := range tb.Samples {
		dst = order.AppendUint32(dst, uint32(s))
	}
	return dst, nil
}

// appendPadded writes s NUL-padded to size bytes. A terminated field keeps
// room for a trailing NUL.
func appendPadded(dst []byte, s string, size int, terminated bool) ([]byte, error) {
	limit := size
	if terminated {
		limit--
	}
	if len(s) > limit {
		return dst, ErrCodeTooLong
	}
	dst = append(dst, s...)
	for i := len(s); i < size; i++ {
		dst = append(dst, 0)
	}
	return dst, nil
}

func trimPadded(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// UnmarshalTraceBuf decodes a TRACEBUF2 body. The sample byte order is taken
// from the data type field.
func UnmarshalTraceBuf(b []byte) (*TraceBuf, error) {
	if len(b) < TraceBufHeaderSize {
		return nil, errors.Wrapf(ErrInvalidTraceBuf, "short header: %d bytes", len(b))
	}

	var order byteOrder
	switch dt := trimPadded(b[57:60]); dt {
	case dataTypeBigEndian:
		order = binary.BigEndian
	case dataTypeLittleEndian:
		order = binary.LittleEndian
	default:
		return nil, errors.Wrapf(ErrInvalidTraceBuf, "unsupported data type %q", dt)
	}

	n := int(int32(order.Uint32(b[4:8])))
	if n < 0 || len(b) != TraceBufHeaderSize+sampleSize*n {
		return nil, errors.Wrapf(ErrInvalidTraceBuf, "%d samples in %d bytes", n, len(b))
	}

	tb := &TraceBuf{
		Pin:        int(int32(order.Uint32(b[0:4]))),
		StartTime:  math.Float64frombits(order.Uint64(b[8:16])),
		SampleRate: math.Float64frombits(order.Uint64(b[24:32])),
		Station:    trimPadded(b[32:39]),
		Network:    trimPadded(b[39:48]),
		Channel:    trimPadded(b[48:52]),
		Location:   trimPadded(b[52:55]),
		Samples:    make([]int32, n),
		ByteOrder:  order,
	}
	body := b[TraceBufHeaderSize:]
	for i := range tb.Samples {
		tb.Samples[i] = int32(order.Uint32(body[i*sampleSize:]))
	}
	return tb, nil
}

// SamplesPerChunk returns how many samples fit in a buffer of maxSize bytes.
func SamplesPerChunk(maxSize int) (int, error) {
	k := (maxSize - TraceBufHeaderSize) / sampleSize
	if k < 1 {
		return 0, errors.Wrapf(ErrMaxSizeTooSmall, "max size %d", maxSize)
	}
	return k, nil
}

// Split partitions the buffer into time-contiguous chunks no larger than
// maxSize bytes. A buffer that already fits is returned as the only chunk.
// Chunks share the sample backing array with tb.
func (tb *TraceBuf) Split(maxSize int) ([]*TraceBuf, error) {
	k, err := SamplesPerChunk(maxSize)
	if err != nil {
		return nil, err
	}
	n := len(tb.Samples)
	if n <= k {
		return []*TraceBuf{tb}, nil
	}
	if tb.SampleRate <= 0 {
		return nil, errors.Wrapf(ErrInvalidTraceBuf, "sample rate %g", tb.SampleRate)
	}

	chunks := make([]*TraceBuf, 0, (n+k-1)/k)
	for start := 0; start < n; start += k {
		end := start + k
		if end > n {
			end = n
		}
		chunk := *tb
		chunk.StartTime = tb.StartTime + float64(start)/tb.SampleRate
		chunk.Samples = tb.Samples[start:end:end]
		chunks = append(chunks, &chunk)
	}
	return chunks, nil
}
