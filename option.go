package ewexport

import (
	"time"
)

// Default configuration values.
const (
	// DefaultHeartbeatText is the heartbeat body when none is configured.
	DefaultHeartbeatText = "alive"
	// DefaultHeartbeatInterval is the period of the background heartbeat.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultAcceptTimeout bounds each accept attempt.
	DefaultAcceptTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds writing and flushing one message.
	DefaultWriteTimeout = 30 * time.Second

	// heartbeatDelay is how long after construction the first heartbeat fires.
	heartbeatDelay = 100 * time.Millisecond
	// defaultMaxInboundFrame limits frames read back from the client.
	defaultMaxInboundFrame = 64 * 1024
)

// options holds the configuration for an exporter.
type options struct {
	logger  Logger
	onEvent func(Event)

	institution       int
	module            int
	heartbeatText     string
	heartbeatInterval time.Duration
	heartbeatDelay    time.Duration
	acceptTimeout     time.Duration
	writeTimeout      time.Duration
	maxTraceBufSize   int
	sequenceNumbers   bool
}

// Option is a function that configures exporter options.
type Option func(*options)

// InstitutionOption sets the institution id written in every routing header.
func InstitutionOption(id int) Option {
	return func(o *options) {
		o.institution = id
	}
}

// ModuleOption sets the module id written in every routing header.
func ModuleOption(id int) Option {
	return func(o *options) {
		o.module = id
	}
}

// HeartbeatTextOption sets the body of heartbeat messages.
func HeartbeatTextOption(text string) Option {
	return func(o *options) {
		o.heartbeatText = text
	}
}

// HeartbeatIntervalOption sets the period of the background heartbeat.
func HeartbeatIntervalOption(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = interval
	}
}

// AcceptTimeoutOption bounds each accept attempt while waiting for a client.
func AcceptTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.acceptTimeout = timeout
	}
}

// WriteTimeoutOption bounds each frame write. A consumer that stops reading
// for longer is treated as disconnected.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// MaxTraceBufSizeOption sets the largest encoded trace buffer sent in one
// message. Larger buffers are split.
func MaxTraceBufSizeOption(size int) Option {
	return func(o *options) {
		o.maxTraceBufSize = size
	}
}

// SequenceNumbersOption prefixes every frame with an "SQ:nnn" sequence number,
// as acknowledged Earthworm exports expect.
func SequenceNumbersOption(enabled bool) Option {
	return func(o *options) {
		o.sequenceNumbers = enabled
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// OnEventOption sets a callback invoked synchronously for every lifecycle
// event. The callback must not call back into the exporter.
func OnEventOption(cb func(Event)) Option {
	return func(o *options) {
		o.onEvent = cb
	}
}

// checkOptions validates and sets default values for exporter options.
func checkOptions(opts *options) error {
	if opts.heartbeatText == "" {
		opts.heartbeatText = DefaultHeartbeatText
	}

	if opts.heartbeatInterval <= 0 {
		opts.heartbeatInterval = DefaultHeartbeatInterval
	}

	if opts.heartbeatDelay <= 0 {
		opts.heartbeatDelay = heartbeatDelay
	}

	if opts.acceptTimeout <= 0 {
		opts.acceptTimeout = DefaultAcceptTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = DefaultWriteTimeout
	}

	if opts.maxTraceBufSize == 0 {
		opts.maxTraceBufSize = DefaultMaxTraceBufSize
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.onEvent == nil {
		opts.onEvent = func(Event) {}
	}

	h := RoutingHeader{Institution: opts.institution, Module: opts.module, Type: TypeHeartbeat}
	if err := h.Validate(); err != nil {
		return configError(err)
	}

	if _, err := SamplesPerChunk(opts.maxTraceBufSize); err != nil {
		return configError(err)
	}

	return nil
}
