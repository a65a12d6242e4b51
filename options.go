package jcore

import (
	"time"
)

// ErrorAction tells the receive loop what to do after the unexpected-error
// handler has seen a protocol anomaly.
type ErrorAction int

const (
	// Continue drops the offending message and keeps the connection.
	Continue ErrorAction = iota
	// Disconnect closes the connection with the reported error as cause.
	Disconnect
)

// Default configuration values.
const (
	// defaultBufferSize is the capacity of a stream socket's receive queue.
	defaultBufferSize = 64
	// defaultMaxPackageLength bounds a single framed message (16MB).
	defaultMaxPackageLength = 16 << 20
	// defaultReadChunk is the size of a single read from a stream socket.
	defaultReadChunk = 32 << 10
)

// options holds the configuration shared by connections and sockets.
type options struct {
	logger  Logger
	metrics *Metrics

	// onUnexpected receives protocol anomalies no caller can be blamed for.
	onUnexpected func(error) ErrorAction

	authOptional   bool
	defaultTimeout time.Duration // applied when a ctx carries no deadline

	frameFormat   FrameFormat
	maxReadLength int           // maximum size of a single framed message
	bufferSize    int           // stream socket receive queue
	recvTimeout   time.Duration // stream socket poll interval, 0 blocks
	writeTimeout  time.Duration // stream socket write deadline, 0 disables
}

// Option configures a connection or a socket.
type Option func(*options)

func newOptions(opt ...Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	return opts, checkOptions(&opts)
}

// checkOptions validates options and fills in defaults.
func checkOptions(opts *options) error {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.onUnexpected == nil {
		logger := opts.logger
		opts.onUnexpected = func(err error) ErrorAction {
			logger.Error("unexpected protocol error", "error", err)
			return Continue
		}
	}

	if opts.frameFormat.Width == 0 && opts.frameFormat.Order == nil {
		opts.frameFormat = DefaultFrameFormat
	}
	if err := opts.frameFormat.validate(); err != nil {
		return err
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.defaultTimeout < 0 {
		opts.defaultTimeout = 0
	}

	return nil
}

// AuthRequiredOption sets whether calls need a completed Authenticate.
// Defaults to true; local sockets usually don't.
func AuthRequiredOption(required bool) Option {
	return func(o *options) {
		o.authOptional = !required
	}
}

// DefaultTimeoutOption bounds Authenticate and Call when their context has
// no deadline of its own.
func DefaultTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.defaultTimeout = timeout
	}
}

// OnUnexpectedErrorOption installs the handler for malformed envelopes,
// unmatched result ids and out-of-state messages. The default logs them.
// A panicking handler is recovered and logged.
func OnUnexpectedErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onUnexpected = cb
	}
}

// LoggerOption sets the logger. If not set, slog.Default() is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption records connection activity into m. Several connections
// may share one Metrics.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// FrameFormatOption sets the length prefix used by stream sockets.
func FrameFormatOption(format FrameFormat) Option {
	return func(o *options) {
		o.frameFormat = format
	}
}

// MessageMaxSize sets the maximum size of one framed message.
// Larger frames are fatal to a stream socket.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// BufferSizeOption sets how many decoded messages a stream socket queues
// before its reader blocks.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// RecvTimeoutOption makes a stream socket's Recv return ErrRecvTimeout
// after waiting this long, so the receive loop polls instead of blocking.
func RecvTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.recvTimeout = timeout
	}
}

// WriteTimeoutOption sets the write deadline of a single stream socket Send.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}
