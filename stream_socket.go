package jcore

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// StreamSocket is a MessageSocket over a byte stream, typically a Unix
// domain socket. Messages are framed with a FrameCodec.
//
// A reader goroutine, started by the first Recv, decodes incoming bytes into
// a queue. Messages decoded before the stream fails are still delivered;
// after that every Recv returns the error that ended the stream.
type StreamSocket struct {
	conn   net.Conn
	codec  *FrameCodec
	opts   options
	logger Logger

	writeMu sync.Mutex

	startOnce sync.Once
	queue     chan string
	readErr   error // written before queue is closed

	closeOnce sync.Once
	closing   chan struct{}
}

// NewStreamSocket wraps conn. It honours FrameFormatOption,
// MessageMaxSize, BufferSizeOption, RecvTimeoutOption, WriteTimeoutOption
// and LoggerOption.
func NewStreamSocket(conn net.Conn, opt ...Option) (*StreamSocket, error) {
	if conn == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil net.Conn")
	}

	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}

	s := &StreamSocket{
		conn:    conn,
		opts:    opts,
		logger:  withAttrs(opts.logger, "transport", "stream", "addr", conn.RemoteAddr()),
		queue:   make(chan string, opts.bufferSize),
		closing: make(chan struct{}),
	}

	s.codec, err = NewFrameCodec(opts.frameFormat, opts.maxReadLength, s.enqueue)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Send frames message and writes all of it.
func (s *StreamSocket) Send(message string) error {
	select {
	case <-s.closing:
		return ErrSocketClosed
	default:
	}

	frame, err := s.codec.Encode(message)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	}

	for len(frame) > 0 {
		n, err := s.conn.Write(frame)
		if err != nil {
			s.logger.Debug("write error", "error", err)
			return errors.Wrap(err, "write frame")
		}
		if n == 0 {
			return closedError("socket connection broken", nil)
		}
		frame = frame[n:]
	}

	return nil
}

// Recv returns the next message. With RecvTimeoutOption set it gives up
// after that long with ErrRecvTimeout.
func (s *StreamSocket) Recv() (string, error) {
	s.startOnce.Do(func() {
		go s.readLoop()
	})

	var timeout <-chan time.Time
	if s.opts.recvTimeout > 0 {
		timer := time.NewTimer(s.opts.recvTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg, ok := <-s.queue:
		if !ok {
			return "", s.readErr
		}
		return msg, nil
	case <-timeout:
		return "", ErrRecvTimeout
	}
}

// Close closes the underlying connection. Safe to call multiple times.
func (s *StreamSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		err = s.conn.Close()
	})
	return err
}

// readLoop feeds the codec until the stream ends.
func (s *StreamSocket) readLoop() {
	defer close(s.queue)

	buf := make([]byte, defaultReadChunk)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if derr := s.codec.Decode(buf[:n]); derr != nil {
				s.logger.Warn("dropping stream", "error", derr)
				s.readErr = derr
				return
			}
		}
		if err != nil {
			select {
			case <-s.closing:
				s.readErr = ErrSocketClosed
			default:
				s.logger.Debug("read error", "error", err)
				s.readErr = closedError("socket connection broken", err)
			}
			return
		}
	}
}

// enqueue is the codec's message callback.
func (s *StreamSocket) enqueue(message string) {
	select {
	case s.queue <- message:
	case <-s.closing:
	}
}
