package jcore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// closeGracePeriod bounds the close handshake sent by WebSocket.Close.
const closeGracePeriod = time.Second

// WebSocket is a MessageSocket over a WebSocket connection, which already
// delivers whole messages, so no framing is added.
//
// Recv blocks without a poll interval: a read deadline would leave the
// gorilla connection unusable.
type WebSocket struct {
	conn   *websocket.Conn
	opts   options
	logger Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewWebSocket wraps an established connection. It honours
// WriteTimeoutOption, MessageMaxSize and LoggerOption.
func NewWebSocket(conn *websocket.Conn, opt ...Option) (*WebSocket, error) {
	if conn == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil websocket.Conn")
	}

	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(int64(opts.maxReadLength))

	return &WebSocket{
		conn:   conn,
		opts:   opts,
		logger: withAttrs(opts.logger, "transport", "websocket", "addr", conn.RemoteAddr()),
	}, nil
}

// Send writes message as one text frame.
func (s *WebSocket) Send(message string) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		s.logger.Debug("write error", "error", err)
		return errors.Wrap(err, "write websocket message")
	}
	return nil
}

// Recv returns the next text or binary message as text. A close frame from
// the peer is reported as a *ConnectionClosedError wrapping the
// *websocket.CloseError with its code and reason.
func (s *WebSocket) Recv() (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if s.closed.Load() {
			return "", ErrSocketClosed
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket closed unexpectedly", "code", closeErr.Code, "reason", closeErr.Text)
			}
			return "", closedError("connection closed by peer", err)
		}

		s.logger.Debug("read error", "error", err)
		return "", closedError("socket connection broken", err)
	}
	return string(data), nil
}

// Close sends a normal-closure frame and closes the connection. Safe to
// call multiple times.
func (s *WebSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); werr != nil {
			s.logger.Debug("close handshake failed", "error", werr)
		}
		err = s.conn.Close()
	})
	return err
}
