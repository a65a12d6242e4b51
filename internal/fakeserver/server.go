// Package fakeserver is an in-process jcore.io server for tests and local
// experiments. It speaks the JSON protocol over Unix stream sockets and
// WebSocket, checks CONNECT tokens, and answers METHOD messages from
// registered handlers.
package fakeserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Zereker/jcore"
)

// HandlerFunc answers one method call. A returned error becomes the RESULT
// error text; otherwise the value is sent as the result.
type HandlerFunc func(params []json.RawMessage) (interface{}, error)

// Server is a fake jcore.io server.
type Server struct {
	listener        *net.UnixListener
	logger          jcore.Logger
	shutdownTimeout time.Duration
	token           string
	socketOpts      []jcore.Option
	upgrader        websocket.Upgrader

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
	handlers    map[string]HandlerFunc
	sessions    map[jcore.MessageSocket]struct{}
	received    []string
}

// Option configures a Server.
type Option func(*Server)

// LoggerOption sets the logger.
func LoggerOption(logger jcore.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// ShutdownTimeoutOption delays closing the listener after the Serve context
// is canceled. Close bypasses the remaining delay.
func ShutdownTimeoutOption(timeout time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// TokenOption sets the token CONNECT must carry. With a token set, methods
// are refused until the session authenticates. Without one any token is
// accepted and methods are always served.
func TokenOption(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// SocketOption passes options to the per-session jcore sockets, e.g. a
// FrameFormatOption matching the client.
func SocketOption(opt ...jcore.Option) Option {
	return func(s *Server) {
		s.socketOpts = append(s.socketOpts, opt...)
	}
}

// New creates a server with no listener, usable as an http.Handler.
func New(opt ...Option) *Server {
	s := &Server{
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
		handlers:    make(map[string]HandlerFunc),
		sessions:    make(map[jcore.MessageSocket]struct{}),
	}
	for _, o := range opt {
		o(s)
	}
	return s
}

// ListenUnix creates a server bound to the Unix socket at path.
func ListenUnix(path string, opt ...Option) (*Server, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", path)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", path)
	}

	s := New(opt...)
	s.listener = listener
	return s, nil
}

// Handle registers h for method, replacing any earlier handler.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Received returns every message received so far, in arrival order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Broadcast sends a raw message to every live session.
func (s *Server) Broadcast(msg string) {
	s.mu.Lock()
	socks := make([]jcore.MessageSocket, 0, len(s.sessions))
	for sock := range s.sessions {
		socks = append(socks, sock)
	}
	s.mu.Unlock()

	for _, sock := range socks {
		if err := sock.Send(msg); err != nil {
			s.logger.Debug("broadcast failed", "error", err)
		}
	}
}

// Serve accepts Unix connections until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("fakeserver: no listener, use ListenUnix")
	}

	s.logger.Info("fake server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		if s.shutdownTimeout > 0 {
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("fake server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		sock, err := jcore.NewStreamSocket(conn, s.socketOpts...)
		if err != nil {
			_ = conn.Close()
			return err
		}
		go s.serveSocket(sock)
	}
}

// ServeHTTP upgrades the request to a WebSocket session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	sock, err := jcore.NewWebSocket(conn, s.socketOpts...)
	if err != nil {
		_ = conn.Close()
		return
	}
	s.serveSocket(sock)
}

// Close stops accepting and drops every session.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	socks := make([]jcore.MessageSocket, 0, len(s.sessions))
	for sock := range s.sessions {
		socks = append(socks, sock)
	}
	s.mu.Unlock()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	for _, sock := range socks {
		_ = sock.Close()
	}

	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Addr returns the listener's address, nil without a listener.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// session is the per-connection protocol state.
type session struct {
	server *Server
	sock   jcore.MessageSocket
	logger jcore.Logger

	mu     sync.Mutex
	authed bool
}

func (s *Server) serveSocket(sock jcore.MessageSocket) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = sock.Close()
		return
	}
	s.sessions[sock] = struct{}{}
	s.mu.Unlock()

	sess := &session{
		server: s,
		sock:   sock,
		logger: s.logger,
		authed: s.token == "",
	}

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sock)
		s.mu.Unlock()
		_ = sock.Close()
	}()

	for {
		raw, err := sock.Recv()
		if err != nil {
			if jcore.IsTimeout(err) {
				continue
			}
			sess.logger.Debug("session ended", "error", err)
			return
		}

		s.mu.Lock()
		s.received = append(s.received, raw)
		s.mu.Unlock()

		sess.handle(raw)
	}
}

func (sess *session) handle(raw string) {
	var env struct {
		Msg    string            `json:"msg"`
		Token  string            `json:"token"`
		ID     string            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		sess.logger.Warn("dropping malformed message", "error", err)
		return
	}

	switch env.Msg {
	case jcore.MsgConnect:
		sess.connect(env.Token)
	case jcore.MsgMethod:
		if !sess.isAuthed() {
			sess.reply(map[string]interface{}{"msg": jcore.MsgResult, "id": env.ID, "error": "not authenticated"})
			return
		}
		go sess.call(env.ID, env.Method, env.Params)
	default:
		sess.logger.Warn("dropping unknown message", "msg", env.Msg)
	}
}

func (sess *session) connect(token string) {
	want := sess.server.token
	if want != "" && token != want {
		sess.reply(map[string]interface{}{"msg": jcore.MsgFailed, "error": "invalid token"})
		return
	}

	sess.mu.Lock()
	sess.authed = true
	sess.mu.Unlock()
	sess.reply(map[string]interface{}{"msg": jcore.MsgConnected})
}

func (sess *session) isAuthed() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.authed
}

func (sess *session) call(id, method string, params []json.RawMessage) {
	sess.server.mu.Lock()
	h := sess.server.handlers[method]
	sess.server.mu.Unlock()

	if h == nil {
		sess.reply(map[string]interface{}{"msg": jcore.MsgResult, "id": id, "error": "method not found: " + method})
		return
	}

	result, err := h(params)
	if err != nil {
		sess.reply(map[string]interface{}{"msg": jcore.MsgResult, "id": id, "error": err.Error()})
		return
	}
	sess.reply(map[string]interface{}{"msg": jcore.MsgResult, "id": id, "result": result})
}

func (sess *session) reply(msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		sess.logger.Error("encode reply", "error", err)
		return
	}
	if err := sess.sock.Send(string(data)); err != nil {
		sess.logger.Debug("reply failed", "error", err)
	}
}
