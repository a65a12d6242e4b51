// Package jcore is a client for the jcore.io JSON message protocol.
// It authenticates against the server, multiplexes concurrent calls over a
// single WebSocket or Unix stream socket, and correlates each result with
// the caller that is waiting for it.
package jcore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Conn.
type State int

const (
	// StateIdle is open, neither authenticating nor authenticated.
	StateIdle State = iota
	// StateAuthenticating has an Authenticate call waiting for the server.
	StateAuthenticating
	// StateAuthenticated accepts calls.
	StateAuthenticated
	// StateClosed is terminal.
	StateClosed
)

var stateNames = []string{"idle", "authenticating", "authenticated", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// pendingCall is a call waiting for its result. result and err are written
// once under Conn.mu before done is closed.
type pendingCall struct {
	id     string
	method string
	done   chan struct{}
	result json.RawMessage
	err    error

	// abandoned is set when the caller stopped waiting.
	abandoned bool
}

func (pc *pendingCall) resolve(result json.RawMessage, err error) {
	pc.result = result
	pc.err = err
	close(pc.done)
}

// authAttempt is the outstanding Authenticate call.
type authAttempt struct {
	done chan struct{}
	err  error
}

var connIDs atomic.Uint64

// Conn is a single-use connection to a jcore.io server.
// All methods are safe for concurrent use.
type Conn struct {
	id     uint64
	opts   options
	logger Logger

	// sendMu keeps two messages from interleaving on the transport.
	sendMu sync.Mutex

	// mu guards the fields below.
	mu            sync.Mutex
	sock          MessageSocket // nil once closed
	closed        bool
	closeErr      error
	authenticated bool
	auth          *authAttempt // non-nil while authenticating
	nextID        uint64
	calls         map[string]*pendingCall

	done  chan struct{}
	group errgroup.Group
}

// NewConn wraps sock and starts the receive loop. The Conn owns sock from
// now on and closes it on Close.
func NewConn(sock MessageSocket, opt ...Option) (*Conn, error) {
	if sock == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil socket")
	}

	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}

	id := connIDs.Add(1)
	c := &Conn{
		id:     id,
		opts:   opts,
		logger: withAttrs(opts.logger, "conn", id),
		sock:   sock,
		calls:  make(map[string]*pendingCall),
		done:   make(chan struct{}),
	}

	opts.metrics.connOpened()
	c.logger.Debug("connection opened", "auth_required", !opts.authOptional,
		"default_timeout", opts.defaultTimeout)

	c.group.Go(func() error {
		return c.receiveLoop(sock)
	})

	return c, nil
}

// Authenticate sends token to the server and waits for its verdict.
//
// It fails with ErrAuth if the connection is already authenticated or
// another Authenticate is in progress, with an *AuthError if the server
// rejects the token, with ErrTimeout when ctx (or the default timeout)
// expires, and with a *ConnectionClosedError if the connection closes first.
// After a timeout or rejection Authenticate may be called again.
func (c *Conn) Authenticate(ctx context.Context, token string) (err error) {
	if token == "" {
		return errors.Wrap(ErrInvalidArgument, "empty token")
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return closedError("connection is already closed", c.closeErr)
	case c.authenticated:
		c.mu.Unlock()
		return &AuthError{Reason: "already authenticated"}
	case c.auth != nil:
		c.mu.Unlock()
		return &AuthError{Reason: "authentication already in progress"}
	}
	attempt := &authAttempt{done: make(chan struct{})}
	c.auth = attempt
	c.mu.Unlock()

	defer func() {
		c.opts.metrics.authDone(err)
	}()

	msg, err := encodeConnect(token)
	if err != nil {
		c.abortAuth(attempt)
		return err
	}

	if err = c.send(msg); err != nil {
		c.abortAuth(attempt)
		return err
	}

	select {
	case <-attempt.done:
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-attempt.done:
			// Resolved while we were waiting for the lock.
			c.mu.Unlock()
		default:
			if c.auth == attempt {
				c.auth = nil
			}
			c.mu.Unlock()
			return waitError(ctx, "authenticate")
		}
	}

	if attempt.err != nil {
		c.logger.Info("authentication failed", "error", attempt.err)
		return attempt.err
	}

	c.logger.Info("authenticated")
	return nil
}

// Call invokes method on the server and waits for its result, which is
// returned as raw JSON (possibly "null").
//
// Call does not wait for authentication: it fails with ErrAuth while
// Authenticate is in progress, or when authentication is required and has
// not succeeded. A server-side failure is a *ServerError. When ctx expires
// Call returns ErrTimeout; a result arriving later is reported to the
// unexpected-error handler.
func (c *Conn) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if method == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "empty method name")
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	c.mu.Lock()
	if err := c.requireAuth(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	id := strconv.FormatUint(c.nextID, 10)
	c.nextID++
	pc := &pendingCall{id: id, method: method, done: make(chan struct{})}
	c.calls[id] = pc
	c.mu.Unlock()

	msg, err := encodeMethod(id, method, params)
	if err != nil {
		c.dropCall(pc)
		return nil, err
	}

	started := time.Now()
	c.opts.metrics.callStarted()
	result, err := c.await(ctx, pc, msg)
	c.opts.metrics.callDone(method, started, err)

	return result, err
}

func (c *Conn) await(ctx context.Context, pc *pendingCall, msg string) (json.RawMessage, error) {
	if err := c.send(msg); err != nil {
		c.dropCall(pc)
		return nil, err
	}

	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-pc.done:
		return pc.result, pc.err
	default:
	}

	// Leave the entry registered so a late result is recognised as such.
	pc.abandoned = true
	return nil, waitError(ctx, "call "+pc.method)
}

// Close closes the connection. Outstanding operations fail with
// ErrConnectionClosed. Calling Close again has no effect.
func (c *Conn) Close() error {
	return c.shutdown(nil, false)
}

// CloseWithError closes the connection, failing outstanding operations with
// a *ConnectionClosedError whose Cause is cause.
func (c *Conn) CloseWithError(cause error) error {
	return c.shutdown(cause, false)
}

// Done returns a channel that is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error the connection was closed with, nil while open or
// after a plain Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Wait blocks until the receive loop has exited and returns the transport
// error that ended it, nil if the connection was closed locally.
func (c *Conn) Wait() error {
	return c.group.Wait()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return StateClosed
	case c.auth != nil:
		return StateAuthenticating
	case c.authenticated:
		return StateAuthenticated
	default:
		return StateIdle
	}
}

// withDeadline applies the default timeout to a ctx without a deadline.
func (c *Conn) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.opts.defaultTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.defaultTimeout)
	}
	return ctx, func() {}
}

func waitError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, op)
	}
	return errors.Wrap(ctx.Err(), op)
}

// requireAuth checks that calls may be issued.
// REQUIRES: c.mu is held.
func (c *Conn) requireAuth() error {
	if c.closed {
		return closedError("connection is already closed", c.closeErr)
	}
	if c.auth != nil {
		return &AuthError{Reason: "authentication has not finished yet"}
	}
	if !c.opts.authOptional && !c.authenticated {
		return &AuthError{Reason: "not authenticated"}
	}
	return nil
}

func (c *Conn) abortAuth(attempt *authAttempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth == attempt {
		c.auth = nil
	}
}

// resolveAuth ends the outstanding Authenticate with err.
// REQUIRES: c.mu is held and c.auth is non-nil.
func (c *Conn) resolveAuth(err error) {
	attempt := c.auth
	c.auth = nil
	attempt.err = err
	close(attempt.done)
}

func (c *Conn) dropCall(pc *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[pc.id] == pc {
		delete(c.calls, pc.id)
	}
}

// send writes one message. A transport failure closes the connection.
func (c *Conn) send(msg string) error {
	c.mu.Lock()
	sock, closed, cause := c.sock, c.closed, c.closeErr
	c.mu.Unlock()

	if closed || sock == nil {
		return closedError("connection closed", cause)
	}

	c.sendMu.Lock()
	err := sock.Send(msg)
	c.sendMu.Unlock()

	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			return err
		}
		c.logger.Debug("send error", "error", err)
		err = errors.Wrap(err, "send")
		_ = c.shutdown(err, isLocallyClosed(err))
		return closedError("connection closed", err)
	}

	c.logger.Debug("sent message", "bytes", len(msg))
	return nil
}

// receiveLoop reads messages until the transport fails or the connection
// is closed. It is the only reader of sock.
func (c *Conn) receiveLoop(sock MessageSocket) error {
	for {
		raw, err := sock.Recv()
		if c.IsClosed() {
			return nil
		}

		if err != nil {
			if IsTimeout(err) {
				continue
			}
			c.logger.Debug("read error", "error", err)
			cause := errors.Wrap(err, "receive")
			_ = c.shutdown(cause, isLocallyClosed(err))
			return cause
		}

		c.logger.Debug("received message", "bytes", len(raw))

		if perr := c.dispatch(raw); perr != nil {
			if c.report(perr) == Disconnect {
				_ = c.shutdown(perr, false)
				return perr
			}
		}
	}
}

// dispatch applies one incoming message to the connection state. The
// returned error has no waiting caller and goes to the unexpected-error
// handler; c.mu is released by then.
func (c *Conn) dispatch(raw string) error {
	env, err := parseEnvelope(raw)
	if err != nil {
		return invalidMessage(err.Error(), raw)
	}
	if !env.has("msg") {
		return invalidMessage("msg field is missing", raw)
	}
	msg, ok := env.str("msg")
	if !ok {
		return invalidMessage("msg must be a non-empty string", raw)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	switch msg {
	case MsgConnected:
		return c.onConnected(raw)
	case MsgFailed:
		return c.onFailed(env)
	case MsgResult:
		return c.onResult(env, raw)
	default:
		return invalidMessage("unknown message type: "+msg, raw)
	}
}

// REQUIRES: c.mu is held.
func (c *Conn) onConnected(raw string) error {
	if c.auth == nil {
		return unexpectedMessage("unexpected connected message", raw)
	}
	c.authenticated = true
	c.resolveAuth(nil)
	return nil
}

// REQUIRES: c.mu is held.
func (c *Conn) onFailed(env envelope) error {
	payload := env["error"]
	waiting := c.auth != nil

	reason := "authentication failed"
	if !waiting {
		reason = "unexpected auth failed message"
	}
	if detail := protocolErrorText(payload); detail != "" {
		reason += ": " + detail
	}

	authErr := &AuthError{Reason: reason, Payload: payload}
	c.authenticated = false
	if !waiting {
		return authErr
	}
	c.resolveAuth(authErr)
	return nil
}

// REQUIRES: c.mu is held.
func (c *Conn) onResult(env envelope, raw string) error {
	if !env.has("id") {
		return invalidMessage("id field is missing", raw)
	}
	id, ok := env.str("id")
	if !ok {
		return invalidMessage("id must be a non-empty string", raw)
	}

	pc, found := c.calls[id]
	if !found {
		return unexpectedMessage("method call not found: "+id, raw)
	}
	delete(c.calls, id)

	if pc.abandoned {
		close(pc.done)
		return unexpectedMessage("method call timed out before its result arrived: "+id, raw)
	}

	switch {
	case env.has("error"):
		pc.resolve(nil, &ServerError{Message: protocolErrorText(env["error"]), Payload: env["error"]})
	case env.has("result"):
		pc.resolve(env["result"], nil)
	default:
		pc.resolve(nil, invalidMessage("message is missing result or error", raw))
	}
	return nil
}

// report hands err to the unexpected-error handler, shielding the receive
// loop from a panicking handler.
func (c *Conn) report(err error) (action ErrorAction) {
	c.opts.metrics.anomaly(err)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("unexpected-error handler panicked", "panic", r, "error", err)
			action = Continue
		}
	}()

	return c.opts.onUnexpected(err)
}

// shutdown performs the one transition to closed: every waiter is woken
// with a *ConnectionClosedError carrying cause, then the transport is
// closed unless transportClosed says it already is.
func (c *Conn) shutdown(cause error, transportClosed bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	if c.auth != nil {
		c.resolveAuth(closedError("connection closed before auth completed", cause))
	}
	for id, pc := range c.calls {
		delete(c.calls, id)
		pc.resolve(nil, closedError("connection closed", cause))
	}

	c.authenticated = false
	c.closed = true
	c.closeErr = cause
	sock := c.sock
	c.sock = nil
	close(c.done)
	c.mu.Unlock()

	c.opts.metrics.connClosed()
	if cause != nil {
		c.logger.Info("connection closed with error", "error", cause)
	} else {
		c.logger.Info("connection closed")
	}

	if transportClosed {
		return nil
	}
	return sock.Close()
}
