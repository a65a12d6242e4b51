package jcore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// DefaultLocalSocketPath is where DialUnix connects when given no path.
const DefaultLocalSocketPath = "/tmp/socket-jcore"

// APIToken is the decoded form of a jcore.io API token: base64 of a JSON
// object naming the server URL and the authentication token.
type APIToken struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// ParseAPIToken decodes an API token. Both url and token must be non-empty
// strings.
func ParseAPIToken(apiToken string) (*APIToken, error) {
	apiToken = strings.TrimSpace(apiToken)
	if apiToken == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "empty api token")
	}

	data, err := base64.StdEncoding.DecodeString(apiToken)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(apiToken)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidArgument, "api token is not base64")
		}
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "decoded api token must be a JSON object")
	}

	tok := &APIToken{}
	var ok bool
	if tok.URL, ok = fields["url"].(string); !ok || tok.URL == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "decoded api token url must be a non-empty string")
	}
	if tok.Token, ok = fields["token"].(string); !ok || tok.Token == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "decoded api token token must be a non-empty string")
	}

	return tok, nil
}

// Encode returns the base64 form of t.
func (t *APIToken) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", errors.Wrap(err, "encode api token")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Dial connects to the server named by apiToken and authenticates with its
// token. ws:// and wss:// URLs use a WebSocket, unix:// URLs a Unix stream
// socket. ctx bounds both the dial and the authentication.
func Dial(ctx context.Context, apiToken string, opt ...Option) (*Conn, error) {
	tok, err := ParseAPIToken(apiToken)
	if err != nil {
		return nil, err
	}

	sock, err := DialSocket(ctx, tok.URL, opt...)
	if err != nil {
		return nil, err
	}

	conn, err := NewConn(sock, opt...)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}

	if err := conn.Authenticate(ctx, tok.Token); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

// DialUnix opens a local connection over the Unix socket at path
// (DefaultLocalSocketPath if empty). Local connections don't require
// authentication unless AuthRequiredOption(true) is passed.
func DialUnix(ctx context.Context, path string, opt ...Option) (*Conn, error) {
	sock, err := DialUnixSocket(ctx, path, opt...)
	if err != nil {
		return nil, err
	}

	opts := append([]Option{AuthRequiredOption(false)}, opt...)
	conn, err := NewConn(sock, opts...)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	return conn, nil
}

// DialSocket opens the transport for rawURL without creating a Conn.
func DialSocket(ctx context.Context, rawURL string, opt ...Option) (MessageSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "parse url %q: %v", rawURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		sock, err := DialWebSocket(ctx, rawURL, opt...)
		if err != nil {
			return nil, err
		}
		return sock, nil
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		sock, err := DialUnixSocket(ctx, path, opt...)
		if err != nil {
			return nil, err
		}
		return sock, nil
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unsupported url scheme %q", u.Scheme)
	}
}

// DialWebSocket opens a WebSocket transport to rawURL.
func DialWebSocket(ctx context.Context, rawURL string, opt ...Option) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rawURL)
	}

	sock, err := NewWebSocket(conn, opt...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sock, nil
}

// DialUnixSocket opens a framed stream transport to the Unix socket at path.
func DialUnixSocket(ctx context.Context, path string, opt ...Option) (*StreamSocket, error) {
	if path == "" {
		path = DefaultLocalSocketPath
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "dial unix %s", path)
	}

	sock, err := NewStreamSocket(conn, opt...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sock, nil
}
