package jcore_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/jcore"
	"github.com/Zereker/jcore/internal/fakeserver"
)

func apiToken(t *testing.T, url, token string) string {
	t.Helper()
	s, err := (&jcore.APIToken{URL: url, Token: token}).Encode()
	require.NoError(t, err)
	return s
}

func startUnixServer(t *testing.T, opt ...fakeserver.Option) (*fakeserver.Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jcore.sock")
	srv, err := fakeserver.ListenUnix(path, opt...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
	})
	return srv, path
}

func startWebSocketServer(t *testing.T, opt ...fakeserver.Option) (*fakeserver.Server, string) {
	t.Helper()
	srv := fakeserver.New(opt...)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/jcore-api"
}

func withMetadata(srv *fakeserver.Server) {
	srv.Handle(jcore.MethodGetMetadata, func(params []json.RawMessage) (interface{}, error) {
		all := map[string]interface{}{
			"temp":  map[string]interface{}{"name": "Temperature", "units": "degC", "min": -40, "max": 125, "precision": 1},
			"flow":  map[string]interface{}{"name": "Flow", "units": "L/min"},
			"state": map[string]interface{}{"name": "State"},
		}
		if len(params) == 0 {
			return all, nil
		}
		var req jcore.ChannelsRequest
		if err := json.Unmarshal(params[0], &req); err != nil {
			return nil, err
		}
		out := make(map[string]interface{})
		for _, id := range req.ChannelIDs {
			if md, ok := all[id]; ok {
				out[id] = md
			}
		}
		return out, nil
	})
}

func TestParseAPIToken(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte(`{"url":"ws://localhost:3030/jcore-api","token":"secret"}`))

	tok, err := jcore.ParseAPIToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3030/jcore-api", tok.URL)
	assert.Equal(t, "secret", tok.Token)

	unpadded := strings.TrimRight(raw, "=")
	tok, err = jcore.ParseAPIToken(unpadded)
	require.NoError(t, err)
	assert.Equal(t, "secret", tok.Token)
}

func TestParseAPIToken_Invalid(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := map[string]string{
		"empty":            "",
		"not base64":       "!!!",
		"not json":         enc("hello"),
		"array":            enc(`["ws://x","t"]`),
		"missing url":      enc(`{"token":"t"}`),
		"empty url":        enc(`{"url":"","token":"t"}`),
		"non-string url":   enc(`{"url":5,"token":"t"}`),
		"missing token":    enc(`{"url":"ws://x"}`),
		"empty token":      enc(`{"url":"ws://x","token":""}`),
		"non-string token": enc(`{"url":"ws://x","token":true}`),
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := jcore.ParseAPIToken(raw)
			assert.ErrorIs(t, err, jcore.ErrInvalidArgument)
		})
	}
}

func TestDial_WebSocket(t *testing.T) {
	srv, url := startWebSocketServer(t, fakeserver.TokenOption("secret"))
	withMetadata(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := jcore.Dial(ctx, apiToken(t, url, "secret"))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, jcore.StateAuthenticated, conn.State())

	md, err := conn.GetMetadata(ctx, nil)
	require.NoError(t, err)
	require.Len(t, md, 3)
	assert.Equal(t, "Temperature", md["temp"].Name)
	assert.Equal(t, "degC", md["temp"].Units)
	require.NotNil(t, md["temp"].Min)
	assert.Equal(t, -40.0, *md["temp"].Min)
	require.NotNil(t, md["temp"].Precision)
	assert.Equal(t, 1, *md["temp"].Precision)
	assert.Nil(t, md["state"].Max)

	md, err = conn.GetMetadata(ctx, &jcore.ChannelsRequest{ChannelIDs: []string{"flow"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]jcore.ChannelMetadata{"flow": {Name: "Flow", Units: "L/min"}}, md)

	received := srv.Received()
	require.Len(t, received, 3)
	assert.JSONEq(t, `{"msg":"connect","token":"secret"}`, received[0])
	assert.JSONEq(t, `{"msg":"method","id":"0","method":"getMetadata","params":[]}`, received[1])
	assert.JSONEq(t, `{"msg":"method","id":"1","method":"getMetadata","params":[{"channelIds":["flow"]}]}`, received[2])
}

func TestDial_WrongToken(t *testing.T) {
	_, url := startWebSocketServer(t, fakeserver.TokenOption("secret"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := jcore.Dial(ctx, apiToken(t, url, "guess"))
	require.ErrorIs(t, err, jcore.ErrAuth)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestDial_UnixURL(t *testing.T) {
	srv, path := startUnixServer(t, fakeserver.TokenOption("secret"))
	srv.Handle("add", func(params []json.RawMessage) (interface{}, error) {
		var a, b int
		if len(params) != 2 || json.Unmarshal(params[0], &a) != nil || json.Unmarshal(params[1], &b) != nil {
			return nil, errors.New("add takes two integers")
		}
		return a + b, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := jcore.Dial(ctx, apiToken(t, "unix://"+path, "secret"))
	require.NoError(t, err)
	defer conn.Close()

	raw, err := conn.Call(ctx, "add", []interface{}{2, 3})
	require.NoError(t, err)
	assert.Equal(t, "5", string(raw))

	_, err = conn.Call(ctx, "add", []interface{}{"x"})
	require.ErrorIs(t, err, jcore.ErrServer)
	assert.Contains(t, err.Error(), "two integers")

	_, err = conn.Call(ctx, "missing", nil)
	require.ErrorIs(t, err, jcore.ErrServer)
	assert.Contains(t, err.Error(), "method not found")
}

func TestDial_UnsupportedScheme(t *testing.T) {
	_, err := jcore.Dial(context.Background(), apiToken(t, "http://localhost/jcore-api", "t"))
	assert.ErrorIs(t, err, jcore.ErrInvalidArgument)
}

func TestDialUnix(t *testing.T) {
	srv, path := startUnixServer(t)
	srv.Handle(jcore.MethodGetRealTimeData, func(params []json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"temp": 21.5, "state": "on"}, nil
	})

	set := make(chan json.RawMessage, 1)
	srv.Handle(jcore.MethodSetRealTimeData, func(params []json.RawMessage) (interface{}, error) {
		set <- params[0]
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := jcore.DialUnix(ctx, path)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, jcore.StateIdle, conn.State())

	data, err := conn.GetRealTimeData(ctx, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `21.5`, string(data["temp"]))
	assert.JSONEq(t, `"on"`, string(data["state"]))

	require.NoError(t, conn.SetRealTimeData(ctx, map[string]interface{}{"setpoint": 20}))
	assert.JSONEq(t, `{"setpoint":20}`, string(<-set))
}

func TestDialUnix_FrameFormat(t *testing.T) {
	format := jcore.FrameFormat{Width: 2, Order: binary.LittleEndian}
	srv, path := startUnixServer(t, fakeserver.SocketOption(jcore.FrameFormatOption(format)))
	srv.Handle("ping", func([]json.RawMessage) (interface{}, error) { return "pong", nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := jcore.DialUnix(ctx, path, jcore.FrameFormatOption(format))
	require.NoError(t, err)
	defer conn.Close()

	raw, err := conn.Call(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, `"pong"`, string(raw))
}

func TestDialUnix_NoServer(t *testing.T) {
	_, err := jcore.DialUnix(context.Background(), filepath.Join(t.TempDir(), "absent.sock"))
	assert.Error(t, err)
}

func TestConn_ServerGoesAway(t *testing.T) {
	srv, path := startUnixServer(t)
	release := make(chan struct{})
	srv.Handle("block", func([]json.RawMessage) (interface{}, error) {
		<-release
		return nil, nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := jcore.DialUnix(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(ctx, "block", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, jcore.ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not fail after the server went away")
	}

	<-conn.Done()
	assert.Error(t, conn.Wait())
}

func TestConn_HistoricalData(t *testing.T) {
	srv, path := startUnixServer(t)
	srv.Handle(jcore.MethodGetHistoricalData, func(params []json.RawMessage) (interface{}, error) {
		var req jcore.HistoricalDataRequest
		if err := json.Unmarshal(params[0], &req); err != nil {
			return nil, err
		}
		return map[string]interface{}{"range": []int64{req.BeginTime, req.EndTime}, "channels": req.ChannelIDs}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := jcore.DialUnix(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	raw, err := conn.GetHistoricalData(ctx, jcore.HistoricalDataRequest{ChannelIDs: []string{"temp"}, BeginTime: 1000, EndTime: 2000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"range":[1000,2000],"channels":["temp"]}`, string(raw))

	_, err = conn.GetHistoricalData(ctx, jcore.HistoricalDataRequest{BeginTime: 2000, EndTime: 1000})
	assert.ErrorIs(t, err, jcore.ErrInvalidArgument)
}

func TestConn_SetMetadata(t *testing.T) {
	srv, path := startUnixServer(t)
	set := make(chan json.RawMessage, 1)
	srv.Handle(jcore.MethodSetMetadata, func(params []json.RawMessage) (interface{}, error) {
		set <- params[0]
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := jcore.DialUnix(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetMetadata(ctx, map[string]jcore.ChannelMetadata{"temp": {Name: "Temperature"}}))
	assert.JSONEq(t, `{"temp":{"name":"Temperature"}}`, string(<-set))

	assert.ErrorIs(t, conn.SetMetadata(ctx, nil), jcore.ErrInvalidArgument)
}

func TestConn_EmptyChannelSelection(t *testing.T) {
	srv, path := startUnixServer(t)
	withMetadata(srv)
	srv.Handle(jcore.MethodGetRealTimeData, func([]json.RawMessage) (interface{}, error) {
		return map[string]interface{}{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := jcore.DialUnix(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	md, err := conn.GetMetadata(ctx, &jcore.ChannelsRequest{})
	require.NoError(t, err)
	assert.Len(t, md, 3)

	_, err = conn.GetRealTimeData(ctx, &jcore.ChannelsRequest{ChannelIDs: []string{}})
	require.NoError(t, err)

	received := srv.Received()
	require.Len(t, received, 2)
	assert.JSONEq(t, `{"msg":"method","id":"0","method":"getMetadata","params":[]}`, received[0])
	assert.JSONEq(t, `{"msg":"method","id":"1","method":"getRealTimeData","params":[]}`, received[1])
}
