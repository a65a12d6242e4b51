package jcore

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Values of the "msg" field that selects the envelope type.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgMethod    = "method"
	MsgResult    = "result"
)

// connectMessage is sent by Authenticate.
type connectMessage struct {
	Msg   string `json:"msg"`
	Token string `json:"token"`
}

// methodMessage is sent by Call. Params is always encoded as an array.
type methodMessage struct {
	Msg    string        `json:"msg"`
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// envelope is an incoming message split into its raw members, so that a
// missing key can be told apart from a null one.
type envelope map[string]json.RawMessage

func parseEnvelope(raw string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if env == nil {
		return nil, errors.New("envelope is not an object")
	}
	return env, nil
}

// has reports whether key is present, even with a null value.
func (e envelope) has(key string) bool {
	_, ok := e[key]
	return ok
}

// str returns the member as a string. ok is false when the member is
// missing, null, not a string or empty.
func (e envelope) str(key string) (string, bool) {
	raw, present := e[key]
	if !present {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

func encodeConnect(token string) (string, error) {
	b, err := json.Marshal(connectMessage{Msg: MsgConnect, Token: token})
	if err != nil {
		return "", errors.Wrap(err, "encode connect message")
	}
	return string(b), nil
}

func encodeMethod(id, method string, params []interface{}) (string, error) {
	if params == nil {
		params = []interface{}{}
	}
	b, err := json.Marshal(methodMessage{Msg: MsgMethod, ID: id, Method: method, Params: params})
	if err != nil {
		return "", errors.Wrapf(err, "encode %s call", method)
	}
	return string(b), nil
}
