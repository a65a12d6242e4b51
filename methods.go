package jcore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Server method names.
const (
	MethodGetMetadata       = "getMetadata"
	MethodSetMetadata       = "setMetadata"
	MethodGetRealTimeData   = "getRealTimeData"
	MethodSetRealTimeData   = "setRealTimeData"
	MethodGetHistoricalData = "getHistoricalData"
)

// ChannelsRequest selects channels. An empty ChannelIDs selects all of them.
type ChannelsRequest struct {
	ChannelIDs []string `json:"channelIds,omitempty"`
}

// HistoricalDataRequest selects a time range, in milliseconds since the
// epoch, for some or all channels.
type HistoricalDataRequest struct {
	ChannelIDs []string `json:"channelIds,omitempty"`
	BeginTime  int64    `json:"beginTime"`
	EndTime    int64    `json:"endTime"`
}

// ChannelMetadata describes one channel.
type ChannelMetadata struct {
	Name      string   `json:"name"`
	Units     string   `json:"units,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Precision *int     `json:"precision,omitempty"`
}

// GetMetadata returns metadata keyed by channel id. A nil request asks for
// every channel.
func (c *Conn) GetMetadata(ctx context.Context, req *ChannelsRequest) (map[string]ChannelMetadata, error) {
	raw, err := c.Call(ctx, MethodGetMetadata, optionalParam(req))
	if err != nil {
		return nil, err
	}

	md := make(map[string]ChannelMetadata)
	if err := decodeResult(raw, &md); err != nil {
		return nil, errors.Wrap(err, MethodGetMetadata)
	}
	return md, nil
}

// SetMetadata replaces metadata for the channels named in md.
func (c *Conn) SetMetadata(ctx context.Context, md map[string]ChannelMetadata) error {
	if md == nil {
		return errors.Wrap(ErrInvalidArgument, "nil metadata")
	}
	_, err := c.Call(ctx, MethodSetMetadata, []interface{}{md})
	return err
}

// GetRealTimeData returns the latest value of each selected channel. A nil
// request asks for every channel.
func (c *Conn) GetRealTimeData(ctx context.Context, req *ChannelsRequest) (map[string]json.RawMessage, error) {
	raw, err := c.Call(ctx, MethodGetRealTimeData, optionalParam(req))
	if err != nil {
		return nil, err
	}

	data := make(map[string]json.RawMessage)
	if err := decodeResult(raw, &data); err != nil {
		return nil, errors.Wrap(err, MethodGetRealTimeData)
	}
	return data, nil
}

// SetRealTimeData publishes values keyed by channel id.
func (c *Conn) SetRealTimeData(ctx context.Context, values map[string]interface{}) error {
	if values == nil {
		return errors.Wrap(ErrInvalidArgument, "nil values")
	}
	_, err := c.Call(ctx, MethodSetRealTimeData, []interface{}{values})
	return err
}

// GetHistoricalData returns the raw result for a time range.
func (c *Conn) GetHistoricalData(ctx context.Context, req HistoricalDataRequest) (json.RawMessage, error) {
	if req.EndTime < req.BeginTime {
		return nil, errors.Wrapf(ErrInvalidArgument, "end time %d is before begin time %d", req.EndTime, req.BeginTime)
	}
	return c.Call(ctx, MethodGetHistoricalData, []interface{}{req})
}

// optionalParam sends a request naming channels as the only parameter and
// an absent or empty one as no parameters.
func optionalParam(req *ChannelsRequest) []interface{} {
	if req == nil || len(req.ChannelIDs) == 0 {
		return []interface{}{}
	}
	return []interface{}{req}
}

// decodeResult unmarshals raw into v. A null result leaves v untouched.
func decodeResult(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(ErrInvalidMessage, err.Error())
	}
	return nil
}
