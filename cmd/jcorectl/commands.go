package main

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/jcore"
)

// channels turns positional channel ids into a request, nil for all
// channels.
func channels(ids []string) *jcore.ChannelsRequest {
	if len(ids) == 0 {
		return nil
	}
	return &jcore.ChannelsRequest{ChannelIDs: ids}
}

func decodeArg(arg string, v interface{}) error {
	if err := json.Unmarshal([]byte(arg), v); err != nil {
		return errors.Wrapf(jcore.ErrInvalidArgument, "argument is not valid JSON: %v", err)
	}
	return nil
}

func newMetadataCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Read or write channel metadata",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [channel-id...]",
		Short: "Print metadata for some or all channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, conn *jcore.Conn) (interface{}, error) {
				return conn.GetMetadata(ctx, channels(args))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <json>",
		Short: "Set metadata from a JSON object keyed by channel id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var md map[string]jcore.ChannelMetadata
			if err := decodeArg(args[0], &md); err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, conn *jcore.Conn) (interface{}, error) {
				return nil, conn.SetMetadata(ctx, md)
			})
		},
	})

	return cmd
}

func newRealtimeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Read or write real-time channel data",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [channel-id...]",
		Short: "Print the latest value of some or all channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, conn *jcore.Conn) (interface{}, error) {
				return conn.GetRealTimeData(ctx, channels(args))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <json>",
		Short: "Publish values from a JSON object keyed by channel id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var values map[string]interface{}
			if err := decodeArg(args[0], &values); err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, conn *jcore.Conn) (interface{}, error) {
				return nil, conn.SetRealTimeData(ctx, values)
			})
		},
	})

	return cmd
}

func newHistoryCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Read historical channel data",
	}

	var begin, end int64
	get := &cobra.Command{
		Use:   "get [channel-id...]",
		Short: "Print data recorded between --begin and --end (ms since the epoch)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jcore.HistoricalDataRequest{ChannelIDs: args, BeginTime: begin, EndTime: end}
			return c.run(cmd, func(ctx context.Context, conn *jcore.Conn) (interface{}, error) {
				return conn.GetHistoricalData(ctx, req)
			})
		},
	}
	get.Flags().Int64Var(&begin, "begin", 0, "start of the range, ms since the epoch")
	get.Flags().Int64Var(&end, "end", 0, "end of the range, ms since the epoch")
	_ = get.MarkFlagRequired("begin")
	_ = get.MarkFlagRequired("end")

	cmd.AddCommand(get)
	return cmd
}

func newCallCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [json-params]",
		Short: "Invoke any server method; params must be a JSON array",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params []interface{}
			if len(args) == 2 {
				if err := decodeArg(args[1], &params); err != nil {
					return err
				}
			}
			return c.run(cmd, func(ctx context.Context, conn *jcore.Conn) (interface{}, error) {
				return conn.Call(ctx, args[0], params)
			})
		},
	}
}
