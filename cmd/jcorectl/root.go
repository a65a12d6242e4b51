package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/jcore"
)

// cli is the state shared by every command of one invocation.
type cli struct {
	cfgFile string
	token   string
	socket  string
	timeout time.Duration
	verbose bool

	cfg    *Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "jcorectl",
		Short: "Talk to a jcore.io server",
		Long: `jcorectl connects to a jcore.io server, either remotely with an API token
or through the local Unix socket, and reads or writes channel metadata and data.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is ~/.jcore/config.yaml)")
	flags.StringVar(&c.token, "token", "", "API token; connects through the local socket when empty")
	flags.StringVar(&c.socket, "socket", "", "local Unix socket path")
	flags.DurationVar(&c.timeout, "timeout", 0, "timeout for each request")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log protocol traffic to stderr")

	root.AddCommand(
		newMetadataCmd(c),
		newRealtimeCmd(c),
		newHistoryCmd(c),
		newCallCmd(c),
	)
	return root
}

// load reads the config file and applies flag overrides.
func (c *cli) load(cmd *cobra.Command) error {
	path := c.cfgFile
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	if c.token != "" {
		cfg.APIToken = c.token
	}
	if c.socket != "" {
		cfg.SocketPath = c.socket
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout = c.timeout
	}
	c.cfg = cfg

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// dial opens a connection: remote and authenticated when an API token is
// configured, local otherwise.
func (c *cli) dial(ctx context.Context) (*jcore.Conn, error) {
	format, err := c.cfg.FrameFormat()
	if err != nil {
		return nil, err
	}

	opts := []jcore.Option{
		jcore.LoggerOption(c.logger),
		jcore.DefaultTimeoutOption(c.cfg.Timeout),
		jcore.FrameFormatOption(format),
	}

	if c.cfg.APIToken != "" {
		return jcore.Dial(ctx, c.cfg.APIToken, opts...)
	}
	return jcore.DialUnix(ctx, c.cfg.SocketPath, opts...)
}

// run dials, hands the connection to fn and prints what fn returns.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, conn *jcore.Conn) (interface{}, error)) error {
	ctx := cmd.Context()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	out, err := fn(ctx, conn)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("jcorectl failed", "error", err)
		stop()
		os.Exit(1)
	}
}
