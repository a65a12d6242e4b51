package main

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/jcore"
)

// Config holds the jcorectl configuration.
type Config struct {
	APIToken         string        `yaml:"api_token"`
	SocketPath       string        `yaml:"socket_path"`
	Timeout          time.Duration `yaml:"timeout"`
	FramePrefixWidth int           `yaml:"frame_prefix_width"`
	FrameByteOrder   string        `yaml:"frame_byte_order"`
}

// DefaultConfigPath returns ~/.jcore/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".jcore", "config.yaml")
	}
	return filepath.Join(home, ".jcore", "config.yaml")
}

// LoadConfig reads the YAML file at path. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		SocketPath:       jcore.DefaultLocalSocketPath,
		Timeout:          10 * time.Second,
		FramePrefixWidth: jcore.DefaultFrameFormat.Width,
		FrameByteOrder:   "big",
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	// the file may hold an api token
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		slog.Warn("config file is readable by other users", "path", path, "perm", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	if _, err := cfg.FrameFormat(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FrameFormat returns the stream socket length prefix described by c.
func (c *Config) FrameFormat() (jcore.FrameFormat, error) {
	format := jcore.FrameFormat{Width: c.FramePrefixWidth}
	switch strings.ToLower(c.FrameByteOrder) {
	case "", "big":
		format.Order = binary.BigEndian
	case "little":
		format.Order = binary.LittleEndian
	default:
		return jcore.FrameFormat{}, errors.Errorf("frame_byte_order must be big or little, got %q", c.FrameByteOrder)
	}
	if format.Width == 0 {
		format.Width = jcore.DefaultFrameFormat.Width
	}
	switch format.Width {
	case 1, 2, 4, 8:
	default:
		return jcore.FrameFormat{}, errors.Errorf("frame_prefix_width must be 1, 2, 4 or 8, got %d", format.Width)
	}
	return format, nil
}
