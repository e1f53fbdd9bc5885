// Package config loads node settings from a TOML file.
//
// A missing file yields NewOptions defaults; a present file overrides only
// the keys it sets:
//
//	[pool]
//	name = "lobby"
//
//	[signaling]
//	url = "wss://relay.example.org/pool"
//	heartbeatInterval = "15s"
//
//	[cache]
//	dir = "/var/lib/poold/cache"
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/poolmesh/limits"
	"github.com/sirupsen/logrus"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration wraps time.Duration for TOML parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// PoolOptions identifies the node and the pool it joins.
type PoolOptions struct {
	Name     string `toml:"name"`
	NodeID   string `toml:"nodeId"`
	Nickname string `toml:"nickname"`
	// DedupWindow is how many control message IDs are remembered.
	DedupWindow int `toml:"dedupWindow"`
}

// SignalingOptions locates the relay.
type SignalingOptions struct {
	URL               string   `toml:"url"`
	HeartbeatInterval Duration `toml:"heartbeatInterval"`
	ICEServers        []string `toml:"iceServers"`
}

// TransferOptions tunes file transfer.
type TransferOptions struct {
	ChunkSize     int      `toml:"chunkSize"`
	StallTimeout  Duration `toml:"stallTimeout"`
	SweepInterval Duration `toml:"sweepInterval"`
	MaxAttempts   int      `toml:"maxAttempts"`
	DownloadDir   string   `toml:"downloadDir"`
}

// CacheOptions tunes the relay cache. An empty Dir keeps blobs in memory.
type CacheOptions struct {
	Factor        uint32   `toml:"factor"`
	MaxEntries    int      `toml:"maxEntries"`
	Dir           string   `toml:"dir"`
	IdleTimeout   Duration `toml:"idleTimeout"`
	SweepInterval Duration `toml:"sweepInterval"`
}

// FlowOptions tunes per-link send queues.
type FlowOptions struct {
	MaxBytesInFlight uint64 `toml:"maxBytesInFlight"`
	Threshold        uint64 `toml:"threshold"`
	LowWater         int    `toml:"lowWater"`
}

// LogOptions selects logrus level and formatter ("text" or "json").
type LogOptions struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Options is the full node configuration.
type Options struct {
	Pool      PoolOptions      `toml:"pool"`
	Signaling SignalingOptions `toml:"signaling"`
	Transfer  TransferOptions  `toml:"transfer"`
	Cache     CacheOptions     `toml:"cache"`
	Flow      FlowOptions      `toml:"flow"`
	Log       LogOptions       `toml:"log"`
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		Pool: PoolOptions{
			Name:        "default",
			DedupWindow: 1024,
		},
		Signaling: SignalingOptions{
			URL:               "ws://127.0.0.1:8910/pool",
			HeartbeatInterval: Duration{15 * time.Second},
			ICEServers:        []string{"stun:stun.l.google.com:19302"},
		},
		Transfer: TransferOptions{
			ChunkSize:     limits.DefaultChunkSize,
			StallTimeout:  Duration{5 * time.Second},
			SweepInterval: Duration{5 * time.Second},
			MaxAttempts:   3,
			DownloadDir:   ".",
		},
		Cache: CacheOptions{
			Factor:        256,
			MaxEntries:    64,
			IdleTimeout:   Duration{10 * time.Second},
			SweepInterval: Duration{3 * time.Second},
		},
		Flow: FlowOptions{
			MaxBytesInFlight: 4 << 20,
			Threshold:        1 << 20,
			LowWater:         16,
		},
		Log: LogOptions{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Options, error) {
	opts := NewOptions()
	if path == "" {
		return opts, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
		}).Debug("No config file, using defaults")
		return opts, nil
	}

	md, err := toml.DecodeFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
			"keys":     strings.Join(keys, ","),
		}).Warn("Ignoring unknown config keys")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks value ranges.
func (o *Options) Validate() error {
	if o.Pool.Name == "" {
		return fmt.Errorf("%w: pool name is empty", ErrInvalidConfig)
	}
	if o.Pool.NodeID != "" {
		if err := limits.ValidateNodeID(o.Pool.NodeID); err != nil {
			return fmt.Errorf("%w: node id: %v", ErrInvalidConfig, err)
		}
	}
	if o.Transfer.ChunkSize <= 0 || o.Transfer.ChunkSize > limits.MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d outside 1..%d", ErrInvalidConfig, o.Transfer.ChunkSize, limits.MaxChunkSize)
	}
	if o.Cache.Factor == 0 {
		return fmt.Errorf("%w: cache factor must be positive", ErrInvalidConfig)
	}
	if o.Cache.MaxEntries <= 0 {
		return fmt.Errorf("%w: cache max entries must be positive", ErrInvalidConfig)
	}
	if o.Flow.MaxBytesInFlight < uint64(o.Transfer.ChunkSize) {
		return fmt.Errorf("%w: max bytes in flight %d below one chunk", ErrInvalidConfig, o.Flow.MaxBytesInFlight)
	}
	if o.Flow.LowWater < 0 {
		return fmt.Errorf("%w: negative low water mark", ErrInvalidConfig)
	}
	for name, d := range map[string]Duration{
		"stall timeout":        o.Transfer.StallTimeout,
		"download sweep":       o.Transfer.SweepInterval,
		"cache idle timeout":   o.Cache.IdleTimeout,
		"cache sweep interval": o.Cache.SweepInterval,
		"heartbeat interval":   o.Signaling.HeartbeatInterval,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if _, err := logrus.ParseLevel(o.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if o.Log.Format != "text" && o.Log.Format != "json" {
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, o.Log.Format)
	}
	return nil
}

// ConfigureLogging applies the log options to the standard logrus logger.
func (o *Options) ConfigureLogging() error {
	level, err := logrus.ParseLevel(o.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if o.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
