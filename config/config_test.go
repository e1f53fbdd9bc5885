package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poold.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	opts := NewOptions()
	require.NoError(t, opts.Validate())
	assert.Equal(t, 5*time.Second, opts.Transfer.StallTimeout.Duration)
	assert.Equal(t, uint32(256), opts.Cache.Factor)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	opts, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, NewOptions(), opts)

	opts, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, NewOptions(), opts)
}

func TestLoadOverridesSetKeys(t *testing.T) {
	path := writeConfig(t, `
[pool]
name = "lobby"
nodeId = "`+strings.Repeat("n", 20)+`"

[signaling]
url = "wss://relay.example.org/pool"
heartbeatInterval = "30s"

[cache]
dir = "/tmp/cache"
factor = 64

[log]
level = "debug"
format = "json"
`)
	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lobby", opts.Pool.Name)
	assert.Equal(t, "wss://relay.example.org/pool", opts.Signaling.URL)
	assert.Equal(t, 30*time.Second, opts.Signaling.HeartbeatInterval.Duration)
	assert.Equal(t, uint32(64), opts.Cache.Factor)
	assert.Equal(t, "/tmp/cache", opts.Cache.Dir)
	assert.Equal(t, 64, opts.Cache.MaxEntries, "unset keys keep defaults")
	assert.Equal(t, 1024, opts.Pool.DedupWindow)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", `[pool`},
		{"bad_duration", "[transfer]\nstallTimeout = \"soon\""},
		{"chunk_too_large", "[transfer]\nchunkSize = 1000000"},
		{"short_node_id", "[pool]\nnodeId = \"abc\""},
		{"log_format", "[log]\nformat = \"xml\""},
		{"zero_factor", "[cache]\nfactor = 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"empty_pool", func(o *Options) { o.Pool.Name = "" }},
		{"zero_entries", func(o *Options) { o.Cache.MaxEntries = 0 }},
		{"tiny_budget", func(o *Options) { o.Flow.MaxBytesInFlight = 10 }},
		{"negative_low_water", func(o *Options) { o.Flow.LowWater = -1 }},
		{"zero_stall", func(o *Options) { o.Transfer.StallTimeout = Duration{} }},
		{"bad_level", func(o *Options) { o.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			tt.mutate(opts)
			assert.ErrorIs(t, opts.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigureLogging(t *testing.T) {
	prevLevel, prevFormatter := logrus.GetLevel(), logrus.StandardLogger().Formatter
	t.Cleanup(func() {
		logrus.SetLevel(prevLevel)
		logrus.SetFormatter(prevFormatter)
	})

	opts := NewOptions()
	opts.Log.Level = "warn"
	opts.Log.Format = "json"
	require.NoError(t, opts.ConfigureLogging())
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}
