package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/poolmesh/cluster"
	"github.com/opd-ai/poolmesh/config"
	"github.com/opd-ai/poolmesh/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
		ok   bool
	}{
		{line: "hello there", ok: false},
		{line: "/", ok: false},
		{line: "/quit", want: command{name: "quit", args: []string{}}, ok: true},
		{line: "  /share  /tmp/a.mp4 ", want: command{name: "share", args: []string{"/tmp/a.mp4"}}, ok: true},
		{line: "/play abc 12", want: command{name: "play", args: []string{"abc", "12"}}, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := parseCommand(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	m := messaging.New(cluster.Endpoint{NodeID: "abc", Path: cluster.Path{0}}, time.Now(), &messaging.Text{Body: "hi"})
	printMessage(&buf, m)
	assert.Equal(t, "<abc> hi\n", buf.String())
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "poold version "+Version+"\n", buf.String())
}

func TestConfigCommandAppliesOverrides(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{
		"config",
		"--config", filepath.Join(t.TempDir(), "missing.toml"),
		"--pool", "films",
		"--relay", "ws://relay.example:8910/pool",
	})
	require.NoError(t, rootCmd.Execute())

	var got config.Options
	_, err := toml.Decode(buf.String(), &got)
	require.NoError(t, err)
	assert.Equal(t, "films", got.Pool.Name)
	assert.Equal(t, "ws://relay.example:8910/pool", got.Signaling.URL)
	assert.Equal(t, config.NewOptions().Cache.Factor, got.Cache.Factor)
}
