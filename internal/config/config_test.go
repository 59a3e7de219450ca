package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, yamlText string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	if yamlText != "" {
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(yamlText)))
	}
	return v
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"./pathed"}, cfg.Renderer.Command)
	assert.Equal(t, 65432, cfg.Server.Ready.BasePort)
	assert.Equal(t, 128*32, cfg.Experiment.Samples*cfg.Experiment.GTFactor)
	assert.Len(t, cfg.Experiment.Inference, 2)
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load(newViper(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverrides(t *testing.T) {
	cfg, err := Load(newViper(t, `
renderer:
  command: ["/opt/pathed/bin/pathed", "--quiet"]
  limits:
    memory_max: 8589934592
server:
  dir: /srv/nsf
  ready:
    mode: delay
    delay: 3s
experiment:
  scene: "procedural/box-{label}"
  inference:
    - {role: a, name: A, checkpoint: a.t, port_offset: 0}
batch:
  count: 2
  parallel: 2
  port_stride: 4
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"/opt/pathed/bin/pathed", "--quiet"}, cfg.Renderer.Command)
	assert.Equal(t, int64(8589934592), cfg.Renderer.Limits.MemoryMax)
	assert.Equal(t, "/srv/nsf", cfg.Server.Dir)
	assert.Equal(t, ReadyDelay, cfg.Server.Ready.Mode)
	assert.Equal(t, 3*time.Second, cfg.Server.Ready.Delay)
	assert.Equal(t, "procedural/box-{label}", cfg.Experiment.Scene)
	assert.Equal(t, "/tmp/test-{label}-{role}", cfg.Experiment.Output, "unset keys keep defaults")
	require.Len(t, cfg.Experiment.Inference, 1)
	assert.Equal(t, "a.t", cfg.Experiment.Inference[0].Checkpoint)
	assert.Equal(t, 2, cfg.Batch.Count)
	assert.Equal(t, 4, cfg.Batch.PortStride)
	assert.Equal(t, 128, cfg.Experiment.Samples)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REXP_BATCH_COUNT", "3")
	t.Setenv("REXP_SERVER_READY_TIMEOUT", "45s")
	t.Setenv("REXP_LOG_LEVEL", "debug")

	cfg, err := Load(newViper(t, "batch:\n  count: 7\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Batch.Count, "env wins over file")
	assert.Equal(t, 45*time.Second, cfg.Server.Ready.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"empty renderer", func(c *Config) { c.Renderer.Command = nil }, "renderer.command"},
		{"empty server", func(c *Config) { c.Server.Command = nil }, "server.command"},
		{"bad mode", func(c *Config) { c.Server.Ready.Mode = "poll" }, "server.ready.mode"},
		{"bad port", func(c *Config) { c.Server.Ready.BasePort = 70000 }, "base_port"},
		{"scene without label", func(c *Config) { c.Experiment.Scene = "fixed" }, "scene template"},
		{"zero samples", func(c *Config) { c.Experiment.Samples = 0 }, "samples"},
		{"zero gt factor", func(c *Config) { c.Experiment.GTFactor = 0 }, "gt_factor"},
		{"duplicate offsets", func(c *Config) { c.Experiment.Inference[1].PortOffset = 0 }, "port_offset 0 already used"},
		{"reserved role", func(c *Config) { c.Experiment.Inference[0].Role = "gt" }, "role \"gt\""},
		{"stride too small", func(c *Config) { c.Batch.Parallel, c.Batch.PortStride = 2, 1 }, "port_stride"},
		{"width", func(c *Config) { c.Batch.Width = 0 }, "batch.width"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"cpu weight", func(c *Config) { c.Renderer.Limits.CPUWeight = 20000 }, "renderer.limits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestYAMLLoadsBack(t *testing.T) {
	cfg := Default()
	cfg.Batch.Count = 4
	cfg.Server.StopAfterRender = true

	data, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "base_port: 65432")

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(data)))

	loaded, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
