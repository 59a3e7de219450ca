package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/render-experiments/internal/cgroups"
	"github.com/psantana5/render-experiments/internal/experiment"
)

// EnvPrefix prefixes every environment override, e.g. REXP_BATCH_COUNT
const EnvPrefix = "REXP"

// Ready modes
const (
	ReadyProbe = "probe"
	ReadyDelay = "delay"
)

// Config is the whole rexp configuration
type Config struct {
	Renderer   RendererConfig   `mapstructure:"renderer" yaml:"renderer"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Experiment ExperimentConfig `mapstructure:"experiment" yaml:"experiment"`
	Analysis   AnalysisConfig   `mapstructure:"analysis" yaml:"analysis"`
	Batch      BatchConfig      `mapstructure:"batch" yaml:"batch"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	Cgroups    CgroupsConfig    `mapstructure:"cgroups" yaml:"cgroups"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

type RendererConfig struct {
	Command []string       `mapstructure:"command" yaml:"command"`
	Dir     string         `mapstructure:"dir" yaml:"dir"`
	TempDir string         `mapstructure:"temp_dir" yaml:"temp_dir"`
	Limits  cgroups.Limits `mapstructure:"limits" yaml:"limits"`
}

type ServerConfig struct {
	Command         []string    `mapstructure:"command" yaml:"command"`
	Dir             string      `mapstructure:"dir" yaml:"dir"`
	LogDir          string      `mapstructure:"log_dir" yaml:"log_dir"`
	StopAfterRender bool        `mapstructure:"stop_after_render" yaml:"stop_after_render"`
	Ready           ReadyConfig `mapstructure:"ready" yaml:"ready"`
}

// ReadyConfig picks how a server is judged ready for its renderer
type ReadyConfig struct {
	Mode           string        `mapstructure:"mode" yaml:"mode"`
	Host           string        `mapstructure:"host" yaml:"host"`
	BasePort       int           `mapstructure:"base_port" yaml:"base_port"`
	Delay          time.Duration `mapstructure:"delay" yaml:"delay"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

type ExperimentConfig struct {
	experiment.Layout `mapstructure:",squash" yaml:",inline"`

	Samples   int                          `mapstructure:"samples" yaml:"samples"`
	GTFactor  int                          `mapstructure:"gt_factor" yaml:"gt_factor"`
	Inference []experiment.InferenceConfig `mapstructure:"inference" yaml:"inference"`
}

type AnalysisConfig struct {
	Command string `mapstructure:"command" yaml:"command"`
}

type BatchConfig struct {
	Start      int           `mapstructure:"start" yaml:"start"`
	Count      int           `mapstructure:"count" yaml:"count"`
	Width      int           `mapstructure:"width" yaml:"width"`
	Parallel   int           `mapstructure:"parallel" yaml:"parallel"`
	PortStride int           `mapstructure:"port_stride" yaml:"port_stride"`
	Grace      time.Duration `mapstructure:"grace" yaml:"grace"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // "" disables history
}

type MetricsConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`         // "" disables the HTTP endpoint
	Textfile string `mapstructure:"textfile" yaml:"textfile"` // node_exporter textfile collector output
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Service  string `mapstructure:"service" yaml:"service"`
}

type CgroupsConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

// Default returns the configuration the experiment series was run with
func Default() *Config {
	layout := experiment.DefaultLayout()
	return &Config{
		Renderer: RendererConfig{
			Command: []string{"./pathed"},
			Dir:     "../Release",
		},
		Server: ServerConfig{
			Command: []string{"pipenv", "run", "python", "server.py"},
			Dir:     ".",
			Ready: ReadyConfig{
				Mode:           ReadyProbe,
				Host:           "127.0.0.1",
				BasePort:       65432,
				Delay:          10 * time.Second,
				Timeout:        2 * time.Minute,
				InitialBackoff: 250 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
			},
		},
		Experiment: ExperimentConfig{
			Layout:    layout,
			Samples:   experiment.DefaultSamples,
			GTFactor:  experiment.DefaultGTFactor,
			Inference: experiment.DefaultInference(),
		},
		Analysis: AnalysisConfig{Command: experiment.DefaultAnalysisCommand},
		Batch: BatchConfig{
			Start:      0,
			Count:      10,
			Width:      4,
			Parallel:   1,
			PortStride: 10,
			Grace:      10 * time.Second,
		},
		Store:   StoreConfig{Path: "rexp.db"},
		Tracing: TracingConfig{Endpoint: "localhost:4318", Service: "rexp"},
		Cgroups: CgroupsConfig{Root: cgroups.DefaultRoot},
		Log:     LogConfig{Level: "info"},
	}
}

// SetDefaults registers every key so env overrides and config files merge
// over the defaults
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("renderer.command", d.Renderer.Command)
	v.SetDefault("renderer.dir", d.Renderer.Dir)
	v.SetDefault("renderer.temp_dir", d.Renderer.TempDir)
	v.SetDefault("renderer.limits.cpu_max", "")
	v.SetDefault("renderer.limits.cpu_weight", 0)
	v.SetDefault("renderer.limits.memory_max", 0)

	v.SetDefault("server.command", d.Server.Command)
	v.SetDefault("server.dir", d.Server.Dir)
	v.SetDefault("server.log_dir", d.Server.LogDir)
	v.SetDefault("server.stop_after_render", d.Server.StopAfterRender)
	v.SetDefault("server.ready.mode", d.Server.Ready.Mode)
	v.SetDefault("server.ready.host", d.Server.Ready.Host)
	v.SetDefault("server.ready.base_port", d.Server.Ready.BasePort)
	v.SetDefault("server.ready.delay", d.Server.Ready.Delay)
	v.SetDefault("server.ready.timeout", d.Server.Ready.Timeout)
	v.SetDefault("server.ready.initial_backoff", d.Server.Ready.InitialBackoff)
	v.SetDefault("server.ready.max_backoff", d.Server.Ready.MaxBackoff)

	v.SetDefault("experiment.scene", d.Experiment.Scene)
	v.SetDefault("experiment.output", d.Experiment.Output)
	v.SetDefault("experiment.samples", d.Experiment.Samples)
	v.SetDefault("experiment.gt_factor", d.Experiment.GTFactor)
	v.SetDefault("experiment.inference", d.Experiment.Inference)

	v.SetDefault("analysis.command", d.Analysis.Command)

	v.SetDefault("batch.start", d.Batch.Start)
	v.SetDefault("batch.count", d.Batch.Count)
	v.SetDefault("batch.width", d.Batch.Width)
	v.SetDefault("batch.parallel", d.Batch.Parallel)
	v.SetDefault("batch.port_stride", d.Batch.PortStride)
	v.SetDefault("batch.grace", d.Batch.Grace)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service", d.Tracing.Service)
	v.SetDefault("cgroups.root", d.Cgroups.Root)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.dir", d.Log.Dir)
}

// BindEnv makes every key overridable as REXP_SECTION_KEY
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes v (config file and environment already read) over the
// defaults and validates the result
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Renderer.Command) == 0 {
		add("renderer.command is empty")
	}
	if err := c.Renderer.Limits.Validate(); err != nil {
		add("renderer.limits: %w", err)
	}
	if len(c.Server.Command) == 0 {
		add("server.command is empty")
	}

	r := c.Server.Ready
	switch r.Mode {
	case ReadyProbe:
		if r.BasePort <= 0 || r.BasePort > 65535 {
			add("server.ready.base_port %d out of range", r.BasePort)
		}
	case ReadyDelay:
		if r.Delay < 0 {
			add("server.ready.delay must not be negative")
		}
	default:
		add("server.ready.mode %q: want %s or %s", r.Mode, ReadyProbe, ReadyDelay)
	}

	if err := c.Experiment.Layout.Validate(); err != nil {
		add("experiment: %w", err)
	}
	if c.Experiment.Samples <= 0 {
		add("experiment.samples must be positive")
	}
	if c.Experiment.GTFactor <= 0 {
		add("experiment.gt_factor must be positive")
	}

	roles := map[string]bool{"path": true, "gt": true}
	offsets := map[int]bool{}
	maxOffset := 0
	for i, inf := range c.Experiment.Inference {
		if inf.Role == "" || roles[inf.Role] {
			add("experiment.inference[%d]: role %q is empty or already used", i, inf.Role)
		}
		roles[inf.Role] = true
		if offsets[inf.PortOffset] {
			add("experiment.inference[%d]: port_offset %d already used", i, inf.PortOffset)
		}
		offsets[inf.PortOffset] = true
		if inf.PortOffset < 0 {
			add("experiment.inference[%d]: port_offset must not be negative", i)
		}
		if inf.PortOffset > maxOffset {
			maxOffset = inf.PortOffset
		}
	}

	if c.Batch.Count < 0 {
		add("batch.count must not be negative")
	}
	if c.Batch.Width < 1 {
		add("batch.width must be at least 1")
	}
	if c.Batch.Parallel > 1 && c.Batch.PortStride <= maxOffset {
		add("batch.port_stride %d must exceed the largest inference port_offset %d", c.Batch.PortStride, maxOffset)
	}

	if !validLevel(c.Log.Level) {
		add("log.level %q: want debug, info, warn or error", c.Log.Level)
	}

	return errors.Join(errs...)
}

// YAML renders the config as a file `rexp config init` would write
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func validLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
