package config

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Global *Global `yaml:"global"`
}

type Global struct {
	NodeName string `yaml:"node_name"`
	Listen   Listen `yaml:"listen"`

	// Loops is the number of event loops; 0 means one per core.
	Loops int `yaml:"loops"`

	WorkerPool   WorkerPool   `yaml:"worker_pool"`
	DatabasePool DatabasePool `yaml:"database_pool"`
	Limits       Limits       `yaml:"limits"`

	TempDir string `yaml:"temp_dir"`

	Logging    []LoggingOutlet    `yaml:"logging"`
	Monitoring []MonitoringOutlet `yaml:"monitoring"`
}

type Listen struct {
	HTTP   string `yaml:"http"`
	Binary string `yaml:"binary"`
}

type WorkerPool struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

type DatabasePool struct {
	Slots int `yaml:"slots"`
}

type Limits struct {
	MaxBodySize int64 `yaml:"max_body_size"`
	MaxBodyMem  int64 `yaml:"max_body_mem"`
	// RejectSpill answers oversized-but-spillable bodies with 413 instead
	// of spooling them to disk.
	RejectSpill bool `yaml:"reject_spill"`
}

type LoggingOutlet struct {
	Type   string `yaml:"type"`   // "stdout", "stderr" or "file"
	Format string `yaml:"format"` // "human", "logfmt" or "json"
	Level  string `yaml:"level"`
	Path   string `yaml:"path"` // file outlet only
	Color  bool   `yaml:"color"`
}

type MonitoringOutlet struct {
	Type   string `yaml:"type"` // "prometheus"
	Listen string `yaml:"listen"`
}

func ParseConfig(path string) (*Config, error) {
	if path == "" {
		// rather than probing default locations, require an explicit path
		return nil, errors.New("config file path required")
	}
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(bytes, &c); err != nil {
		return nil, errors.Wrap(err, "config unmarshal")
	}
	if c.Global == nil {
		c.Global = &Global{}
	}
	c.Global.applyDefaults()
	if err := c.Global.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (g *Global) applyDefaults() {
	if g.NodeName == "" {
		g.NodeName, _ = os.Hostname()
	}
	if g.Listen.HTTP == "" {
		g.Listen.HTTP = "127.0.0.1:8880"
	}
	if g.Listen.Binary == "" {
		g.Listen.Binary = "127.0.0.1:8890"
	}
	if g.Loops <= 0 {
		g.Loops = runtime.NumCPU()
	}
	if g.WorkerPool.Workers <= 0 {
		g.WorkerPool.Workers = 4 * runtime.NumCPU()
	}
	if g.WorkerPool.QueueDepth <= 0 {
		g.WorkerPool.QueueDepth = 1024
	}
	if g.DatabasePool.Slots <= 0 {
		g.DatabasePool.Slots = 8 * runtime.NumCPU()
	}
	if g.Limits.MaxBodySize <= 0 {
		g.Limits.MaxBodySize = 250 << 20
	}
	if g.Limits.MaxBodyMem <= 0 {
		g.Limits.MaxBodyMem = 5 << 20
	}
	if g.TempDir == "" {
		g.TempDir = os.TempDir()
	}
}

func (g *Global) validate() error {
	if g.Listen.HTTP == g.Listen.Binary {
		return errors.New("http and binary ports must differ")
	}
	for i, o := range g.Logging {
		switch o.Type {
		case "stdout", "stderr":
		case "file":
			if o.Path == "" {
				return errors.Errorf("logging outlet #%d: file outlet requires path", i)
			}
		default:
			return errors.Errorf("logging outlet #%d: unknown type %q", i, o.Type)
		}
		switch o.Format {
		case "", "human", "logfmt", "json":
		default:
			return errors.Errorf("logging outlet #%d: unknown format %q", i, o.Format)
		}
	}
	for i, o := range g.Monitoring {
		if o.Type != "prometheus" {
			return errors.Errorf("monitoring outlet #%d: unknown type %q", i, o.Type)
		}
		if o.Listen == "" {
			return errors.Errorf("monitoring outlet #%d: listen address required", i)
		}
	}
	return nil
}
