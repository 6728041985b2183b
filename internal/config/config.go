package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Backend struct {
		// Kind is auto, cuda or host.
		Kind string `yaml:"kind"`
	} `yaml:"backend"`
	Pool struct {
		// Prewarm is the number of solver handles created at start.
		Prewarm int `yaml:"prewarm"`
	} `yaml:"pool"`
	Solver struct {
		// SyevjMaxBatchedDim is the largest matrix dimension the batched
		// Jacobi eigensolver accepts.
		SyevjMaxBatchedDim int `yaml:"syevjMaxBatchedDim"`
		MaxBatch           int `yaml:"maxBatch"`
		MaxDim             int `yaml:"maxDim"`
	} `yaml:"solver"`
	Server struct {
		ListenAddress   string        `yaml:"listenAddress"`
		ListenPort      int           `yaml:"listenPort"`
		ReadTimeout     time.Duration `yaml:"readTimeout"`
		WriteTimeout    time.Duration `yaml:"writeTimeout"`
		MaxRequestBytes int64         `yaml:"maxRequestBytes"`
	} `yaml:"server"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = "auto"
	}
	if c.Solver.SyevjMaxBatchedDim == 0 {
		c.Solver.SyevjMaxBatchedDim = 32
	}
	if c.Solver.MaxBatch == 0 {
		c.Solver.MaxBatch = 1024
	}
	if c.Solver.MaxDim == 0 {
		c.Solver.MaxDim = 4096
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "0.0.0.0"
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 8090
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}
	if c.Server.MaxRequestBytes == 0 {
		c.Server.MaxRequestBytes = 64 << 20
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "auto", "cuda", "host":
	default:
		return errors.Errorf("backend.kind must be auto, cuda or host, got %q", c.Backend.Kind)
	}
	if c.Pool.Prewarm < 0 {
		return errors.Errorf("pool.prewarm must not be negative, got %d", c.Pool.Prewarm)
	}
	if c.Solver.SyevjMaxBatchedDim < 0 || c.Solver.MaxBatch < 0 || c.Solver.MaxDim < 0 {
		return errors.New("solver limits must not be negative")
	}
	if c.Server.ListenPort < 0 || c.Server.ListenPort > 65535 {
		return errors.Errorf("server.listenPort out of range: %d", c.Server.ListenPort)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &config, nil
}
