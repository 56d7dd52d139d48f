package config

// #region imports
import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/logging"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"gopkg.in/yaml.v3"
)

// #endregion

// #region types

// Config is the deployment configuration of the engine.
type Config struct {
	Model  orchestrator.Config `yaml:"model"`
	Spaces ftr.Spaces          `yaml:"spaces"`
	Server Server              `yaml:"server"`
	Store  Store               `yaml:"store"`
	Log    logging.Config      `yaml:"log"`
}

// Server holds the listen addresses. An empty MetricsAddr disables the
// Prometheus endpoint.
type Server struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Store points at the snapshot database.
type Store struct {
	Path string `yaml:"path"`
	// KeepVersions bounds ListVersions in the CLI; 0 means 20.
	KeepVersions int `yaml:"keep_versions"`
}

// #endregion

// #region defaults

// Default returns a config serving on localhost with hourly intensities and
// an empty feature layout.
func Default() Config {
	return Config{
		Model:  orchestrator.DefaultConfig(),
		Server: Server{Addr: "localhost:50061", MetricsAddr: "localhost:9464"},
		Store:  Store{Path: "streamstory.db", KeepVersions: 20},
		Log:    logging.Config{Level: "info", Format: "text"},
	}
}

// #endregion

// #region load

// Load reads a YAML file over the defaults and applies the STREAMSTORY_*
// environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if cfg, err = Parse(f); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = envOr("STREAMSTORY_ADDR", c.Server.Addr)
	c.Server.MetricsAddr = envOr("STREAMSTORY_METRICS_ADDR", c.Server.MetricsAddr)
	c.Store.Path = envOr("STREAMSTORY_DB", c.Store.Path)
	c.Log.Level = envOr("STREAMSTORY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("STREAMSTORY_LOG_FORMAT", c.Log.Format)
}

// #endregion

// #region validate

// Validate checks the deployment settings. With a feature layout it also
// builds a throwaway model to check the model settings against it; a config
// without one serves whatever the store holds.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("config: server.addr is empty")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("config: store.path is empty")
	}
	if c.Store.KeepVersions < 0 {
		return fmt.Errorf("config: store.keep_versions %d is negative", c.Store.KeepVersions)
	}
	if _, err := logging.New(c.Log, io.Discard); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Spaces.Count() == 0 {
		return nil
	}
	if _, err := orchestrator.New(c.Model, c.Spaces); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// #endregion

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion
