// Package config loads the daemon configuration: YAML file first,
// environment overrides second, defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"kraken-chat/go-backend/internal/transport"
)

const (
	envTransportBackend = "KRAKEN_TRANSPORT_BACKEND"
	envMetricsAddr      = "KRAKEN_METRICS_ADDR"
	envLogLevel         = "KRAKEN_LOG_LEVEL"

	// EnvCachePassphrase names the variable the local cache passphrase
	// is read from. It never appears in the config file itself.
	EnvCachePassphrase = "KRAKEN_CACHE_PASSPHRASE"
)

type Config struct {
	DataDir     string           `yaml:"dataDir"`
	LogLevel    string           `yaml:"logLevel"`
	StorePath   string           `yaml:"storePath"`
	Cache       CacheConfig      `yaml:"cache"`
	Network     transport.Config `yaml:"network"`
	MetricsAddr string           `yaml:"metricsAddr"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
	// PassphraseEnv overrides which environment variable holds the
	// cache passphrase. An empty passphrase stores the cache in clear.
	PassphraseEnv string `yaml:"passphraseEnv"`
}

func Default() Config {
	return Config{
		DataDir:     "data",
		LogLevel:    "info",
		Network:     transport.DefaultConfig(),
		MetricsAddr: "127.0.0.1:9464",
	}
}

// Overrides are command-line values applied after the file and the
// environment but before path derivation, so a data-dir override moves
// every derived path with it.
type Overrides struct {
	DataDir          string
	TransportBackend string
	MetricsAddr      string
}

// LoadFromPath reads configPath when given, otherwise tries the
// conventional locations and falls back to defaults. An explicit path
// that cannot be read or parsed is an error; fallback candidates are
// skipped silently.
func LoadFromPath(configPath string, over Overrides) (Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	} else {
		for _, path := range []string{
			"go-backend/configs/config.yaml",
			"configs/config.yaml",
		} {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				continue
			}
			break
		}
	}

	applyEnvOverrides(&cfg)
	if over.DataDir != "" {
		cfg.DataDir = over.DataDir
	}
	if over.TransportBackend != "" {
		cfg.Network.Backend = over.TransportBackend
	}
	if over.MetricsAddr != "" {
		cfg.MetricsAddr = over.MetricsAddr
	}
	return normalize(cfg), nil
}

func applyEnvOverrides(cfg *Config) {
	if backend := strings.TrimSpace(os.Getenv(envTransportBackend)); backend != "" {
		cfg.Network.Backend = backend
	}
	if addr := strings.TrimSpace(os.Getenv(envMetricsAddr)); addr != "" {
		cfg.MetricsAddr = addr
	}
	if level := strings.TrimSpace(os.Getenv(envLogLevel)); level != "" {
		cfg.LogLevel = level
	}
}

func normalize(cfg Config) Config {
	def := Default()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.DataDir, "chat.db")
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = filepath.Join(cfg.DataDir, "cache.enc")
	}
	if cfg.Cache.PassphraseEnv == "" {
		cfg.Cache.PassphraseEnv = EnvCachePassphrase
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = def.MetricsAddr
	}
	return cfg
}

// CachePassphrase resolves the passphrase from the configured
// environment variable.
func (c Config) CachePassphrase() string {
	return os.Getenv(c.Cache.PassphraseEnv)
}
