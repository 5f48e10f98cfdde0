// Package config loads chat server settings from defaults, an optional YAML
// file and CHATFS_* environment variables, in that order of precedence.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CHATFS_"

// Config holds every tunable of the server process.
type Config struct {
	// Addr is the TCP address the chat protocol listens on.
	Addr string `yaml:"addr" validate:"required"`

	// AdminAddr is the HTTP address of the admin surface. Empty disables it.
	AdminAddr string `yaml:"admin_addr"`

	// MaxClients bounds concurrently connected sessions.
	MaxClients int `yaml:"max_clients" validate:"min=1,max=4096"`

	// StorageDir holds uploaded files.
	StorageDir string `yaml:"storage_dir" validate:"required"`

	// CredentialsFile lists "id secret" pairs.
	CredentialsFile string `yaml:"credentials_file" validate:"required"`

	// SweepInterval is how often expired uploads are deleted.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=10ms"`

	// WriteTimeout bounds a single frame write to one client.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0s"`

	// MaxFileSize caps a single upload in bytes. Zero means unlimited.
	MaxFileSize int64 `yaml:"max_file_size" validate:"gte=0"`

	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
}

var validate = validator.New()

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:            ":9000",
		MaxClients:      10,
		StorageDir:      "storage",
		CredentialsFile: "users.txt",
		SweepInterval:   time.Second,
		WriteTimeout:    10 * time.Second,
		MaxFileSize:     1 << 30,
		LogLevel:        "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when path
// is empty) and the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config file failed")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config file %s failed", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "validate config failed")
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Addr = getenv("ADDR", c.Addr)
	c.AdminAddr = getenv("ADMIN_ADDR", c.AdminAddr)
	c.StorageDir = getenv("STORAGE_DIR", c.StorageDir)
	c.CredentialsFile = getenv("CREDENTIALS_FILE", c.CredentialsFile)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)

	if v := getenv("MAX_CLIENTS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse %sMAX_CLIENTS failed", EnvPrefix)
		}
		c.MaxClients = n
	}
	if v := getenv("MAX_FILE_SIZE", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "parse %sMAX_FILE_SIZE failed", EnvPrefix)
		}
		c.MaxFileSize = n
	}
	if v := getenv("SWEEP_INTERVAL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse %sSWEEP_INTERVAL failed", EnvPrefix)
		}
		c.SweepInterval = d
	}
	if v := getenv("WRITE_TIMEOUT", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse %sWRITE_TIMEOUT failed", EnvPrefix)
		}
		c.WriteTimeout = d
	}
	return nil
}

// getenv retrieves EnvPrefix+k or returns def when it is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(EnvPrefix + k); v != "" {
		return v
	}
	return def
}
