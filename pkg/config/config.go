// Package config loads the pgmirror configuration from a YAML file and
// PGMIRROR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/pgmirror/pkg/httputil/middleware"
	"github.com/edgeflare/pgmirror/pkg/notify"
	"github.com/edgeflare/pgmirror/pkg/pglogrepl"
	"github.com/edgeflare/pgmirror/pkg/replicator"
	"github.com/spf13/viper"
)

// keyDelimiter separates nested keys. Table names such as "sales.orders" are
// map keys, so the dot cannot be used.
const keyDelimiter = "::"

// Config holds application-wide configuration
type Config struct {
	Source      pglogrepl.Config  `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	Replication replicator.Config `mapstructure:"replication"`
	State       StateConfig       `mapstructure:"state"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Health      HealthConfig      `mapstructure:"health"`
	Notify      notify.Config     `mapstructure:"notify"`

	// File is the config file used, if any.
	File string `mapstructure:"-"`
}

// DestinationConfig selects the analytical store. Options are passed to the
// backend unchanged.
type DestinationConfig struct {
	Type    string         `mapstructure:"type"`
	Options map[string]any `mapstructure:"options"`
}

type StateConfig struct {
	// Path of the SQLite file holding the confirmed position and table states.
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is json or console.
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// AdminConfig configures the admin HTTP API. An empty Addr disables it.
type AdminConfig struct {
	Addr      string                         `mapstructure:"addr"`
	BasicAuth map[string]string              `mapstructure:"basicAuth"`
	OIDC      *middleware.OIDCProviderConfig `mapstructure:"oidc"`
	TLS       TLSConfig                      `mapstructure:"tls"`
	// ShutdownTimeout bounds the graceful stop of the server.
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// TLSConfig serves HTTPS. Missing files are created with a self-signed
// certificate.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

// HealthConfig configures the gRPC health service. An empty Addr disables it.
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	src := pglogrepl.DefaultConfig()
	defaults := map[string]any{
		"source::connString":            "",
		"source::publication":           src.Publication,
		"source::slot":                  src.Slot,
		"source::tables":                src.Tables,
		"source::ops":                   src.Ops,
		"source::partitionRoot":         src.PartitionRoot,
		"source::standbyUpdateInterval": src.StandbyUpdateInterval,
		"destination::type":             "clickhouse",
		"state::path":                   "pgmirror.db",
		"log::level":                    "info",
		"log::format":                   "json",
		"metrics::enabled":              true,
		"metrics::addr":                 ":9100",
		"metrics::path":                 "/metrics",
		"admin::addr":                   ":8080",
		"admin::shutdownTimeout":        5 * time.Second,
		"admin::tls::enabled":           false,
		"admin::tls::certFile":          "tls/tls.crt",
		"admin::tls::keyFile":           "tls/tls.key",
		"health::addr":                  "",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads config from file or environment. Without cfgFile it looks for
// pgmirror.yaml in $HOME/.config and the working directory. Environment
// variables override file settings, e.g. PGMIRROR_SOURCE_CONNSTRING.
func Load(cfgFile string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgmirror")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PGMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.Source.ConnString == "" {
		errs = append(errs, errors.New("source.connString is required"))
	}
	if c.Destination.Type == "" {
		errs = append(errs, errors.New("destination.type is required"))
	}
	if c.State.Path == "" {
		errs = append(errs, errors.New("state.path is required"))
	}
	if c.Notify.MQTT != nil && c.Notify.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("notify.mqtt.qos must be 0, 1 or 2, got %d", c.Notify.MQTT.QoS))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
