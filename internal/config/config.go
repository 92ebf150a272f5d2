// Package config loads process-level settings from GOCIRRUS_*
// environment variables.
//
// The job manifest is the primary configuration surface. Environment
// settings layer on top of a loaded manifest so credentials and
// per-host tuning stay out of committed manifest files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/gocirrus/pkg/manifest"
)

// EnvPrefix is the prefix for all gocirrus environment variables.
const EnvPrefix = "GOCIRRUS"

// Settings are environment-level overrides applied on top of a loaded
// manifest. Zero values mean the variable was not set.
type Settings struct {
	APIKey          string        `mapstructure:"api_key"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	LogLevel        string        `mapstructure:"log_level"`
	BackoffFactor   time.Duration `mapstructure:"backoff_factor"`
	ThrottleDelay   time.Duration `mapstructure:"throttle_delay"`
}

// envKeys are the viper keys bound to GOCIRRUS_* variables. The env
// var name is the upper-cased key with the prefix, e.g. api_key reads
// GOCIRRUS_API_KEY.
var envKeys = []string{
	"api_key",
	"access_key_id",
	"secret_access_key",
	"region",
	"endpoint",
	"log_level",
	"backoff_factor",
	"throttle_delay",
}

// FromEnv reads GOCIRRUS_* environment variables into a Settings
// value. Durations accept Go duration strings ("5s", "250ms").
func FromEnv() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var s Settings
	err := v.Unmarshal(&s, viper.DecodeHook(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err != nil {
		return nil, fmt.Errorf("decode environment settings: %w", err)
	}
	return &s, nil
}

// PresentEnv reports which recognized GOCIRRUS_* variables are set in
// the environment, by name only. Values are never returned; several of
// the variables hold credentials.
func PresentEnv() []string {
	var present []string
	for _, key := range envKeys {
		name := EnvPrefix + "_" + strings.ToUpper(key)
		if _, ok := os.LookupEnv(name); ok {
			present = append(present, name)
		}
	}
	return present
}

// Apply overlays the settings onto a loaded manifest. Environment
// values win over manifest values.
//
// A credential provided through the environment replaces the
// manifest's credential choice entirely, so setting GOCIRRUS_API_KEY
// against a manifest that names a profile does not produce a
// conflicting mix of styles.
func (s *Settings) Apply(m *manifest.Manifest) {
	if s.APIKey != "" {
		m.Connection.APIKey = s.APIKey
		m.Connection.Profile = ""
		m.Connection.AccessKeyID = ""
		m.Connection.SecretAccessKey = ""
	}
	if s.AccessKeyID != "" || s.SecretAccessKey != "" {
		m.Connection.APIKey = ""
		m.Connection.Profile = ""
		if s.AccessKeyID != "" {
			m.Connection.AccessKeyID = s.AccessKeyID
		}
		if s.SecretAccessKey != "" {
			m.Connection.SecretAccessKey = s.SecretAccessKey
		}
	}
	if s.Region != "" {
		m.Connection.Region = s.Region
	}
	if s.Endpoint != "" {
		m.Connection.Endpoint = s.Endpoint
	}
	if s.BackoffFactor > 0 {
		m.Migrate.BackoffFactor = s.BackoffFactor.String()
	}
	if s.ThrottleDelay > 0 {
		m.Migrate.ThrottleDelay = s.ThrottleDelay.String()
	}
}
