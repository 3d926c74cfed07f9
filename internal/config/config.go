package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	// Register compiled defaults for all known options.
	for _, o := range RelayOptions {
		v.SetDefault(o.Key, o.Default)
	}
	for _, o := range ExposeOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// Attempt to load a config file from the current directory or
	// the system-wide location.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/couloir/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with COULOIR_ and use
	// underscores in place of dots (e.g. COULOIR_RELAY_PORT).
	v.SetEnvPrefix("COULOIR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Relay-mode accessors
// ---------------------------------------------------------------------------

// RelayPort returns the TCP port the relay listens on.
func (c *Config) RelayPort() int {
	return c.v.GetInt(keyRelayPort)
}

// RelayHTTP reports whether the relay should serve plain HTTP instead
// of TLS.
func (c *Config) RelayHTTP() bool {
	return c.v.GetBool(keyRelayHTTP)
}

// RelayPassword returns the shared password exposers must present,
// or the empty string if authentication is disabled.
func (c *Config) RelayPassword() string {
	return c.v.GetString(keyRelayPassword)
}

// RelayEmail returns the contact email registered with the ACME
// account.
func (c *Config) RelayEmail() string {
	return c.v.GetString(keyRelayEmail)
}

// RelayCertDir returns the directory used to cache issued
// certificates, with a leading "~" expanded to the current user's
// home directory.
func (c *Config) RelayCertDir() string {
	dir := c.v.GetString(keyRelayCertDir)
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	return dir
}

// ---------------------------------------------------------------------------
// Expose-mode accessors
// ---------------------------------------------------------------------------

// ExposeOn returns the relay host to open or join a couloir on.
func (c *Config) ExposeOn() string {
	return c.v.GetString(keyExposeOn)
}

// ExposeAs returns the requested couloir subdomain name.
func (c *Config) ExposeAs() string {
	return c.v.GetString(keyExposeAs)
}

// ExposeRelayPort returns the relay port to connect to.
func (c *Config) ExposeRelayPort() int {
	return c.v.GetInt(keyExposeRelayPort)
}

// ExposeRelayIP returns the relay IP to dial, bypassing DNS
// resolution of the relay host, or the empty string to resolve
// normally.
func (c *Config) ExposeRelayIP() string {
	return c.v.GetString(keyExposeRelayIP)
}

// ExposeLocalHost returns the host of the local HTTP server being
// exposed.
func (c *Config) ExposeLocalHost() string {
	return c.v.GetString(keyExposeLocalHost)
}

// ExposeOverrideHost returns the Host header value rewritten onto
// requests forwarded to the local server, or the empty string to
// forward the original Host header unchanged.
func (c *Config) ExposeOverrideHost() string {
	return c.v.GetString(keyExposeOverrideHost)
}

// ExposeHTTP reports whether the exposer should connect to the relay
// over plain TCP instead of TLS.
func (c *Config) ExposeHTTP() bool {
	return c.v.GetBool(keyExposeHTTP)
}

// ExposePassword returns the shared password to present to the relay.
func (c *Config) ExposePassword() string {
	return c.v.GetString(keyExposePassword)
}

// ExposeConcurrency returns the number of idle sockets the pool keeps
// open at the relay.
func (c *Config) ExposeConcurrency() int {
	return c.v.GetInt(keyExposeConcurrency)
}
