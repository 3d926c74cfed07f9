// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix COULOIR_)
//  3. Config file (config.yaml in . or /etc/couloir/)
//  4. Compiled defaults
package config

// Viper keys for relay-mode configuration.
const (
	keyRelayPort     = "relay.port"
	keyRelayHTTP     = "relay.http"
	keyRelayPassword = "relay.password"
	keyRelayEmail    = "relay.email"
	keyRelayCertDir  = "relay.cert_dir"
)

// Viper keys for expose-mode configuration.
const (
	keyExposeOn           = "expose.on"
	keyExposeAs           = "expose.as"
	keyExposeRelayPort    = "expose.relay_port"
	keyExposeRelayIP      = "expose.relay_ip"
	keyExposeLocalHost    = "expose.local_host"
	keyExposeOverrideHost = "expose.override_host"
	keyExposeHTTP         = "expose.http"
	keyExposePassword     = "expose.password"
	keyExposeConcurrency  = "expose.concurrency"
)
