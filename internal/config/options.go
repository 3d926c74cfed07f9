package config

import (
	"strings"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// RelayOptions defines the configuration entries available in relay
// mode. Each entry is registered as a viper default and a CLI flag.
var RelayOptions = []Option{
	{Key: keyRelayPort, Flag: toFlag(keyRelayPort), Default: 443, Description: "Relay listen port"},
	{Key: keyRelayHTTP, Flag: toFlag(keyRelayHTTP), Default: false, Description: "Serve plain HTTP instead of TLS (no certificates are requested)"},
	{Key: keyRelayPassword, Flag: toFlag(keyRelayPassword), Default: "", Description: "Shared password exposers must present to open a couloir"},
	{Key: keyRelayEmail, Flag: toFlag(keyRelayEmail), Default: "", Description: "Contact email registered with the ACME account"},
	{Key: keyRelayCertDir, Flag: toFlag(keyRelayCertDir), Default: "~/.couloir.certs", Description: "Directory used to cache issued certificates"},
}

// ExposeOptions defines the configuration entries available in expose
// mode.
var ExposeOptions = []Option{
	{Key: keyExposeOn, Flag: toFlag(keyExposeOn), Default: "", Description: "Relay domain or host to open/join a couloir on"},
	{Key: keyExposeAs, Flag: toFlag(keyExposeAs), Default: "", Description: "Requested couloir subdomain name"},
	{Key: keyExposeRelayPort, Flag: toFlag(keyExposeRelayPort), Default: 443, Description: "Relay port to connect to"},
	{Key: keyExposeRelayIP, Flag: toFlag(keyExposeRelayIP), Default: "", Description: "Relay IP to dial, bypassing DNS resolution of the relay host"},
	{Key: keyExposeLocalHost, Flag: toFlag(keyExposeLocalHost), Default: "127.0.0.1", Description: "Host of the local HTTP server being exposed"},
	{Key: keyExposeOverrideHost, Flag: toFlag(keyExposeOverrideHost), Default: "", Description: "Host header value rewritten onto requests forwarded to the local server"},
	{Key: keyExposeHTTP, Flag: toFlag(keyExposeHTTP), Default: false, Description: "Connect over plain TCP instead of TLS"},
	{Key: keyExposePassword, Flag: toFlag(keyExposePassword), Default: "", Description: "Shared password to present to the relay"},
	{Key: keyExposeConcurrency, Flag: toFlag(keyExposeConcurrency), Default: 10, Description: "Number of idle sockets kept open at the relay"},
}

// toFlag converts a viper key like "expose.relay_port" into a CLI
// flag like "relay-port" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the "relay-" or "expose-"
// mode prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "relay-")
	flag = strings.TrimPrefix(flag, "expose-")
	return flag
}
