// Package expose assembles and runs the exposer process: a pool of
// control connections that open or join a couloir at the relay and
// proxy streamed requests to a local HTTP server.
package expose

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/couloir/couloir/internal/exposer"
	"github.com/couloir/couloir/internal/transport"
)

// Config holds the exposer's runtime parameters, already resolved
// from CLI flags / environment / config file by internal/config.
type Config struct {
	On           string
	As           string
	RelayPort    int
	RelayIP      string
	LocalHost    string
	OverrideHost string
	HTTP         bool
	Password     string
	Concurrency  int
}

// Run builds and runs the exposer pool for localPort until ctx is
// cancelled or a fatal protocol error occurs.
func Run(ctx context.Context, localPort string, cfg Config) error {
	log := slog.Default().With("component", "expose-cmd")

	if cfg.On == "" {
		return fmt.Errorf("expose: --on is required (the relay domain or host to open/join a couloir on)")
	}

	port, err := strconv.Atoi(localPort)
	if err != nil {
		return fmt.Errorf("expose: invalid local port %q: %w", localPort, err)
	}

	relayAddr := net.JoinHostPort(cfg.On, strconv.Itoa(cfg.RelayPort))
	dialAddr := relayAddr
	if cfg.RelayIP != "" {
		dialAddr = net.JoinHostPort(cfg.RelayIP, strconv.Itoa(cfg.RelayPort))
	}

	dialRelay := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		if cfg.HTTP {
			return d.DialContext(ctx, "tcp", dialAddr)
		}
		conn, err := d.DialContext(ctx, "tcp", dialAddr)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: cfg.On})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("expose: tls handshake with relay: %w", err)
		}
		return tlsConn, nil
	}

	localAddr := net.JoinHostPort(cfg.LocalHost, strconv.Itoa(port))
	dialLocal := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", localAddr)
	}

	pool := exposer.New(exposer.Config{
		DialRelay:     dialRelay,
		DialLocal:     dialLocal,
		RequestedHost: hostLabel(cfg.As, cfg.On),
		Password:      cfg.Password,
		OverrideHost:  cfg.OverrideHost,
		Concurrency:   cfg.Concurrency,
	})

	log.Info("starting exposer", "on", relayAddr, "local_port", port, "concurrency", cfg.Concurrency)
	return transport.Serve(ctx, pool)
}

// hostLabel turns the --as value into the host requested on
// OPEN_COULOIR: a bare label gets ".<domain>" appended, a value that
// already ends with ".<domain>" passes through unchanged, and an empty
// value stays empty so the relay resolves the default name itself.
func hostLabel(as, domain string) string {
	if as == "" || strings.HasSuffix(as, "."+domain) {
		return as
	}
	return as + "." + domain
}
