// Package relay assembles and runs the relay process: the couloir
// registry, the TLS or plain relay listener, the ACME HTTP-01
// listener, and Prometheus metrics, coordinated through
// transport.Serve.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couloir/couloir/internal/certs"
	"github.com/couloir/couloir/internal/couloir"
	"github.com/couloir/couloir/internal/relay"
	"github.com/couloir/couloir/internal/transport"
)

// Config holds the relay's runtime parameters, already resolved from
// CLI flags / environment / config file by internal/config.
type Config struct {
	Port     int
	HTTP     bool
	Password string
	Email    string
	CertDir  string
}

// Run builds and serves the relay for domain until ctx is cancelled.
func Run(ctx context.Context, domain string, cfg Config) error {
	log := slog.Default().With("component", "relay-cmd")

	// A password is only meaningfully secure in TLS mode, so refuse
	// to start rather than silently accept it over plaintext.
	if cfg.Password != "" && cfg.HTTP {
		return errors.New("refusing to start: --password requires TLS; --http sends it in the clear")
	}

	reg := couloir.New(domain, cfg.Password)
	metrics := relay.NewMetrics(prometheus.DefaultRegisterer, reg)

	var listeners []transport.Listener

	relayOpts := []relay.ListenerOption{relay.WithMetrics(metrics)}

	var certSvc *certs.Service
	if !cfg.HTTP {
		certSvc = certs.NewService(cfg.CertDir, certs.WithEmail(cfg.Email))
		relayOpts = append(relayOpts, relay.WithTLSConfig(certSvc.TLSConfig()))
		relayOpts = append(relayOpts, relay.WithOnCouloirOpened(func(host string) {
			certSvc.AllowHost(host)
			if _, err := certSvc.Ensure(ctx, host); err != nil {
				log.Warn("cert warm-up for new couloir failed", "host", host, "error", err)
			}
		}))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		listeners = append(listeners, certs.NewListener(":80", certSvc, mux))
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	relayLn := relay.New(addr, reg, relayOpts...)
	listeners = append(listeners, relayLn)

	if certSvc != nil {
		// Pre-warm the relay domain itself and the first default
		// couloir name: these are the two hostnames most likely to
		// receive a connection before any exposer has ever opened a
		// couloir.
		certSvc.WarmUp(ctx, domain, "couloir."+domain)
	}

	log.Info("starting relay", "domain", domain, "port", cfg.Port, "tls", !cfg.HTTP)
	return transport.Serve(ctx, listeners...)
}
