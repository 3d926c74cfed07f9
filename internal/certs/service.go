// Package certs implements Couloir's certificate service: on-demand
// TLS certificate acquisition for couloir hostnames via ACME HTTP-01,
// cached on disk, with in-flight coalescing so concurrent handshakes
// for the same hostname trigger exactly one order.
//
// The ACME order machinery itself is an opaque dependency, supplied
// by golang.org/x/crypto/acme/autocert.
package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/singleflight"
)

// handshakeTimeout bounds how long a TLS handshake stalls waiting on
// SNICallback before the handshake fails outright. The in-flight ACME
// order is not cancelled: it keeps running so a concurrent or
// subsequent handshake can still observe its result.
const handshakeTimeout = 20 * time.Second

// Service owns the ACME account, the on-disk certificate cache, and
// the set of hostnames this relay is willing to request a certificate
// for (only hosts that correspond to a couloir that has actually been
// opened; an arbitrary SNI name never triggers an order).
type Service struct {
	manager *autocert.Manager
	log     *slog.Logger
	sf      singleflight.Group

	// getCert defaults to manager.GetCertificate; tests substitute a
	// fake so Ensure's coalescing behavior can be exercised without a
	// real ACME order.
	getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error)

	mu      sync.Mutex
	allowed map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithEmail registers a contact email with the ACME account.
func WithEmail(email string) Option {
	return func(s *Service) { s.manager.Email = email }
}

// NewService returns a Service that caches certificates under certDir
// (created if absent; default is the caller's responsibility, see
// config.RelayCertDir).
func NewService(certDir string, opts ...Option) *Service {
	s := &Service{
		log:     slog.Default().With("component", "certs"),
		allowed: make(map[string]struct{}),
	}
	s.manager = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(certDir),
		HostPolicy: s.hostPolicy,
	}
	s.getCert = s.manager.GetCertificate
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AllowHost marks host as eligible for certificate issuance. The
// relay calls this whenever OPEN_COULOIR successfully creates a
// couloir (via Listener's onCouloirOpened hook), and once at startup
// for the relay's own domain and the default couloir name.
func (s *Service) AllowHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[host] = struct{}{}
}

// DisallowHost removes host from the allowed set, e.g. once its
// couloir is torn down. Leaving a stale entry is harmless (a future
// couloir on the same name is legitimately allowed again) but this
// keeps the set from growing unbounded across a long-lived relay.
func (s *Service) DisallowHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowed, host)
}

func (s *Service) hostPolicy(_ context.Context, host string) error {
	s.mu.Lock()
	_, ok := s.allowed[host]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("certs: %q is not an open couloir", host)
	}
	return nil
}

// Ensure returns a cached or freshly-ordered certificate for
// hostname. Concurrent calls for the same hostname coalesce onto a
// single in-flight order via singleflight, so every caller observes
// the same certificate bytes. It does not implicitly allow hostname:
// an order for a host that was never passed to AllowHost (or WarmUp)
// is refused by the host policy.
func (s *Service) Ensure(ctx context.Context, hostname string) (*tls.Certificate, error) {
	ch := s.sf.DoChan(hostname, func() (any, error) {
		return s.getCert(&tls.ClientHelloInfo{ServerName: hostname})
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, fmt.Errorf("certs: ensure %s: %w", hostname, r.Err)
		}
		return r.Val.(*tls.Certificate), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("certs: ensure %s: %w", hostname, ctx.Err())
	}
}

// SNICallback is wired to tls.Config.GetCertificate on the relay's TLS
// listener. It does not allow hostname itself (the handshake proves
// nothing but a matching SNI; HostPolicy gates issuance, and only the
// relay's OPEN_COULOIR hook and WarmUp call AllowHost) and stalls the
// handshake up to handshakeTimeout waiting for Ensure.
func (s *Service) SNICallback(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	cert, err := s.Ensure(ctx, hello.ServerName)
	if err != nil {
		s.log.Warn("CERT_UNAVAILABLE", "host", hello.ServerName, "error", err)
		return nil, err
	}
	return cert, nil
}

// WarmUp pre-fetches certificates for hosts in the background, so a
// cold first connection doesn't pay the ACME order's latency inline
// on a real client's handshake.
func (s *Service) WarmUp(ctx context.Context, hosts ...string) {
	for _, host := range hosts {
		s.AllowHost(host)
		go func(host string) {
			if _, err := s.Ensure(ctx, host); err != nil {
				s.log.Warn("cert warm-up failed", "host", host, "error", err)
			}
		}(host)
	}
}

// HTTPHandler returns the handler that must be served on a plain HTTP
// listener on port 80 to answer ACME HTTP-01 challenges; any request
// that isn't a challenge is handed to fallback. With a nil fallback,
// autocert redirects GET and HEAD requests to https and answers other
// methods with 400.
func (s *Service) HTTPHandler(fallback http.Handler) http.Handler {
	return s.manager.HTTPHandler(fallback)
}

// TLSConfig returns a *tls.Config whose GetCertificate is wired to
// s.SNICallback, ready to hand to a relay Listener via
// relay.WithTLSConfig.
func (s *Service) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: s.SNICallback,
		NextProtos:     []string{"http/1.1"},
	}
}
