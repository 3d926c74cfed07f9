// Package exposer implements the exposer side of Couloir: a pool of
// control connections kept open and joined to a couloir at the relay,
// each one-shot and ready to become a proxy to a local HTTP server the
// moment the relay sends STREAM.
//
// The pool opens a couloir with its first member (learning the
// assigned host and key), joins every subsequent member to that key,
// and spawns a replacement for each member once that member's stream
// (or its wait for STREAM) has ended, mirroring the relay's
// consumption of exposer sockets one at a time. A member that is
// still streaming is not replaced yet, so while requests are in
// flight fewer than the configured number of members are idle.
package exposer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrProtocol is returned (wrapped) when the relay's control-layer
// response to OPEN_COULOIR or JOIN_COULOIR carries an error. This is
// fatal to the pool: the client surfaces the message and exits
// non-zero rather than retrying with a known-bad key.
var ErrProtocol = errors.New("exposer: protocol error")

// dialRetryBase and dialRetryMax bound the backoff used between relay
// dial/open/join attempts.
const (
	dialRetryBase = 500 * time.Millisecond
	dialRetryMax  = 30 * time.Second
)

// Config describes everything a pool member needs to open/join a
// couloir and forward streamed requests to a local HTTP server.
type Config struct {
	// DialRelay opens a fresh connection to the relay (TLS with SNI,
	// or plain TCP in HTTP mode; the pool treats this as opaque).
	DialRelay func(ctx context.Context) (net.Conn, error)

	// DialLocal opens a fresh connection to the local HTTP server
	// being exposed.
	DialLocal func(ctx context.Context) (net.Conn, error)

	// RequestedHost is the host passed on the very first OPEN_COULOIR
	// (derived from the --as flag), or empty to let the relay
	// synthesize a default name. It is sent as is: a value that does
	// not end with ".<domain>" also gets a default name.
	RequestedHost string

	// Password is the shared secret presented with OPEN_COULOIR, or
	// empty if the relay requires none.
	Password string

	// OverrideHost, if non-empty, replaces the Host header on every
	// request forwarded to the local server.
	OverrideHost string

	// Concurrency is the target number of idle joined sockets (K).
	Concurrency int
}

// Pool maintains Config.Concurrency idle, joined control connections
// at the relay. The first member to successfully connect opens the
// couloir; every member after it, including replacements spawned as
// members finish streaming, joins using the learned key.
type Pool struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	host    string
	key     string
	stopped bool

	wg    sync.WaitGroup
	fatal chan error
}

// New returns a Pool ready to Start. Concurrency defaults to 1 if
// unset or negative.
func New(cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pool{
		cfg:   cfg,
		log:   slog.Default().With("component", "exposer"),
		fatal: make(chan error, 1),
	}
}

// Host returns the couloir host assigned by the relay, once the first
// member has opened it. It is empty until then.
func (p *Pool) Host() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host
}

// Start opens the couloir with one member, then brings the pool up to
// its target concurrency and keeps it there until ctx is cancelled or
// a fatal protocol error occurs. Start implements transport.Listener.
func (p *Pool) Start(ctx context.Context) error {
	host, key, err := p.openFirst(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.host, p.key = host, key
	p.mu.Unlock()
	p.log.Info("couloir opened", "host", host)

	for range p.cfg.Concurrency - 1 {
		p.spawnJoiner(ctx)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-p.fatal:
		return err
	}
}

// Stop marks the pool stopped so no further members are spawned, and
// waits for in-flight members to finish. Stop implements
// transport.Listener.
func (p *Pool) Stop(_ context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Pool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// openFirst dials and retries OPEN_COULOIR until it succeeds (learning
// host and key) or ctx is cancelled. A protocol-level error (e.g. the
// requested name is taken) is fatal and returned immediately; it is
// never worth retrying since the request never changes.
func (p *Pool) openFirst(ctx context.Context) (host, key string, err error) {
	b := newBackoff(dialRetryBase, dialRetryMax)
	for {
		conn, err := p.cfg.DialRelay(ctx)
		if err != nil {
			p.log.Warn("dial relay failed, retrying", "error", err)
			if !sleepCtx(ctx, b.Next()) {
				return "", "", ctx.Err()
			}
			continue
		}

		member := &member{conn: conn, cfg: &p.cfg, log: p.log}
		host, key, err := member.open()
		if err != nil {
			conn.Close()
			var pe *protocolError
			if errors.As(err, &pe) {
				return "", "", fmt.Errorf("%w: %s", ErrProtocol, pe.message)
			}
			p.log.Warn("open couloir failed, retrying", "error", err)
			if !sleepCtx(ctx, b.Next()) {
				return "", "", ctx.Err()
			}
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			member.serve(ctx)
			p.refill(ctx)
		}()

		return host, key, nil
	}
}

// spawnJoiner launches one additional member that joins the
// already-opened couloir, with its own dial/join retry loop, and
// refills once its stream has ended (or it died before STREAM).
func (p *Pool) spawnJoiner(ctx context.Context) {
	if p.isStopped() {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		b := newBackoff(dialRetryBase, dialRetryMax)
		for {
			if p.isStopped() {
				return
			}

			conn, err := p.cfg.DialRelay(ctx)
			if err != nil {
				p.log.Warn("dial relay failed, retrying", "error", err)
				if !sleepCtx(ctx, b.Next()) {
					return
				}
				continue
			}

			key := p.Key()
			member := &member{conn: conn, cfg: &p.cfg, log: p.log}
			if err := member.join(key); err != nil {
				conn.Close()
				var pe *protocolError
				if errors.As(err, &pe) {
					p.reportFatal(fmt.Errorf("%w: %s", ErrProtocol, pe.message))
					return
				}
				p.log.Warn("join couloir failed, retrying", "error", err)
				if !sleepCtx(ctx, b.Next()) {
					return
				}
				continue
			}

			member.serve(ctx)
			p.refill(ctx)
			return
		}
	}()
}

// Key returns the couloir key learned by the opening member.
func (p *Pool) Key() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

// refill spawns a replacement member so the pool returns to its
// target concurrency after one member's stream (or its wait for
// STREAM) has ended. It is not called when a member starts streaming.
func (p *Pool) refill(ctx context.Context) {
	if !p.isStopped() {
		p.spawnJoiner(ctx)
	}
}

func (p *Pool) reportFatal(err error) {
	select {
	case p.fatal <- err:
	default:
	}
}
