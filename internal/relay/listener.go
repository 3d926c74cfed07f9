package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couloir/couloir/internal/control"
	"github.com/couloir/couloir/internal/couloir"
)

// headerReadTimeout bounds how long a freshly accepted connection may
// take to produce a classifiable preface: a slow peer must not be
// allowed to stall forever.
const headerReadTimeout = 30 * time.Second

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithTLSConfig arms the listener with a TLS config (typically one
// whose GetCertificate is wired to the certificate service's
// SNICallback equivalent). Without it, the listener serves plain
// HTTP, matching the relay's --http mode.
func WithTLSConfig(cfg *tls.Config) ListenerOption {
	return func(l *Listener) { l.tlsConfig = cfg }
}

// WithMetrics attaches Prometheus gauges the listener updates as
// couloirs and pairs come and go.
func WithMetrics(m *Metrics) ListenerOption {
	return func(l *Listener) { l.metrics = m }
}

// WithOnCouloirOpened registers a callback invoked (outside the
// registry lock) whenever OPEN_COULOIR successfully creates a
// couloir. The relay uses this to kick off certificate warm-up.
func WithOnCouloirOpened(fn func(host string)) ListenerOption {
	return func(l *Listener) { l.onCouloirOpened = fn }
}

// Listener is the relay's TCP/TLS accept loop. It classifies every
// accepted connection as a control (exposer) connection or an HTTP
// client, dispatches control messages to the couloir registry, routes
// clients by Host header, and triggers the pairing engine. Listener
// implements transport.Listener.
type Listener struct {
	addr      string
	tlsConfig *tls.Config
	registry  *couloir.Registry

	metrics         *Metrics
	onCouloirOpened func(host string)

	log *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a relay Listener bound to addr (not yet listening) that
// routes traffic through reg.
func New(addr string, reg *couloir.Registry, opts ...ListenerOption) *Listener {
	l := &Listener{
		addr:     addr,
		registry: reg,
		conns:    make(map[net.Conn]struct{}),
		log:      slog.Default().With("component", "relay"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start opens the listening socket and accepts connections until ctx
// is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", l.addr, err)
	}
	if l.tlsConfig != nil {
		ln = tls.NewListener(ln, l.tlsConfig)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.log.Info("listening", "address", ln.Addr().String(), "tls", l.tlsConfig != nil)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				l.log.Warn("temporary accept error", "error", err)
				continue
			}
			return fmt.Errorf("relay: accept: %w", err)
		}

		if l.metrics != nil {
			l.metrics.Connections.Inc()
		}

		tracked := l.track(conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(tracked)
		}()
	}

	l.wg.Wait()
	return nil
}

// Stop closes the listening socket (refusing new connections), then
// closes every tracked connection so in-flight prefaces and bound
// pairs unwind promptly rather than draining on their own schedule.
func (l *Listener) Stop(_ context.Context) error {
	l.log.Info("shutting down")
	l.mu.Lock()
	ln := l.ln
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// track registers conn in the listener's live-connection set and
// wraps it so that whichever path eventually closes it (a rejection,
// a couloir teardown, the end of a splice) also deregisters it.
func (l *Listener) track(conn net.Conn) net.Conn {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
	return &trackedConn{Conn: conn, l: l}
}

type trackedConn struct {
	net.Conn
	l    *Listener
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.l.mu.Lock()
		delete(c.l.conns, c.Conn)
		c.l.mu.Unlock()
	})
	return c.Conn.Close()
}

// handle classifies a single accepted connection and dispatches it
// down the control or client path.
func (l *Listener) handle(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	r := bufio.NewReader(conn)

	line, err := readCappedLine(r, maxPrefaceBytes)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			writeTimeout(conn)
			conn.Close()
			return
		}
		if line == "" && err != ErrPrefaceTooLarge {
			// EARLY_SOCKET_CLOSED: benign, not logged as error.
			conn.Close()
			return
		}
		l.reject(conn)
		return
	}

	if classifyLine(line) {
		conn.SetReadDeadline(time.Time{})
		l.handleControl(conn, r, line)
		return
	}

	if !looksLikeHTTPRequestLine(line) {
		l.reject(conn)
		return
	}

	head, err := readHTTPHead(line, r)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			writeTimeout(conn)
			conn.Close()
			return
		}
		l.reject(conn)
		return
	}
	conn.SetReadDeadline(time.Time{})
	l.handleClient(conn, r, head)
}

func (l *Listener) reject(conn net.Conn) {
	if l.metrics != nil {
		l.metrics.Classified400.Inc()
	}
	writeBadRequest(conn)
	conn.Close()
}

// handleClient dispatches a classified HTTP client connection: the
// relay domain itself gets the informational page, an unrecognized
// host gets 404, and a known host is enqueued for pairing.
func (l *Listener) handleClient(conn net.Conn, r *bufio.Reader, head httpHead) {
	socket := NewSocket(conn, r)
	socket.role = RoleClient
	socket.preface = head.raw

	if head.host == l.registry.Domain() {
		writeRelayDomainHint(conn, l.registry.Domain())
		conn.Close()
		return
	}

	c, err := l.registry.RouteClient(head.host)
	if err != nil {
		writeNotFound(conn, head.host)
		conn.Close()
		return
	}

	exposer, client, paired := l.registry.AddClient(c, socket)
	if paired {
		l.pairAndSplice(c, exposer, client)
	}
}

// handleControl dispatches a classified control message
// (OPEN_COULOIR or JOIN_COULOIR) to the registry and replies with the
// matching ACK.
func (l *Listener) handleControl(conn net.Conn, r *bufio.Reader, firstLine string) {
	msg, err := control.ParseMessage(firstLine)
	if err != nil {
		l.reject(conn)
		return
	}

	socket := NewSocket(conn, r)
	socket.role = RoleExposer

	switch msg.Tag {
	case control.TagOpenCouloir:
		l.handleOpen(conn, socket, msg)
	case control.TagJoinCouloir:
		l.handleJoin(conn, socket, msg)
	default:
		// STREAM and ACK are never sent by an exposer as the first
		// line of a new connection.
		l.reject(conn)
	}
}

func (l *Listener) handleOpen(conn net.Conn, socket *Socket, msg control.Message) {
	var req control.OpenRequest
	if err := control.Unmarshal(msg, &req); err != nil {
		l.reject(conn)
		return
	}

	c, err := l.registry.Open(req.Host, req.Password)
	if err != nil {
		control.WriteMessage(conn, control.TagAck, control.OpenResponse{Error: err.Error()}, msg.ID)
		conn.Close()
		return
	}

	if err := control.WriteMessage(conn, control.TagAck, control.OpenResponse{Host: c.Host, Key: c.Key}, msg.ID); err != nil {
		conn.Close()
		return
	}

	if l.onCouloirOpened != nil {
		go l.onCouloirOpened(c.Host)
	}

	l.enqueueExposer(c, socket)
}

func (l *Listener) handleJoin(conn net.Conn, socket *Socket, msg control.Message) {
	var req control.JoinRequest
	if err := control.Unmarshal(msg, &req); err != nil {
		l.reject(conn)
		return
	}

	c, err := l.registry.Join(req.Key)
	if err != nil {
		control.WriteMessage(conn, control.TagAck, control.JoinResponse{Error: err.Error()}, msg.ID)
		conn.Close()
		return
	}

	// Reply before enqueuing the socket, so the ACK is never reordered
	// behind a STREAM the pairing engine might send moments later.
	if err := control.WriteMessage(conn, control.TagAck, control.JoinResponse{}, msg.ID); err != nil {
		conn.Close()
		return
	}

	l.enqueueExposer(c, socket)
}

// enqueueExposer arms the idle-disconnect watcher and hands the
// socket to the registry. The watcher starts before the socket is
// enqueued: pairing may claim the socket the instant it becomes
// visible, and the handoff in pairAndSplice relies on the watch
// channels already existing.
func (l *Listener) enqueueExposer(c *couloir.Couloir, socket *Socket) {
	socket.armIdleWatch()
	go l.watchIdleExposer(c, socket)

	exposer, client, paired := l.registry.AddExposer(c, socket)
	if paired {
		l.pairAndSplice(c, exposer, client)
	}
}

// pairAndSplice runs the pairing engine's per-pair sequence: signal
// STREAM to the exposer, replay the client's buffered preface, splice
// both directions, then release the pair back to the registry so an
// emptied couloir can be torn down.
func (l *Listener) pairAndSplice(c *couloir.Couloir, exposer, client couloir.Socket) {
	if l.metrics != nil {
		l.metrics.BoundPairs.Inc()
	}

	go func() {
		defer func() {
			l.registry.EndPair(c)
			if l.metrics != nil {
				l.metrics.BoundPairs.Dec()
			}
		}()

		// The exposer may still have an idle-disconnect watcher reading
		// it. Stop it before STREAM goes out: the moment the exposer
		// sees STREAM it may start sending response bytes, and the
		// watcher must not be racing to consume them.
		stopIdleWatchAndWait(exposer)

		if err := control.WriteMessage(exposer, control.TagStream, control.StreamPayload{}, uuid.NewString()); err != nil {
			exposer.Close()
			client.Close()
			return
		}

		if preface := client.Preface(); len(preface) > 0 {
			if _, err := exposer.Write(preface); err != nil {
				exposer.Close()
				client.Close()
				return
			}
		}

		Splice(exposer, client)
	}()
}
