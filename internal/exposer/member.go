package exposer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/couloir/couloir/internal/control"
	"github.com/couloir/couloir/internal/relay"
)

// ackTimeout bounds how long a member waits for the relay's ACK to
// OPEN_COULOIR or JOIN_COULOIR before treating the attempt as failed.
const ackTimeout = 30 * time.Second

// protocolError wraps an {"error": "..."} ACK payload from the relay.
// It is fatal to the pool: the message is surfaced and the process
// exits non-zero, never retried.
type protocolError struct {
	message string
}

func (e *protocolError) Error() string { return e.message }

// member drives a single relay connection from OPEN/JOIN through
// STREAM to the spliced proxy, and back.
type member struct {
	conn net.Conn
	r    *bufio.Reader
	cfg  *Config
	log  *slog.Logger
}

// open sends OPEN_COULOIR and returns the assigned host and key.
func (m *member) open() (host, key string, err error) {
	m.r = bufio.NewReader(m.conn)

	id := uuid.NewString()
	if err := control.WriteMessage(m.conn, control.TagOpenCouloir, control.OpenRequest{
		Host:     m.cfg.RequestedHost,
		Password: m.cfg.Password,
	}, id); err != nil {
		return "", "", fmt.Errorf("exposer: send OPEN_COULOIR: %w", err)
	}

	var resp control.OpenResponse
	if err := m.readAck(&resp); err != nil {
		return "", "", err
	}
	if resp.Error != "" {
		return "", "", &protocolError{message: resp.Error}
	}
	return resp.Host, resp.Key, nil
}

// join sends JOIN_COULOIR for an already-opened couloir's key.
func (m *member) join(key string) error {
	m.r = bufio.NewReader(m.conn)

	id := uuid.NewString()
	if err := control.WriteMessage(m.conn, control.TagJoinCouloir, control.JoinRequest{Key: key}, id); err != nil {
		return fmt.Errorf("exposer: send JOIN_COULOIR: %w", err)
	}

	var resp control.JoinResponse
	if err := m.readAck(&resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return &protocolError{message: resp.Error}
	}
	return nil
}

func (m *member) readAck(v any) error {
	m.conn.SetReadDeadline(time.Now().Add(ackTimeout))
	defer m.conn.SetReadDeadline(time.Time{})

	msg, err := control.ReadMessage(m.r)
	if err != nil {
		return fmt.Errorf("exposer: read ack: %w", err)
	}
	if msg.Tag != control.TagAck {
		return fmt.Errorf("exposer: expected ACK, got %s", msg.Tag)
	}
	return control.Unmarshal(msg, v)
}

// serve waits for STREAM on an idle, joined connection, then becomes
// a bidirectional pipe between the relay and a freshly dialed local
// HTTP server. It returns once the stream (or the wait for it) has
// ended, at which point the caller should refill the pool.
func (m *member) serve(ctx context.Context) {
	// Cancellation unblocks the STREAM wait and any in-flight splice
	// by closing the relay connection out from under them.
	stop := context.AfterFunc(ctx, func() { m.conn.Close() })
	defer stop()

	if err := m.waitForStream(); err != nil {
		m.log.Debug("member ended before STREAM", "error", err)
		m.conn.Close()
		return
	}

	local, err := m.cfg.DialLocal(ctx)
	if err != nil {
		// LOCAL_DIAL_FAILED: forward 502 and keep the pool slot
		// alive: the relay's client sees a clean response instead
		// of a hung connection, and this member's replacement still
		// gets spawned by the caller.
		m.log.Warn("local dial failed", "error", err)
		writeBadGateway(m.conn)
		m.conn.Close()
		return
	}

	if m.cfg.OverrideHost != "" {
		if err := m.forwardWithHostOverride(local); err != nil {
			m.log.Warn("forward request head failed", "error", err)
			local.Close()
			m.conn.Close()
			return
		}
	}

	relay.Splice(local, m.passthrough())
}

// passthrough exposes m's remaining conn (with any bytes the
// bufio.Reader has already buffered past STREAM) as a single
// net.Conn, so relay.Splice's generic pipe can be reused unchanged on
// the exposer side too.
func (m *member) passthrough() net.Conn {
	return &bufferedConn{Conn: m.conn, r: m.r}
}

// waitForStream reads the next control-protocol line and fails unless
// it is STREAM, the only message an idle joined socket will ever
// receive.
func (m *member) waitForStream() error {
	msg, err := control.ReadMessage(m.r)
	if err != nil {
		return err
	}
	if msg.Tag != control.TagStream {
		return fmt.Errorf("exposer: expected STREAM, got %s", msg.Tag)
	}
	return nil
}

// forwardWithHostOverride reads the buffered client request head
// (already sitting in m.r, replayed by the relay before any other
// client bytes) and rewrites its Host header before forwarding it to
// local, so the rest of the raw body/subsequent bytes can still be
// spliced unchanged.
func (m *member) forwardWithHostOverride(local net.Conn) error {
	tp := textproto.NewReader(m.r)

	requestLine, err := tp.ReadLine()
	if err != nil {
		return err
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return err
	}
	header.Set("Host", m.cfg.OverrideHost)

	var b strings.Builder
	b.WriteString(requestLine)
	b.WriteString("\r\n")
	for k, vs := range header {
		for _, v := range vs {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")

	_, err = local.Write([]byte(b.String()))
	return err
}

// bufferedConn adapts a net.Conn whose reads must go through a
// bufio.Reader (to avoid losing bytes buffered ahead of where
// classification/STREAM-handling stopped consuming).
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func writeBadGateway(conn net.Conn) {
	body := "<html><body><h1>502 Bad Gateway</h1></body></html>"
	fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
}
