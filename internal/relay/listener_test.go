package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/couloir/couloir/internal/control"
	"github.com/couloir/couloir/internal/couloir"
)

// startListener starts a relay Listener on an ephemeral loopback port
// and returns its address along with a cleanup func.
func startListener(t *testing.T, reg *couloir.Registry) string {
	t.Helper()

	l := New("127.0.0.1:0", reg)
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.addr = ln.Addr().String()
	ln.Close()

	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	addr := waitForAddr(t, l)

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("listener did not stop")
		}
	})

	return addr
}

func waitForAddr(t *testing.T, l *Listener) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		ln := l.ln
		l.mu.Unlock()
		if ln != nil {
			return ln.Addr().String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener never bound")
	return ""
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

// TestScenarioDefaultNameAssignment: successive OPEN_COULOIR requests
// with no host get couloir.<domain>, couloir2.<domain>, ...
func TestScenarioDefaultNameAssignment(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	addr := startListener(t, reg)

	c1 := dial(t, addr)
	defer c1.Close()
	control.WriteMessage(c1, control.TagOpenCouloir, control.OpenRequest{}, "1")
	ack1 := readAck(t, c1)
	if ack1.Host != "couloir.my.test" {
		t.Fatalf("first host = %q, want couloir.my.test", ack1.Host)
	}
	if len(ack1.Key) != 48 {
		t.Fatalf("key len = %d, want 48", len(ack1.Key))
	}

	c2 := dial(t, addr)
	defer c2.Close()
	control.WriteMessage(c2, control.TagOpenCouloir, control.OpenRequest{}, "1")
	ack2 := readAck(t, c2)
	if ack2.Host != "couloir2.my.test" {
		t.Fatalf("second host = %q, want couloir2.my.test", ack2.Host)
	}
}

// TestScenarioRoundTripRequest: a joined exposer relays a client's
// request bytes verbatim and the exposer's response reaches the
// client verbatim.
func TestScenarioRoundTripRequest(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	addr := startListener(t, reg)

	exposer := dial(t, addr)
	defer exposer.Close()
	control.WriteMessage(exposer, control.TagOpenCouloir, control.OpenRequest{}, "1")
	ack := readAck(t, exposer)
	if ack.Error != "" {
		t.Fatalf("open error: %s", ack.Error)
	}

	client := dial(t, addr)
	defer client.Close()
	const req = "GET / HTTP/1.1\r\nHost: " + "couloir.my.test" + "\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	// Exposer must first see STREAM, then the client's request bytes.
	er := bufio.NewReader(exposer)
	streamMsg, err := control.ReadMessage(er)
	if err != nil {
		t.Fatalf("exposer read STREAM: %v", err)
	}
	if streamMsg.Tag != control.TagStream {
		t.Fatalf("tag = %q, want STREAM", streamMsg.Tag)
	}

	gotReq := make([]byte, len(req))
	if _, err := io.ReadFull(er, gotReq); err != nil {
		t.Fatalf("exposer read request: %v", err)
	}
	if string(gotReq) != req {
		t.Fatalf("exposer got %q, want %q", gotReq, req)
	}

	const resp = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
	if _, err := exposer.Write([]byte(resp)); err != nil {
		t.Fatalf("exposer write response: %v", err)
	}

	// Close the exposer side so the splice unwinds and the client
	// observes EOF after the full response.
	exposer.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	gotResp, _ := io.ReadAll(client)
	if string(gotResp) != resp {
		t.Fatalf("client got %q, want %q", gotResp, resp)
	}
}

// TestPrefaceFidelityAcrossChunkBoundaries verifies that a client
// whose first bytes arrive in arbitrarily small TCP chunks still has
// its request head replayed to the exposer byte-for-byte, followed by
// any subsequent bytes, with no loss or reordering.
func TestPrefaceFidelityAcrossChunkBoundaries(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	addr := startListener(t, reg)

	exposer := dial(t, addr)
	defer exposer.Close()
	control.WriteMessage(exposer, control.TagOpenCouloir, control.OpenRequest{}, "1")
	if ack := readAck(t, exposer); ack.Error != "" {
		t.Fatalf("open error: %s", ack.Error)
	}

	client := dial(t, addr)
	defer client.Close()

	const head = "POST /upload HTTP/1.1\r\nHost: couloir.my.test\r\nContent-Length: 4\r\n\r\n"
	const body = "data"
	for _, b := range []byte(head) {
		if _, err := client.Write([]byte{b}); err != nil {
			t.Fatalf("client write: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := client.Write([]byte(body)); err != nil {
		t.Fatalf("client write body: %v", err)
	}

	er := bufio.NewReader(exposer)
	msg, err := control.ReadMessage(er)
	if err != nil || msg.Tag != control.TagStream {
		t.Fatalf("expected STREAM, got %v (err %v)", msg.Tag, err)
	}

	got := make([]byte, len(head)+len(body))
	exposer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(er, got); err != nil {
		t.Fatalf("exposer read: %v", err)
	}
	if string(got) != head+body {
		t.Fatalf("exposer got %q, want %q", got, head+body)
	}
}

// TestScenarioDuplicateOpenRejected: opening an already-open host is
// refused with the taken-host error.
func TestScenarioDuplicateOpenRejected(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	addr := startListener(t, reg)

	c1 := dial(t, addr)
	defer c1.Close()
	control.WriteMessage(c1, control.TagOpenCouloir, control.OpenRequest{Host: "x.my.test"}, "1")
	if ack := readAck(t, c1); ack.Error != "" {
		t.Fatalf("first open failed: %s", ack.Error)
	}

	c2 := dial(t, addr)
	defer c2.Close()
	control.WriteMessage(c2, control.TagOpenCouloir, control.OpenRequest{Host: "x.my.test"}, "1")
	ack := readAck(t, c2)
	if ack.Error != "Couloir host x.my.test is already opened" {
		t.Fatalf("error = %q, unexpected", ack.Error)
	}
}

// TestScenarioUnknownHost404: a client naming a host with no couloir
// gets a 404 and the connection is closed.
func TestScenarioUnknownHost404(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	addr := startListener(t, reg)

	client := dial(t, addr)
	defer client.Close()
	fmt.Fprintf(client, "GET / HTTP/1.1\r\nHost: missing.my.test\r\n\r\n")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, _ := io.ReadAll(client)
	if !strings.HasPrefix(string(resp), "HTTP/1.1 404") {
		t.Fatalf("response = %q, want 404 prefix", resp)
	}
}

// TestScenarioRelayDomainHint: a client naming the relay domain
// itself gets the informational page.
func TestScenarioRelayDomainHint(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	addr := startListener(t, reg)

	client := dial(t, addr)
	defer client.Close()
	fmt.Fprintf(client, "GET / HTTP/1.1\r\nHost: my.test\r\n\r\n")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, _ := io.ReadAll(client)
	if !strings.Contains(string(resp), "To open a new couloir") {
		t.Fatalf("response missing hint: %q", resp)
	}
}

// TestScenarioExposerChurn: the couloir disappears once its only
// exposer disconnects with nothing pending.
func TestScenarioExposerChurn(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	addr := startListener(t, reg)

	exposer := dial(t, addr)
	control.WriteMessage(exposer, control.TagOpenCouloir, control.OpenRequest{Host: "x.my.test"}, "1")
	if ack := readAck(t, exposer); ack.Error != "" {
		t.Fatalf("open failed: %s", ack.Error)
	}
	exposer.Close()

	// The idle-exposer watcher notices the disconnect on its next
	// probing read and tears the now-empty couloir down.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := reg.RouteClient("x.my.test"); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("couloir still registered after its only exposer disconnected")
}

// TestScenarioInvalidProtocol: a preface that is neither a control
// tag nor HTTP gets a 400 and the connection is closed.
func TestScenarioInvalidProtocol(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	addr := startListener(t, reg)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "GARBAGE\r\n")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, _ := io.ReadAll(conn)
	if !strings.HasPrefix(string(resp), "HTTP/1.1 400") {
		t.Fatalf("response = %q, want 400 prefix", resp)
	}
}

func readAck(t *testing.T, conn net.Conn) control.OpenResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := control.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var resp control.OpenResponse
	if err := control.Unmarshal(msg, &resp); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return resp
}
