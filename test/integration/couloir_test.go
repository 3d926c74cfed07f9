package integration

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/couloir/couloir/internal/couloir"
	"github.com/couloir/couloir/internal/exposer"
	"github.com/couloir/couloir/internal/relay"
	"github.com/couloir/couloir/internal/transport"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// freePort allocates a free TCP port on 127.0.0.1 and returns it.
// There is a small race between close and reuse, which is acceptable in tests.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// waitForPort polls a TCP address until it accepts connections or the deadline
// is reached.
func waitForPort(t *testing.T, address string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("waitForPort: %s did not become available within %s", address, timeout)
}

// startRelay runs a plain-TCP relay for domain on a free loopback port
// and returns its address.
func startRelay(t *testing.T, reg *couloir.Registry) string {
	t.Helper()

	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	ln := relay.New(addr, reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.Serve(ctx, ln) }()

	waitForPort(t, addr, 5*time.Second)

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("relay did not shut down in time")
		}
	})

	return addr
}

// startLocalServer runs a plain HTTP server on a free loopback port,
// answering every request with body, and returns its address.
func startLocalServer(t *testing.T, body string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("local listen: %v", err)
	}

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	})}
	go srv.Serve(ln)

	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

// startPool runs an exposer pool against relayAddr proxying to
// localAddr and blocks until the couloir is open, returning its
// assigned host.
func startPool(t *testing.T, relayAddr, localAddr, as string, concurrency int) (*exposer.Pool, string) {
	t.Helper()

	pool := exposer.New(exposer.Config{
		DialRelay: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", relayAddr)
		},
		DialLocal: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", localAddr)
		},
		RequestedHost: as,
		Concurrency:   concurrency,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for pool.Host() == "" {
		if time.Now().After(deadline) {
			t.Fatal("pool never opened its couloir")
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not shut down in time")
		}
	})

	return pool, pool.Host()
}

// newTunnelClient returns an http.Client whose every connection is
// dialed to relayAddr regardless of the request URL's host, so a
// request for http://couloir.my.test/ exercises Host-header routing
// the way wildcard DNS would in production. Keep-alives are disabled
// because relay pairs are strictly one-shot.
func newTunnelClient(relayAddr string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, relayAddr)
			},
		},
	}
}

// ---------------------------------------------------------------------------
// End-to-end scenarios
// ---------------------------------------------------------------------------

func TestEndToEndRoundTrip(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	relayAddr := startRelay(t, reg)
	localAddr := startLocalServer(t, "hi")
	_, host := startPool(t, relayAddr, localAddr, "", 3)

	if host != "couloir.my.test" {
		t.Fatalf("assigned host = %q, want couloir.my.test", host)
	}

	client := newTunnelClient(relayAddr)

	// Sequential requests exercise the pool's refill: each request
	// consumes one single-use exposer socket.
	for i := range 5 {
		resp, err := client.Get("http://" + host + "/")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("request %d read body: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK || string(body) != "hi" {
			t.Fatalf("request %d: status %d body %q, want 200 %q", i, resp.StatusCode, body, "hi")
		}
	}
}

func TestEndToEndCustomNameAndUnknownHost(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	relayAddr := startRelay(t, reg)
	localAddr := startLocalServer(t, "ok")
	_, host := startPool(t, relayAddr, localAddr, "myapp.my.test", 1)

	if host != "myapp.my.test" {
		t.Fatalf("assigned host = %q, want myapp.my.test", host)
	}

	client := newTunnelClient(relayAddr)

	resp, err := client.Get("http://missing.my.test/")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEndToEndRelayDomainHint(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	relayAddr := startRelay(t, reg)

	client := newTunnelClient(relayAddr)
	resp, err := client.Get("http://my.test/")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "To open a new couloir") {
		t.Fatalf("hint page missing expected text: %q", body)
	}
}

func TestEndToEndExposerChurnTearsDownCouloir(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "")
	relayAddr := startRelay(t, reg)
	localAddr := startLocalServer(t, "gone")

	ctx, cancel := context.WithCancel(context.Background())
	pool := exposer.New(exposer.Config{
		DialRelay: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", relayAddr)
		},
		DialLocal: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", localAddr)
		},
		RequestedHost: "churn.my.test",
		Concurrency:   2,
	})
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for pool.Host() == "" {
		if time.Now().After(deadline) {
			t.Fatal("pool never opened its couloir")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Kill every pool member. The relay's idle watchers notice the
	// disconnects and tear the empty couloir down.
	cancel()
	<-done

	deadline = time.Now().Add(5 * time.Second)
	for {
		if _, err := reg.RouteClient("churn.my.test"); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("couloir still registered after all exposers disconnected")
		}
		time.Sleep(20 * time.Millisecond)
	}

	client := newTunnelClient(relayAddr)
	resp, err := client.Get("http://churn.my.test/")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 after teardown", resp.StatusCode)
	}
}

func TestEndToEndPasswordEnforced(t *testing.T) {
	t.Parallel()

	reg := couloir.New("my.test", "hunter2")
	relayAddr := startRelay(t, reg)
	localAddr := startLocalServer(t, "secret")

	pool := exposer.New(exposer.Config{
		DialRelay: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", relayAddr)
		},
		DialLocal: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", localAddr)
		},
		Password:    "wrong",
		Concurrency: 1,
	})

	if err := pool.Start(context.Background()); err == nil {
		t.Fatal("pool.Start succeeded with a wrong password")
	}
}
