package relay

import (
	"fmt"
	"net"
)

// writeResponse writes a minimal, connection-closing HTTP/1.1 response
// with an HTML body directly to conn. The relay never keeps a client
// connection alive past one of these; it always closes immediately
// after.
func writeResponse(conn net.Conn, status, statusText, body string) {
	fmt.Fprintf(conn, "HTTP/1.1 %s %s\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, statusText, len(body), body)
}

// writeBadRequest answers a connection whose preface matched neither
// a known control tag nor a plausible HTTP request line.
func writeBadRequest(conn net.Conn) {
	writeResponse(conn, "400", "Bad Request", "<html><body><h1>400 Bad Request</h1></body></html>")
}

// writeNotFound answers a client whose Host header names no
// registered couloir (NO_SUCH_COULOIR).
func writeNotFound(conn net.Conn, host string) {
	body := fmt.Sprintf("<html><body><h1>404 Not Found</h1><p>No couloir is open for %s.</p></body></html>", host)
	writeResponse(conn, "404", "Not Found", body)
}

// writeTimeout answers a connection whose preface never completed
// within the configured header-read timeout.
func writeTimeout(conn net.Conn) {
	writeResponse(conn, "408", "Request Timeout", "<html><body><h1>408 Request Timeout</h1></body></html>")
}

// writeRelayDomainHint answers a client whose Host header names the
// relay's own domain rather than any couloir, with an informational
// page pointing at the expose command.
func writeRelayDomainHint(conn net.Conn, domain string) {
	body := fmt.Sprintf(`<html><body>
<h1>Couloir relay for %s</h1>
<p>This host only relays traffic for open couloirs. To open a new couloir, run:</p>
<pre>couloir expose &lt;local-port&gt; --on %s</pre>
</body></html>`, domain, domain)
	writeResponse(conn, "200", "OK", body)
}
