package relay

import (
	"bufio"
	"bytes"
	"errors"
	"strings"

	"github.com/couloir/couloir/internal/control"
)

// maxPrefaceBytes bounds how much of a connection's preface (control
// line, or HTTP request head) the relay will buffer before giving up.
// It guards against a slowloris-style peer that trickles bytes
// forever without ever completing a recognizable preface.
const maxPrefaceBytes = 64 * 1024

// ErrPrefaceTooLarge is returned when a connection's preface exceeds
// maxPrefaceBytes without resolving to a known control tag or a
// complete HTTP request head.
var ErrPrefaceTooLarge = errors.New("relay: preface exceeds size limit")

// readCappedLine reads a single CRLF- or LF-terminated line from r
// with the terminator stripped, refusing to buffer more than limit
// bytes of a line that never terminates. On a read error, whatever
// partial line arrived is returned alongside the error, so callers
// can tell an empty connection from one that died mid-preface.
func readCappedLine(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		frag, err := r.ReadSlice('\n')
		buf = append(buf, frag...)
		if len(buf) > limit {
			return "", ErrPrefaceTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		line := strings.TrimRight(string(buf), "\r\n")
		return line, err
	}
}

// classifyLine reports whether line's first whitespace-delimited token
// is a known control tag.
func classifyLine(line string) bool {
	tag := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		tag = line[:i]
	}
	return control.IsKnownTag(tag)
}

// looksLikeHTTPRequestLine does a cheap sanity check on a candidate
// HTTP request line: METHOD SP target SP HTTP/x.y. It does not fully
// validate the grammar; it only needs to reject garbage that isn't a
// control tag either.
func looksLikeHTTPRequestLine(line string) bool {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return false
	}
	return strings.HasPrefix(parts[2], "HTTP/")
}

// httpHead is the parsed result of reading a client's request head.
type httpHead struct {
	raw  []byte
	host string
}

// readHTTPHead reads header lines from r until a blank line, starting
// with firstLine (the request line already read by the caller while
// classifying). It returns the bytes of the head (request line plus
// every header line, each re-emitted with a CRLF terminator, so an
// LF-only head comes back with CRLFs) and the value of the Host
// header, port stripped.
func readHTTPHead(firstLine string, r *bufio.Reader) (httpHead, error) {
	var buf bytes.Buffer
	buf.WriteString(firstLine)
	buf.WriteString("\r\n")

	var host string
	for {
		line, err := readCappedLine(r, maxPrefaceBytes-buf.Len())
		if err != nil {
			return httpHead{}, err
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")

		if line == "" {
			break
		}
		if h, ok := parseHostHeader(line); ok {
			host = h
		}
	}

	return httpHead{raw: buf.Bytes(), host: stripPort(host)}, nil
}

// parseHostHeader reports whether line is a "Host:" header and, if
// so, returns its (untrimmed-of-port) value.
func parseHostHeader(line string) (string, bool) {
	const prefix = "host:"
	if len(line) <= len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(prefix):]), true
}

// stripPort removes a trailing ":port" from an HTTP Host header value.
// IPv6 literals (e.g. "[::1]:8080") keep their brackets intact.
func stripPort(host string) string {
	if host == "" {
		return host
	}
	if strings.HasPrefix(host, "[") {
		if i := strings.LastIndexByte(host, ']'); i >= 0 {
			return host[:i+1]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
