package relay

import (
	"io"
	"net"
)

// Splice copies bytes bidirectionally between a and b until one
// direction reaches EOF, then closes both sockets so the other
// direction unwinds too. This is the relay's pairing engine's core:
// once an exposer and a client are matched, their streams are never
// parsed again, only forwarded.
//
// Splice blocks until both copy directions have finished.
func Splice(a, b net.Conn) {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		errc <- err
	}()

	<-errc // first direction done: the peer is no longer useful to the other
	a.Close()
	b.Close()
	<-errc // second direction done
}
