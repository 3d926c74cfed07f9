// Package couloir implements the registry of open couloirs: the
// process-wide mapping from hostname to couloir and from opaque key
// to hostname, along with the per-couloir queues of idle exposer
// sockets and waiting client sockets that the pairing engine consumes.
//
// All mutations go through Registry, which serializes them behind a
// single mutex, per the relay's concurrency model: per-socket I/O
// stays concurrent, but deciding who pairs with whom never races.
package couloir

import (
	"net"
	"time"
)

// Socket is the minimal surface a relay connection must expose to
// take part in a couloir. It is satisfied by *relay.Socket; defining
// it here (rather than importing the relay package) keeps the
// registry free of relay-layer concerns such as preface parsing.
type Socket interface {
	net.Conn
	// Preface returns any bytes already read from the connection
	// before it was classified and routed, so they can be replayed
	// to the paired peer without loss.
	Preface() []byte
}

// Couloir is a single named tunnel: one hostname under the relay's
// wildcard domain, plus the exposer sockets currently idle for it and
// the client sockets currently waiting for one.
type Couloir struct {
	Host      string
	Key       string
	CreatedAt time.Time

	// exposerSockets and pendingClients are FIFO queues. A socket
	// appears in at most one of the two at any time (checked by the
	// registry, not enforced by the type itself).
	exposerSockets []Socket
	pendingClients []Socket

	// boundPairs counts client/exposer pairs currently being
	// spliced. The couloir is only eligible for teardown once this
	// reaches zero alongside both queues being empty.
	boundPairs int
}

// idleExposers reports the number of exposer sockets currently
// waiting to be paired.
func (c *Couloir) idleExposers() int {
	return len(c.exposerSockets)
}

// waitingClients reports the number of client sockets currently
// waiting to be paired.
func (c *Couloir) waitingClients() int {
	return len(c.pendingClients)
}

// popExposer removes and returns the oldest idle exposer socket, if
// any.
func (c *Couloir) popExposer() (Socket, bool) {
	if len(c.exposerSockets) == 0 {
		return nil, false
	}
	s := c.exposerSockets[0]
	c.exposerSockets = c.exposerSockets[1:]
	return s, true
}

// popClient removes and returns the oldest waiting client socket, if
// any.
func (c *Couloir) popClient() (Socket, bool) {
	if len(c.pendingClients) == 0 {
		return nil, false
	}
	s := c.pendingClients[0]
	c.pendingClients = c.pendingClients[1:]
	return s, true
}
