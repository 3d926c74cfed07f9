package relay

import (
	"net"
	"time"

	"github.com/couloir/couloir/internal/couloir"
)

// idleWatchPoll bounds how long the idle-exposer watcher's probing
// Read blocks before checking whether the pairing engine wants it to
// stop. It trades a small amount of CPU for a bounded handoff latency
// when pairing claims the socket.
const idleWatchPoll = 1 * time.Second

// watchIdleExposer detects an idle exposer socket disconnecting
// before it is ever paired: the protocol guarantees an exposer sends
// nothing while idle, so any read error other than a timeout means
// the peer is gone. Once registry.RemoveExposer is called, the
// couloir's teardown check runs as a side effect.
//
// The socket's watch channels must be armed (armIdleWatch) before the
// socket is ever visible to the pairing engine, and the watcher must
// be stopped via stopIdleWatchAndWait before the socket is used for
// anything else (splicing).
func (l *Listener) watchIdleExposer(c *couloir.Couloir, s *Socket) {
	defer close(s.idleWatchDone)

	buf := make([]byte, 1)
	for {
		select {
		case <-s.stopIdleWatch:
			return
		default:
		}

		s.SetReadDeadline(time.Now().Add(idleWatchPoll))
		_, err := s.Read(buf)
		if err == nil {
			// An idle exposer must never send bytes unsolicited; this
			// is a protocol violation, not a disconnect.
			l.registry.RemoveExposer(c, s)
			s.Close()
			return
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		l.registry.RemoveExposer(c, s)
		s.Close()
		return
	}
}

// stopIdleWatchAndWait signals s's idle watcher (if any) to stop,
// interrupts its in-flight read by expiring the read deadline, and
// blocks until it has fully returned, so no goroutine is left racing
// to read the socket once splicing begins.
func stopIdleWatchAndWait(s couloir.Socket) {
	rs, ok := s.(*Socket)
	if !ok || rs.stopIdleWatch == nil {
		return
	}
	close(rs.stopIdleWatch)
	rs.SetReadDeadline(time.Now())
	<-rs.idleWatchDone
	rs.SetReadDeadline(time.Time{})
}
