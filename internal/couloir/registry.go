package couloir

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Registry is the process-wide table of open couloirs. It owns
// byHost, byKey, the default-name counter, and every couloir's idle
// exposer / pending client queues, and serializes all mutations behind
// a single mutex: pairing
// decisions are made inside the critical section, the subsequent byte
// splicing happens outside it.
type Registry struct {
	domain   string
	password string

	mu        sync.Mutex
	byHost    map[string]*Couloir
	byKey     map[string]string
	autoNames uint64
}

// New returns a Registry for the given wildcard relay domain (e.g.
// "my.test"). If password is non-empty, OPEN_COULOIR requests must
// present it; JOIN_COULOIR is authorized by the couloir key instead.
func New(domain, password string) *Registry {
	return &Registry{
		domain:   domain,
		password: password,
		byHost:   make(map[string]*Couloir),
		byKey:    make(map[string]string),
	}
}

// Domain returns the relay's wildcard domain.
func (r *Registry) Domain() string {
	return r.domain
}

var customHostPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Open creates a new couloir, as driven by an OPEN_COULOIR request.
// If host is empty, a default name is synthesized
// ("couloir.<domain>", then "couloir2.<domain>", ...), monotonically
// increasing and never reused for the lifetime of the Registry. A host
// that does not end with ".<domain>" (a bare label included) is
// treated like an empty one and gets a default name; a host that does
// end with ".<domain>" must have a label matching ^[a-z0-9-]+$.
func (r *Registry) Open(host, password string) (*Couloir, error) {
	if !r.checkPassword(password) {
		return nil, ErrAuthFailed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resolved, err := r.resolveRequestedHost(host)
	if err != nil {
		return nil, err
	}

	if _, exists := r.byHost[resolved]; exists {
		return nil, &ErrHostTaken{Host: resolved}
	}

	key, err := newKey()
	if err != nil {
		return nil, fmt.Errorf("couloir: generate key: %w", err)
	}

	c := &Couloir{Host: resolved, Key: key, CreatedAt: time.Now()}
	r.byHost[resolved] = c
	r.byKey[key] = resolved

	return c, nil
}

// resolveRequestedHost resolves an OPEN_COULOIR host request: a host
// that is absent, or that does not end with ".<domain>", causes a
// default name to be synthesized rather than rejected. Only a host
// that does carry the domain suffix is validated against the custom
// name pattern and can fail with ErrInvalidHost.
// Must be called with mu held.
func (r *Registry) resolveRequestedHost(host string) (string, error) {
	suffix := "." + r.domain
	if host == "" || len(host) <= len(suffix) || host[len(host)-len(suffix):] != suffix {
		return r.nextAutoHostLocked(), nil
	}

	label := host[:len(host)-len(suffix)]
	if !customHostPattern.MatchString(label) {
		return "", &ErrInvalidHost{Host: host}
	}
	return host, nil
}

// nextAutoHostLocked synthesizes the next default couloir name. It
// skips over any name that happens to already be taken by an
// explicitly-named couloir, so the counter only ever moves forward.
// Must be called with mu held.
func (r *Registry) nextAutoHostLocked() string {
	for {
		r.autoNames++
		name := "couloir"
		if r.autoNames > 1 {
			name = fmt.Sprintf("couloir%d", r.autoNames)
		}
		host := name + "." + r.domain
		if _, taken := r.byHost[host]; !taken {
			return host
		}
	}
}

// Join resolves a JOIN_COULOIR key to its couloir. Unlike Open, Join
// carries no password: possession of the key (only ever learned from
// a successful, already-authenticated Open) is itself the
// authorization.
func (r *Registry) Join(key string) (*Couloir, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.byKey[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	c, ok := r.byHost[host]
	if !ok {
		// byKey and byHost are kept in lockstep by this type; this
		// branch should be unreachable.
		return nil, ErrUnknownKey
	}
	return c, nil
}

// RouteClient resolves a client's (port-stripped) Host header to its
// couloir.
func (r *Registry) RouteClient(host string) (*Couloir, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byHost[host]
	if !ok {
		return nil, &ErrNoSuchCouloir{Host: host}
	}
	return c, nil
}

// AddExposer enqueues a newly joined exposer socket on the couloir's
// idle set and returns a pair ready to be spliced immediately, if a
// client was already waiting.
func (r *Registry) AddExposer(c *Couloir, s Socket) (exposer, client Socket, paired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.exposerSockets = append(c.exposerSockets, s)
	return r.pairLocked(c)
}

// AddClient enqueues a client socket waiting for this couloir's next
// idle exposer, returning a pair ready to be spliced immediately if
// one is already idle.
func (r *Registry) AddClient(c *Couloir, s Socket) (exposer, client Socket, paired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.pendingClients = append(c.pendingClients, s)
	return r.pairLocked(c)
}

// pairLocked pops one idle exposer and one waiting client, if both
// are available, and records the pair as bound so the couloir is not
// torn down while it is active. Must be called with mu held.
func (r *Registry) pairLocked(c *Couloir) (exposer, client Socket, paired bool) {
	if c.idleExposers() == 0 || c.waitingClients() == 0 {
		return nil, nil, false
	}
	e, _ := c.popExposer()
	cl, _ := c.popClient()
	c.boundPairs++
	return e, cl, true
}

// EndPair marks one previously-bound pair on c as finished (both
// sides closed) and tears the couloir down if it is now empty.
func (r *Registry) EndPair(c *Couloir) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.boundPairs--
	r.teardownLocked(c)
}

// RemoveExposer evicts s from c's idle set (it disconnected before
// being paired) and tears the couloir down if it is now empty. It is
// a no-op if s is not present (e.g. it was already paired).
func (r *Registry) RemoveExposer(c *Couloir, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.exposerSockets = removeSocket(c.exposerSockets, s)
	r.teardownLocked(c)
}

// RemoveClient evicts s from c's pending-client queue (it
// disconnected before being paired).
func (r *Registry) RemoveClient(c *Couloir, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.pendingClients = removeSocket(c.pendingClients, s)
	r.teardownLocked(c)
}

// teardownLocked deletes c from the registry once it has no idle
// exposers, no pending clients, and no bound pairs. Must be called
// with mu held.
func (r *Registry) teardownLocked(c *Couloir) {
	if c.idleExposers() > 0 || c.waitingClients() > 0 || c.boundPairs > 0 {
		return
	}
	delete(r.byHost, c.Host)
	delete(r.byKey, c.Key)
}

// Stats reports the number of open couloirs and the total number of
// idle exposer sockets across them, for metrics.
func (r *Registry) Stats() (couloirs, idleExposers int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.byHost {
		idleExposers += c.idleExposers()
	}
	return len(r.byHost), idleExposers
}

func (r *Registry) checkPassword(given string) bool {
	if r.password == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(r.password)) == 1
}

func removeSocket(sockets []Socket, target Socket) []Socket {
	for i, s := range sockets {
		if s == target {
			return append(sockets[:i], sockets[i+1:]...)
		}
	}
	return sockets
}

func newKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
