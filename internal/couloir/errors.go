package couloir

import "fmt"

// ErrHostTaken indicates that OPEN_COULOIR requested a host that is
// already open on this relay.
type ErrHostTaken struct {
	Host string
}

func (e *ErrHostTaken) Error() string {
	return fmt.Sprintf("Couloir host %s is already opened", e.Host)
}

// ErrInvalidHost indicates that an explicitly requested host does not
// match the relay's naming rules (^[a-z0-9-]+\.<domain>$).
type ErrInvalidHost struct {
	Host string
}

func (e *ErrInvalidHost) Error() string {
	return fmt.Sprintf("invalid couloir host %q", e.Host)
}

// ErrUnknownKey indicates that JOIN_COULOIR presented a key with no
// matching couloir.
var ErrUnknownKey = fmt.Errorf("Invalid couloir key. Please restart your couloir client.")

// ErrNoSuchCouloir indicates that a client's Host header does not
// match any registered couloir.
type ErrNoSuchCouloir struct {
	Host string
}

func (e *ErrNoSuchCouloir) Error() string {
	return fmt.Sprintf("no such couloir: %s", e.Host)
}

// ErrAuthFailed indicates that OPEN_COULOIR carried a password that
// does not match the relay's configured password.
var ErrAuthFailed = fmt.Errorf("invalid password")
