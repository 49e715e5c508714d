package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for the device API. Callers discriminate with errors.Is.
var (
	// ErrAuth means the device rejected the configured credentials (HTTP 401).
	// Never retried and never served from cache; the owning process must
	// trigger re-authentication.
	ErrAuth = errors.New("authentication required")

	// ErrRateLimited means the device throttled us (HTTP 429), typically
	// after repeated failed auth attempts. Handled like ErrAuth: no retry,
	// no cache.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnreachable covers connection and timeout failures.
	ErrUnreachable = errors.New("device unreachable")

	// ErrProtocol covers unexpected status codes and undecodable bodies.
	ErrProtocol = errors.New("protocol error")

	// ErrNotLocalMode means a control action was rejected before any network
	// call because the device is not in local control mode.
	ErrNotLocalMode = errors.New("device is not in local mode")
)

// CommandError reports a console command the device accepted over HTTP but
// failed to execute, with the output lines it printed before the error code.
type CommandError struct {
	Command string
	Output  string
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command %q failed", e.Command)
	}
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Output)
}
