package transfer

import (
	"fmt"

	"socket-transfer/internal/i18n"
)

// PortInUseError reports a bind refused because the port is already taken.
// The message is localized and carries the offending port, matching spec
// §7/§8 scenario S4.
type PortInUseError struct {
	Port int
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("%s%d", i18n.Lookup("port_already_used"), e.Port)
}

// StartFailureError wraps any other listener bind/listen failure.
type StartFailureError struct {
	Err error
}

func (e *StartFailureError) Error() string {
	return fmt.Sprintf("%s: %v", i18n.Lookup("failed_to_start_socket_transfer"), e.Err)
}

func (e *StartFailureError) Unwrap() error { return e.Err }

// UnlistenTimeoutError reports that unlisten did not complete within its
// 500ms budget. Never causes unlisten to panic/return an os-level error -
// it resolves with this value instead.
type UnlistenTimeoutError struct{}

func (e *UnlistenTimeoutError) Error() string { return "unlisten timeout" }

// HeartbeatInvalidError reports setHeartBeat receiving a value below the
// literal threshold (see SPEC_FULL.md Open Question Resolution #1).
type HeartbeatInvalidError struct {
	Value int64
}

func (e *HeartbeatInvalidError) Error() string {
	return fmt.Sprintf("heartbeat entry %d is below the minimum of %d (seconds)", e.Value, minHeartbeatEntry)
}

// minHeartbeatEntry mirrors internal/config's constant of the same name;
// duplicated here (rather than imported) because internal/transfer must not
// depend on internal/config, which depends on nothing transfer-specific and
// is loaded once at process start, before a Supervisor exists.
const minHeartbeatEntry = 5
