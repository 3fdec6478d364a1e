package realtime

import "time"

// Client reconnection contract. The UI drives reconnection itself: on an
// unexpected close it retries with exponential backoff and, once connected,
// re-issues subscribe for every session it cares about, relying on the
// snapshot-on-subscribe guarantee instead of event replay.

// ReconnectState models the client-side connection lifecycle
type ReconnectState string

const (
	StateDisconnected ReconnectState = "disconnected"
	StateConnecting   ReconnectState = "connecting"
	StateConnected    ReconnectState = "connected"
	StateSubscribing  ReconnectState = "subscribing"
)

const (
	// MaxReconnectAttempts bounds client retries before giving up
	MaxReconnectAttempts = 10

	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// ReconnectBackoff returns the delay before the given retry attempt
// (0-based): base*2^attempt capped at the max. Pure function of the attempt
// number so any client runtime can implement the same schedule.
func ReconnectBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := reconnectBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return delay
}
