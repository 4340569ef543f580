package registry

import (
	"time"

	"yqhp/cluster-registry/pkg/types"
)

// connectionTracker folds ping results into connection state transitions.
type connectionTracker struct {
	timeout time.Duration
	state   types.ConnectionState
	lostAt  time.Time
}

// observe returns the state to publish for one ping result, if it changed.
// DISCONNECTED is terminal.
func (t *connectionTracker) observe(err error, now time.Time) (types.ConnectionState, bool) {
	switch {
	case t.state == types.ConnectionStateDisconnected:
		return "", false
	case err == nil && t.state == "":
		return t.set(types.ConnectionStateConnected)
	case err == nil && t.state == types.ConnectionStateSuspended:
		t.lostAt = time.Time{}
		return t.set(types.ConnectionStateReconnected)
	case err == nil:
		t.lostAt = time.Time{}
		return "", false
	case t.state == types.ConnectionStateConnected || t.state == types.ConnectionStateReconnected:
		t.lostAt = now
		return t.set(types.ConnectionStateSuspended)
	}

	// still failing, either suspended or never connected
	if t.lostAt.IsZero() {
		t.lostAt = now
	}
	if now.Sub(t.lostAt) >= t.timeout {
		return t.set(types.ConnectionStateDisconnected)
	}
	return "", false
}

func (t *connectionTracker) set(state types.ConnectionState) (types.ConnectionState, bool) {
	t.state = state
	return state, true
}
