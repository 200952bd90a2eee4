// Package wakeup detects a backend that stopped responding (typically a cold
// start of on-demand infrastructure) and polls its health endpoint until it
// recovers.
package wakeup

import (
	"fmt"
	"time"
)

// Phase is the coarse position of the poller's state machine.
type Phase int

const (
	Idle Phase = iota
	Checking
	Waking
	Ready
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Checking:
		return "checking"
	case Waking:
		return "waking"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the process-wide wakeup state. Elapsed is only meaningful while
// Phase is Waking.
type State struct {
	Phase   Phase
	Elapsed time.Duration
}

func (s State) String() string {
	if s.Phase == Waking {
		return fmt.Sprintf("waking(%s)", s.Elapsed.Round(time.Millisecond))
	}
	return s.Phase.String()
}

// Busy reports whether a health check or poll loop is running.
func (s State) Busy() bool {
	return s.Phase == Checking || s.Phase == Waking
}
