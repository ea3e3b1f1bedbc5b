package training

import "sync/atomic"

// StopSignal is a set-once cancellation flag shared between the caller that
// requests a stop and the worker polling it. It is never cleared; each run
// gets a fresh signal.
type StopSignal struct {
	set atomic.Bool
}

// NewStopSignal returns an unset signal.
func NewStopSignal() *StopSignal {
	return &StopSignal{}
}

// Set requests a stop. Repeated calls have no further effect.
func (s *StopSignal) Set() {
	s.set.Store(true)
}

// IsSet reports whether a stop was requested. A nil signal is never set.
func (s *StopSignal) IsSet() bool {
	return s != nil && s.set.Load()
}
