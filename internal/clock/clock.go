package clock

import "time"

// Clock abstracts wall-clock access so cool-downs, retention and replays
// are deterministic under test.
type Clock interface {
	Now() time.Time
}

// Real returns the system clock in UTC.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a Clock pinned to a settable instant. Test helper.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time {
	return f.T
}

// Advance moves the fixed clock forward.
func (f *Fixed) Advance(d time.Duration) {
	f.T = f.T.Add(d)
}
