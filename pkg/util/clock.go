package util

import "time"

// Clock abstracts time so expiry checks are testable.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// FixedClock reports a constant time. Test helper.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.T.Add(d)
	return ch
}

func (c FixedClock) Now() time.Time { return c.T }
