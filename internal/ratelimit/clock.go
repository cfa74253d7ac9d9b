package ratelimit

import "time"

// Clock abstracts time.Now so rate and expiry logic stays deterministic in
// tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
