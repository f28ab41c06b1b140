package session

import "time"

// TimeProvider abstracts time access for deterministic heartbeat tests.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

var defaultTimeProvider TimeProvider = realTimeProvider{}
