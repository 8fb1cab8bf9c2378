package queue

import "time"

// Backoff is an exponential retry schedule: Base * 2^retry, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute}
}

// Delay returns the wait before retry number retry (0 for the first retry).
func (b Backoff) Delay(retry int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if retry < 0 {
		retry = 0
	}
	// 2^30 seconds is far beyond any sane cap; stop shifting before overflow.
	if retry > 30 {
		retry = 30
	}
	d := base * time.Duration(1<<retry)
	if b.Max > 0 && (d <= 0 || d > b.Max) {
		return b.Max
	}
	return d
}
