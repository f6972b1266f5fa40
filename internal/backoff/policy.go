// Package backoff holds the retry policy shared by the reconnect loop and
// the renewal scheduler.
package backoff

import (
	"math"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// Policy describes a capped exponential backoff without jitter
type Policy struct {
	// Base is the first non-immediate delay
	Base time.Duration

	// Multiplier grows the delay after every attempt
	Multiplier float64

	// Ceiling caps every delay
	Ceiling time.Duration

	// MaxAttempts bounds the number of delays handed out, 0 means unbounded
	MaxAttempts int

	// Immediate makes the first attempt run without waiting
	Immediate bool
}

// ReconnectPolicy returns the default streaming reconnect policy: 0s, 2s, 10s, 30s, 30s
func ReconnectPolicy() Policy {
	return Policy{
		Base:        2 * time.Second,
		Multiplier:  5,
		Ceiling:     30 * time.Second,
		MaxAttempts: 5,
		Immediate:   true,
	}
}

// SchedulerPolicy returns the default renewal interval policy
func SchedulerPolicy() Policy {
	return Policy{
		Base:       20 * time.Second,
		Multiplier: 3,
		Ceiling:    5 * time.Minute,
	}
}

// Delay returns the delay before attempt n (zero based)
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if p.Immediate {
		if n == 0 {
			return 0
		}
		n--
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Base) * math.Pow(mult, float64(n))
	if p.Ceiling > 0 && d > float64(p.Ceiling) {
		return p.Ceiling
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt n is past MaxAttempts
func (p Policy) Exhausted(n int) bool {
	return p.MaxAttempts > 0 && n >= p.MaxAttempts
}

// BackOff returns a BackOff yielding the same delays as Delay, ending with
// backoff.Stop once MaxAttempts delays have been handed out.
func (p Policy) BackOff() cbackoff.BackOff {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxInterval := p.Ceiling
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}

	var b cbackoff.BackOff = cbackoff.NewExponentialBackOff(
		cbackoff.WithInitialInterval(p.Base),
		cbackoff.WithMultiplier(mult),
		cbackoff.WithMaxInterval(maxInterval),
		cbackoff.WithRandomizationFactor(0),
		cbackoff.WithMaxElapsedTime(0),
	)
	if p.Immediate {
		b = &immediateFirst{next: b}
	}
	if p.MaxAttempts > 0 {
		b = cbackoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	return b
}

// immediateFirst yields a zero delay before delegating
type immediateFirst struct {
	next cbackoff.BackOff
	used bool
}

func (b *immediateFirst) NextBackOff() time.Duration {
	if !b.used {
		b.used = true
		return 0
	}
	return b.next.NextBackOff()
}

func (b *immediateFirst) Reset() {
	b.used = false
	b.next.Reset()
}

// RetryBackOff returns a BackOff for cbackoff.Retry, whose first attempt
// already runs without waiting. The immediate slot of the policy is consumed
// by that first attempt.
func (p Policy) RetryBackOff() cbackoff.BackOff {
	if !p.Immediate {
		return p.BackOff()
	}
	if p.MaxAttempts == 1 {
		return &cbackoff.StopBackOff{}
	}

	q := p
	q.Immediate = false
	if q.MaxAttempts > 0 {
		q.MaxAttempts--
	}
	return q.BackOff()
}
