package channel

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy bounds reconnect attempts. Delays start at Base and double
// up to Max; MaxAttempts consecutive failures exhaust the budget.
type ReconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy is used for zero fields of a caller's policy.
var DefaultReconnectPolicy = ReconnectPolicy{
	Base:        250 * time.Millisecond,
	Max:         8 * time.Second,
	MaxAttempts: 8,
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Base <= 0 {
		p.Base = DefaultReconnectPolicy.Base
	}
	if p.Max < p.Base {
		p.Max = DefaultReconnectPolicy.Max
		if p.Max < p.Base {
			p.Max = p.Base
		}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultReconnectPolicy.MaxAttempts
	}
	return p
}

// newBackOff builds a deterministic exponential schedule for p.
func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Max
	b.Reset()
	return b
}
