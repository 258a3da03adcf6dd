package stream

import "time"

// ReconnectPolicy is an exponential backoff bounded by MaxAttempts.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy waits 2s, 4s, 8s, 16s, 30s before giving up.
var DefaultReconnectPolicy = ReconnectPolicy{
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	MaxAttempts: 5,
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultReconnectPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultReconnectPolicy.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultReconnectPolicy.MaxAttempts
	}
	return p
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempts already made leave no retry.
func (p ReconnectPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
