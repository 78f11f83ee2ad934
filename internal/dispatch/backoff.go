package dispatch

import (
	"time"

	"github.com/angelmondragon/hookrelay/pkg/config"
)

const (
	defaultBaseDelay  = 5 * time.Minute
	defaultMaxDelay   = 24 * time.Hour
	defaultFactor     = 3
	defaultMaxRetries = 6
)

// Backoff is a capped exponential retry policy: Base * Factor^retryCount, at most Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor int
}

// BackoffFromConfig fills unset fields with the default 5m * 3^n, 24h cap policy.
func BackoffFromConfig(cfg config.RetryConfig) Backoff {
	b := Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Factor: cfg.Factor}
	if b.Base <= 0 {
		b.Base = defaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = defaultMaxDelay
	}
	if b.Factor < 1 {
		b.Factor = defaultFactor
	}
	return b
}

// Delay returns the wait before the next attempt after retryCount failed
// attempts have already been recorded.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := b.Base
	for i := 0; i < retryCount; i++ {
		if delay >= b.Max || delay > b.Max/time.Duration(b.Factor) {
			return b.Max
		}
		delay *= time.Duration(b.Factor)
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}
