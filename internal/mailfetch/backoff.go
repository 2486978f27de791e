package mailfetch

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Randomization float64
}

// withDefaults fills in zero fields.
func (b BackoffConfig) withDefaults() BackoffConfig {
	if b.InitialDelay == 0 {
		b.InitialDelay = 1 * time.Second
	}
	if b.MaxDelay == 0 {
		b.MaxDelay = 30 * time.Second
	}
	if b.Multiplier == 0 {
		b.Multiplier = 2.0
	}
	if b.Randomization == 0 {
		b.Randomization = 0.2 // 20% randomization
	}
	return b
}

// delay calculates the backoff duration for an attempt with jitter.
func (b BackoffConfig) delay(attempt int) time.Duration {
	// Calculate base delay using exponential backoff
	multiplier := math.Pow(b.Multiplier, float64(attempt))
	delay := time.Duration(float64(b.InitialDelay) * multiplier)

	// Apply maximum delay cap
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	// Add randomization/jitter
	jitterRange := float64(delay) * b.Randomization
	jitter := time.Duration(rand.Float64() * jitterRange)
	delay = delay + jitter

	return delay
}
