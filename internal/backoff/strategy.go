package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before retry number attempt+1.
type Strategy interface {
	Calculate(attempt int, base, maxDelay time.Duration, multiplier, jitter float64) time.Duration
}

// LinearStrategy waits base×(attempt+1). Multiplier is ignored.
type LinearStrategy struct{}

// Calculate implements Strategy.
func (LinearStrategy) Calculate(attempt int, base, maxDelay time.Duration, _ float64, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 1000 {
		attempt = 1000
	}

	delay := base * time.Duration(attempt+1)
	if maxDelay > 0 && (delay < 0 || delay > maxDelay) {
		delay = maxDelay
	}
	return applyJitter(delay, maxDelay, jitter)
}

// ExponentialJitterStrategy waits base×multiplier^attempt plus uniform jitter.
type ExponentialJitterStrategy struct{}

// Calculate implements Strategy.
func (ExponentialJitterStrategy) Calculate(attempt int, base, maxDelay time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Prevent overflow by limiting attempt
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(base) * pow(multiplier, attempt))
	if maxDelay > 0 && (delay < 0 || delay > maxDelay) {
		delay = maxDelay
	}
	return applyJitter(delay, maxDelay, jitter)
}

// DecorrelatedJitterStrategy picks a random delay in [base, min(max, base×3^attempt)].
type DecorrelatedJitterStrategy struct{}

// Calculate implements Strategy.
func (DecorrelatedJitterStrategy) Calculate(attempt int, base, maxDelay time.Duration, _ float64, _ float64) time.Duration {
	if attempt <= 0 {
		return base
	}
	if attempt > 10 {
		attempt = 10
	}

	lower := float64(base)
	upper := lower * pow(3.0, attempt)
	if maxDelay > 0 && (upper > float64(maxDelay) || upper < 0) {
		upper = float64(maxDelay)
	}
	if upper < lower {
		upper = lower
	}

	return time.Duration(lower + rand.Float64()*(upper-lower))
}

func applyJitter(delay, maxDelay time.Duration, jitter float64) time.Duration {
	jitter = clampJitter(jitter)
	if jitter == 0 {
		return delay
	}
	delay += time.Duration(float64(delay) * jitter * rand.Float64())
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// clampJitter ensures jitter is within valid bounds [0, 1].
func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
