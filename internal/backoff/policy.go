// Package backoff provides exponential backoff with jitter for retrying
// network-bound work.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff before the second attempt.
	Initial time.Duration `yaml:"initial"`
	// Max caps the computed backoff.
	Max time.Duration `yaml:"max"`
	// Factor is the exponential factor applied per attempt.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns the policy used for network-bound stages:
// 200ms initial, 10s cap, factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay calculates the backoff duration for a given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

// delayWithRand computes initial * factor^(attempt-1) plus jitter, capped at Max.
func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	base += base * p.Jitter * random

	if p.Max > 0 && base > float64(p.Max) {
		return p.Max
	}
	return time.Duration(base)
}
