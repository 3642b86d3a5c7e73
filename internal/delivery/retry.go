package delivery

import (
	"math"
	"time"
)

// twoPhaseRetryPolicy backs off exponentially with a warm and a cold cap.
//
// Most delivery blocks are brief - the user stops typing, the agent's turn
// ends - so the first minute retries fast (cap 2s). Past that the block is
// probably persistent (user walked away, long agent task) and retries slow
// to the cold cap (5s) to cut store traffic and log noise without losing
// messages.
type twoPhaseRetryPolicy struct {
	initial     float64 // seconds before the first delayed retry
	multiplier  float64
	warmMaximum float64 // cap while the batch is young
	warmSeconds float64 // how long the warm phase lasts
	coldMaximum float64
}

func defaultRetryPolicy() twoPhaseRetryPolicy {
	return twoPhaseRetryPolicy{
		initial:     0.25,
		multiplier:  2.0,
		warmMaximum: 2.0,
		warmSeconds: 60.0,
		coldMaximum: 5.0,
	}
}

// delay computes the backoff for a retry attempt. Attempt 0 is immediate.
// pendingValid marks whether pendingFor carries the age of the current
// batch; an old batch switches to the cold cap.
func (p twoPhaseRetryPolicy) delay(attempt int, pendingFor time.Duration, pendingValid bool) time.Duration {
	if attempt == 0 {
		return 0
	}
	// Clamp the exponent; 2^10 is already far past either cap.
	exp := attempt - 1
	if exp > 10 {
		exp = 10
	}
	d := p.initial * math.Pow(p.multiplier, float64(exp))

	maxDelay := p.warmMaximum
	if pendingValid && pendingFor.Seconds() >= p.warmSeconds {
		maxDelay = p.coldMaximum
	}
	return time.Duration(math.Min(d, maxDelay) * float64(time.Second))
}
