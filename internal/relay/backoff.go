package relay

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = time.Second
	backoffCap    = 30 * time.Second
	backoffJitter = 0.3
)

// reconnectDelay computes the wait before reconnect attempt n (0-indexed):
// min(base × 2^n, cap) plus up to 30% random jitter. The attempt counter
// resets to zero after any successful connection.
func reconnectDelay(attempt int) time.Duration {
	return jitteredDelay(attempt, rand.Float64())
}

// jitteredDelay is reconnectDelay with the random draw injected for tests.
func jitteredDelay(attempt int, draw float64) time.Duration {
	delay := backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	return delay + time.Duration(draw*backoffJitter*float64(delay))
}
