package wsclient

import "time"

// backoffDelay computes delay(k) = min(retryDelay * 2^k, maxBackoff) for
// attempt k (0-indexed), or reports exhaustion once k >= retryCount.
// retryCount == 0 means "fail immediately, no retries".
func backoffDelay(k, retryCount int, retryDelay, maxBackoff time.Duration) (time.Duration, bool) {
	if k >= retryCount {
		return 0, false
	}

	delay := retryDelay
	for i := 0; i < k; i++ {
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
			break
		}
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay, true
}
