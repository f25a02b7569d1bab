// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"math"
	"math/rand"
	"time"
)

// Retry defaults applied when a policy leaves fields zero.
const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultBackoffFactor  = 2.0
	defaultJitter         = 0.1
)

// ShouldRetry reports whether a job that failed on the given attempt has
// retry budget remaining. A nil policy means a single attempt.
func ShouldRetry(policy *RetryPolicy, attempt int) bool {
	if policy == nil {
		return false
	}
	return attempt < policy.MaxAttempts
}

// BackoffFor computes the wait before the next attempt: exponential growth
// from InitialBackoff by BackoffFactor, capped at MaxBackoff, with up to
// Jitter fraction of randomness in either direction.
func BackoffFor(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}

	initial := policy.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxBackoff := policy.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	factor := policy.BackoffFactor
	if factor <= 0 {
		factor = defaultBackoffFactor
	}
	jitter := policy.Jitter
	if jitter < 0 {
		jitter = defaultJitter
	}

	backoff := float64(initial) * math.Pow(factor, float64(attempt-1))
	if jitter > 0 {
		spread := backoff * jitter
		backoff += (rand.Float64()*2 - 1) * spread
	}
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	if backoff < 0 {
		backoff = float64(initial)
	}
	return time.Duration(backoff)
}
