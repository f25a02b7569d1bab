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
	"testing"
	"time"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name    string
		policy  *RetryPolicy
		attempt int
		want    bool
	}{
		{"nil policy", nil, 1, false},
		{"first of three", &RetryPolicy{MaxAttempts: 3}, 1, true},
		{"second of three", &RetryPolicy{MaxAttempts: 3}, 2, true},
		{"budget exhausted", &RetryPolicy{MaxAttempts: 3}, 3, false},
		{"single attempt policy", &RetryPolicy{MaxAttempts: 1}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.policy, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry(%+v, %d) = %v, want %v", tt.policy, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffFor_ExponentialGrowth(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
		Jitter:         0, // deterministic
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second}, // capped
	}
	for _, tt := range tests {
		if got := BackoffFor(policy, tt.attempt); got != tt.want {
			t.Errorf("BackoffFor(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffFor_JitterStaysBounded(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2.0,
		Jitter:         0.1,
	}

	min := 900 * time.Millisecond
	max := 1100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := BackoffFor(policy, 1)
		if got < min || got > max {
			t.Fatalf("BackoffFor() = %v, want within [%v, %v]", got, min, max)
		}
	}
}

func TestBackoffFor_NilPolicy(t *testing.T) {
	if got := BackoffFor(nil, 1); got != 0 {
		t.Errorf("BackoffFor(nil) = %v, want 0", got)
	}
}

func TestBackoffFor_ZeroFieldsUseDefaults(t *testing.T) {
	got := BackoffFor(&RetryPolicy{MaxAttempts: 3}, 1)
	// Default initial backoff with up to 10% jitter either way.
	if got < 900*time.Millisecond || got > 1100*time.Millisecond {
		t.Errorf("BackoffFor(zero policy) = %v, want roughly 1s", got)
	}
}
