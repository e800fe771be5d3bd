package feed

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRateLimitSignal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrRateLimited, true},
		{"wrapped sentinel", fmt.Errorf("subscribe: %w", ErrRateLimited), true},
		{"http wording", errors.New("429 Too Many Requests"), true},
		{"venue wording", errors.New("connection limit exceeded"), true},
		{"rate limit wording", errors.New("rate limit hit, slow down"), true},
		{"unrelated", errors.New("connection refused"), false},
		{"entitlement", ErrEntitlement, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimitSignal(tt.err); got != tt.want {
				t.Errorf("IsRateLimitSignal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMapWSError(t *testing.T) {
	if err := mapWSError(wsCodeInsufficientSub, "insufficient subscription"); !errors.Is(err, ErrEntitlement) {
		t.Errorf("code %d should map to ErrEntitlement, got %v", wsCodeInsufficientSub, err)
	}
	if err := mapWSError(wsCodeTooManyRequests, "too many requests"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("code %d should map to ErrRateLimited, got %v", wsCodeTooManyRequests, err)
	}
	if err := mapWSError(wsCodeAuthFailed, "bad key"); errors.Is(err, ErrEntitlement) || errors.Is(err, ErrRateLimited) {
		t.Errorf("auth failure should not map to a retryable class, got %v", err)
	}
	if err := mapWSError(500, "internal"); err == nil {
		t.Error("unknown codes should still produce an error")
	}
}
