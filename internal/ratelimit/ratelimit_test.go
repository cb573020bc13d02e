package ratelimit

import "testing"

func TestKey(t *testing.T) {
	if got := Key(42); got != "user:rate:42" {
		t.Errorf("Key(42) = %q, want user:rate:42", got)
	}
	if got := Key(1); got != "user:rate:1" {
		t.Errorf("Key(1) = %q, want user:rate:1", got)
	}
}
