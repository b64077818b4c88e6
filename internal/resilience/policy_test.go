package resilience

import "testing"

func TestLenientPolicy(t *testing.T) {
	p := LenientPolicy{}
	for _, code := range []int{202, 403, 404, 429, 500, 302} {
		if !p.Retryable(code) {
			t.Errorf("lenient: expected %d retryable", code)
		}
	}
	for _, code := range []int{200, 201, 204} {
		if p.Retryable(code) {
			t.Errorf("lenient: expected %d not retryable", code)
		}
	}
	if p.HonorRetryAfter() {
		t.Error("lenient policy should ignore Retry-After")
	}
}

func TestStrictPolicy(t *testing.T) {
	p := StrictPolicy{}
	for _, code := range []int{202, 408, 429, 500, 503} {
		if !p.Retryable(code) {
			t.Errorf("strict: expected %d retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if p.Retryable(code) {
			t.Errorf("strict: expected %d not retryable", code)
		}
	}
	if !p.HonorRetryAfter() {
		t.Error("strict policy should honor Retry-After")
	}
}

func TestPolicyByName(t *testing.T) {
	if PolicyByName("STRICT").Name() != "strict" {
		t.Error("expected strict")
	}
	if PolicyByName("").Name() != "lenient" {
		t.Error("expected lenient default")
	}
}
