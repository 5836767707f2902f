package provider

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    string
		recoverable bool
	}{
		{"context limit anthropic", errors.New("400: prompt is too long: 210000 tokens > 200000 maximum"), KindContextLimit, true},
		{"context limit openai", errors.New("context_length_exceeded: please reduce the length"), KindContextLimit, true},
		{"context limit token count", errors.New("too many tokens in request"), KindContextLimit, true},
		{"rate limit status", errors.New("429 Too Many Requests"), KindRateLimit, true},
		{"overloaded", errors.New("overloaded_error: Overloaded"), KindRateLimit, true},
		{"auth 401", errors.New("401 Unauthorized"), KindAuthError, false},
		{"auth key", errors.New("invalid api key provided"), KindAuthError, false},
		{"server 503", errors.New("503 Service Unavailable"), KindProviderError, true},
		{"network", errors.New("dial tcp: connection refused"), KindProviderError, true},
		{"timeout", errors.New("context deadline exceeded"), KindProviderError, true},
		{"unknown", errors.New("something odd happened"), KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", got.Kind, tt.wantKind)
			}
			if got.Recoverable != tt.recoverable {
				t.Errorf("recoverable = %v, want %v", got.Recoverable, tt.recoverable)
			}
			if got.Message != tt.err.Error() {
				t.Errorf("message %q not preserved", got.Message)
			}
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// Mentions both a context overflow and a 500; the context rule is
	// earlier in the order so it must win.
	got := Classify(errors.New("500: maximum context length exceeded"))
	if got.Kind != KindContextLimit {
		t.Errorf("kind = %s, want %s", got.Kind, KindContextLimit)
	}

	// Same for an overflow phrased with a rate-limit status attached.
	got = Classify(errors.New("too many tokens (status 429)"))
	if got.Kind != KindContextLimit {
		t.Errorf("kind = %s, want %s", got.Kind, KindContextLimit)
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Errorf("Classify(nil) = %+v", got)
	}
}

func TestClassifyCancellationIsRecoverable(t *testing.T) {
	got := Classify(context.Canceled)
	if !got.Recoverable {
		t.Errorf("cancellation should be recoverable, got %+v", got)
	}
}

func TestIsContextLimit(t *testing.T) {
	if !IsContextLimit(errors.New("input is too long for requested model")) {
		t.Error("want context limit")
	}
	if IsContextLimit(errors.New("429")) {
		t.Error("rate limit misclassified as context limit")
	}
}
