package provider

import (
	"context"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// Error kinds surfaced to clients. The kind drives recovery behavior:
// CONTEXT_LIMIT prompts a compaction, RATE_LIMIT and PROVIDER_ERROR invite a
// retry, AUTH_ERROR requires operator action.
const (
	KindContextLimit  = "CONTEXT_LIMIT"
	KindRateLimit     = "RATE_LIMIT"
	KindAuthError     = "AUTH_ERROR"
	KindProviderError = "PROVIDER_ERROR"
	KindUnknown       = "UNKNOWN"
)

type errorRule struct {
	kind        string
	recoverable bool
	patterns    []string
}

// classificationRules is ordered; the first rule with a matching pattern wins.
// Context-limit patterns come first because some providers phrase them as
// generic 400s that would otherwise fall through to UNKNOWN.
var classificationRules = []errorRule{
	{
		kind:        KindContextLimit,
		recoverable: true,
		patterns: []string{
			"prompt is too long",
			"context_length_exceeded",
			"maximum context length",
			"context window",
			"input is too long",
			"too many tokens",
			"max_tokens_exceeded",
		},
	},
	{
		kind:        KindRateLimit,
		recoverable: true,
		patterns: []string{
			"rate_limit",
			"rate limit",
			"429",
			"too many requests",
			"overloaded",
			"quota",
		},
	},
	{
		kind:        KindAuthError,
		recoverable: false,
		patterns: []string{
			"401",
			"403",
			"invalid api key",
			"invalid x-api-key",
			"authentication",
			"unauthorized",
			"permission",
		},
	},
	{
		kind:        KindProviderError,
		recoverable: true,
		patterns: []string{
			"500",
			"502",
			"503",
			"504",
			"internal server error",
			"bad gateway",
			"service unavailable",
			"gateway timeout",
			"connection reset",
			"connection refused",
			"no such host",
			"timeout",
			"deadline exceeded",
		},
	},
}

// Classify maps a provider failure onto the error taxonomy. The original
// message is preserved verbatim so the client can show it; only the kind and
// recoverable flag are derived. Rules apply in order, first match wins.
func Classify(err error) *models.ErrorPayload {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	if err == context.Canceled || strings.Contains(lower, "context canceled") {
		return &models.ErrorPayload{Kind: KindUnknown, Message: msg, Recoverable: true}
	}

	for _, rule := range classificationRules {
		for _, pat := range rule.patterns {
			if strings.Contains(lower, pat) {
				return &models.ErrorPayload{Kind: rule.kind, Message: msg, Recoverable: rule.recoverable}
			}
		}
	}
	return &models.ErrorPayload{Kind: KindUnknown, Message: msg, Recoverable: false}
}

// IsContextLimit reports whether the failure is a context-window overflow.
func IsContextLimit(err error) bool {
	p := Classify(err)
	return p != nil && p.Kind == KindContextLimit
}
