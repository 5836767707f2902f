// Package tokens estimates token counts for messages using tiktoken
// encodings. Estimates feed the compaction verbatim budget and per-message
// token accounting; provider-reported counts always take precedence where
// available.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/parleyhq/parley/pkg/models"
)

const fallbackCharsPerToken = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// cl100k_base approximates well enough across providers for budgeting
// purposes. Initialization is deferred so tests without the BPE data still
// run on the character fallback.
func enc() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = e
		}
	})
	return encoding
}

// EstimateText returns the estimated token count for raw text.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
}

// EstimateMessage estimates the token footprint of a message including its
// tool calls and tool results.
func EstimateMessage(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	var sb strings.Builder
	sb.WriteString(msg.Content)
	for _, tc := range msg.ToolCalls {
		sb.WriteString(tc.Name)
		sb.Write(tc.Arguments)
	}
	for _, tr := range msg.ToolResults {
		sb.WriteString(tr.Content)
	}
	// Role/structure overhead mirrors the OpenAI chat format accounting.
	return EstimateText(sb.String()) + 3
}

// EstimateMessages sums estimates across messages.
func EstimateMessages(msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}
