// Package compaction folds old conversation history into an LLM-written
// summary plus a verbatim tail that fits a token budget, recorded as an
// immutable snapshot.
package compaction

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/parleyhq/parley/pkg/models"
)

// resultTruncateLen caps how much of a tool result makes it into the
// summarization transcript.
const resultTruncateLen = 300

// FormatTranscript renders messages as a labelled, human-readable transcript
// for the summarization call. Earlier compaction summaries fold in as
// "[Previous summary]" blocks so recursive compaction keeps context.
func FormatTranscript(msgs []models.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&b, "User: %s\n", msg.Content)
		case models.RoleAssistant:
			if msg.Content != "" {
				fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				fmt.Fprintf(&b, "[Tool call: %s(%s)]\n", tc.Name, string(tc.Arguments))
			}
		case models.RoleToolResult:
			for _, tr := range msg.ToolResults {
				out := truncate(tr.Content, resultTruncateLen)
				if tr.IsError {
					fmt.Fprintf(&b, "[Tool result (error): %s]\n", out)
				} else {
					fmt.Fprintf(&b, "[Tool result: %s]\n", out)
				}
			}
		case models.RoleCompaction:
			fmt.Fprintf(&b, "[Previous summary]\n%s\n", msg.Content)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a UTF-8 sequence.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
