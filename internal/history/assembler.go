// Package history materializes the provider-facing prompt from stored
// messages, resolving compaction snapshots into a summary pair plus verbatim
// tail and collapsing superseded large tool results.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	summaryPrefix = "[Summary of conversation prior to the messages below]\n"
	summaryAck    = "Understood. I have the context from the previous conversation and will continue from here."

	// legacyVerbatimCount applies to old compaction messages that carry
	// neither a snapshot reference nor a verbatim count.
	legacyVerbatimCount = 10

	// collapseSentinel marks tool results large enough to be collapsed
	// once a newer capture of the same kind exists.
	collapseSentinel = "browser_content"
)

// Assembler builds prompts. Stateless; assembly is a function of stored
// state alone.
type Assembler struct {
	store storage.Store
}

func NewAssembler(store storage.Store) *Assembler {
	return &Assembler{store: store}
}

// Assemble returns the ordered prompt history for a session.
func (a *Assembler) Assemble(ctx context.Context, session *models.Session) ([]models.Message, error) {
	stored, err := a.store.ListMessages(ctx, session.ID, storage.ListMessagesOptions{})
	if err != nil {
		return nil, fmt.Errorf("history: load messages: %w", err)
	}
	all := make([]models.Message, len(stored))
	for i, m := range stored {
		all[i] = *m
	}

	var out []models.Message
	switch {
	case session.ActiveSnapshotID != "":
		out, err = a.assembleFromSnapshot(ctx, session, all)
		if err != nil {
			return nil, err
		}
	default:
		if idx := lastCompactionIndex(all); idx >= 0 {
			out = assembleLegacy(all, idx)
		} else {
			out = filterMessages(all)
		}
	}

	out = collapseSuperseded(out)
	out = applyImagePolicy(out)
	return out, nil
}

func (a *Assembler) assembleFromSnapshot(ctx context.Context, session *models.Session, all []models.Message) ([]models.Message, error) {
	snap, err := a.store.GetSnapshot(ctx, session.ActiveSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("history: load snapshot: %w", err)
	}

	out := syntheticSummaryPair(session.ID, snap.Summary)

	verbatimSet := make(map[string]bool, len(snap.VerbatimIDs))
	for _, id := range snap.VerbatimIDs {
		verbatimSet[id] = true
	}

	// Verbatim tail in stored order, then everything persisted after it.
	var tail []models.Message
	cutoff := snap.CreatedAt
	for _, msg := range all {
		if verbatimSet[msg.ID] {
			tail = append(tail, msg)
			if msg.CreatedAt.After(cutoff) {
				cutoff = msg.CreatedAt
			}
		}
	}
	out = append(out, filterMessages(tail)...)

	var after []models.Message
	for _, msg := range all {
		if msg.CreatedAt.After(cutoff) && !verbatimSet[msg.ID] {
			after = append(after, msg)
		}
	}
	out = append(out, filterMessages(after)...)
	return out, nil
}

// assembleLegacy handles pre-snapshot compaction messages: the summary lives
// in the compaction message itself and verbatimCount says how many trailing
// messages before it stay verbatim.
func assembleLegacy(all []models.Message, compIdx int) []models.Message {
	comp := all[compIdx]
	count := comp.VerbatimCount
	if count <= 0 {
		count = legacyVerbatimCount
	}

	start := compIdx - count
	if start < 0 {
		start = 0
	}
	// Do not reach into territory an earlier compaction already summarized.
	for i := compIdx - 1; i >= start; i-- {
		if all[i].Role == models.RoleCompaction {
			start = i + 1
			break
		}
	}
	// A tail starting on a tool result would orphan it from its tool call.
	if start > 0 && start < compIdx && all[start].Role == models.RoleToolResult {
		start--
	}

	out := syntheticSummaryPair(comp.SessionID, comp.Content)
	out = append(out, filterMessages(all[start:compIdx])...)
	out = append(out, filterMessages(all[compIdx+1:])...)
	return out
}

func syntheticSummaryPair(sessionID, summary string) []models.Message {
	return []models.Message{
		{SessionID: sessionID, Role: models.RoleUser, Content: summaryPrefix + summary},
		{SessionID: sessionID, Role: models.RoleAssistant, Content: summaryAck},
	}
}

func lastCompactionIndex(msgs []models.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleCompaction {
			return i
		}
	}
	return -1
}

// filterMessages drops compaction messages, tool-result messages with no
// results, and consecutive tool-result messages duplicating the same set of
// tool-call identifiers.
func filterMessages(msgs []models.Message) []models.Message {
	var out []models.Message
	var prevResultKey string
	for _, msg := range msgs {
		if msg.Role == models.RoleCompaction {
			continue
		}
		if msg.Role == models.RoleToolResult {
			if len(msg.ToolResults) == 0 {
				continue
			}
			key := toolResultKey(msg)
			if key == prevResultKey {
				continue
			}
			prevResultKey = key
		} else {
			prevResultKey = ""
		}
		out = append(out, msg)
	}
	return out
}

func toolResultKey(msg models.Message) string {
	ids := make([]string, len(msg.ToolResults))
	for i, tr := range msg.ToolResults {
		ids[i] = tr.ToolCallID
	}
	return strings.Join(ids, "\x00")
}

// collapseSuperseded keeps only the newest sentinel-tagged tool result
// verbatim. Earlier captures shrink to a descriptor that preserves the
// identifying fields so the model still knows what it looked at.
func collapseSuperseded(msgs []models.Message) []models.Message {
	latest := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleToolResult && hasSentinelResult(msgs[i]) {
			latest = i
			break
		}
	}
	if latest < 0 {
		return msgs
	}

	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if i == latest || out[i].Role != models.RoleToolResult || !hasSentinelResult(out[i]) {
			continue
		}
		results := make([]models.ToolResult, len(out[i].ToolResults))
		copy(results, out[i].ToolResults)
		for j := range results {
			if desc, ok := collapseDescriptor(results[j].Content); ok {
				results[j].Content = desc
			}
		}
		out[i].ToolResults = results
	}
	return out
}

func hasSentinelResult(msg models.Message) bool {
	for _, tr := range msg.ToolResults {
		if _, ok := collapseDescriptor(tr.Content); ok {
			return true
		}
	}
	return false
}

// collapseDescriptor returns the shortened form of a sentinel-tagged result,
// or ok=false when the content is not one.
func collapseDescriptor(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return "", false
	}
	if payload["type"] != collapseSentinel {
		return "", false
	}

	desc := map[string]any{
		"type": collapseSentinel,
		"note": "content omitted, superseded by a later capture",
	}
	for _, field := range []string{"url", "title"} {
		if v, ok := payload[field]; ok {
			desc[field] = v
		}
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// applyImagePolicy inlines tool-result images only for the newest tool-result
// message; earlier ones keep their text but lose the image payloads.
func applyImagePolicy(msgs []models.Message) []models.Message {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleToolResult {
			last = i
			break
		}
	}
	if last < 0 {
		return msgs
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if i != last && out[i].Role == models.RoleToolResult {
			out[i].Images = nil
		}
	}
	return out
}
