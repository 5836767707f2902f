package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parleyhq/parley/pkg/models"
)

// AnthropicAdapter talks to the Anthropic Messages API. Safe for concurrent
// use; every Stream call owns its own SSE stream and goroutine.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropic creates the adapter. The base URL override is for tests.
func NewAnthropic(apiKey string, baseURL string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicAdapter{client: anthropic.NewClient(opts...)}, nil
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Models() []ModelInfo {
	return append([]ModelInfo(nil), anthropicCatalog...)
}

// Stream opens the SSE completion. The returned raw request is what actually
// went over the wire, captured for the debug trail before the first token.
func (a *AnthropicAdapter) Stream(ctx context.Context, req *Request) (json.RawMessage, <-chan Chunk, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk)
	go a.consume(stream, chunks)
	return raw, chunks, nil
}

// Complete runs a blocking completion and concatenates the text blocks.
func (a *AnthropicAdapter) Complete(ctx context.Context, req *Request) (string, *models.Usage, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return "", nil, err
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := &models.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return text.String(), usage, nil
}

func (a *AnthropicAdapter) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// consume translates SSE events into canonical chunks. Tool-call input
// arrives as JSON fragments across delta events and is assembled before the
// ToolCall chunk goes out; unparseable input degrades to empty arguments so
// the loop can still surface the call for approval.
func (a *AnthropicAdapter) consume(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) {
	defer close(chunks)

	var current *models.ToolCall
	var input strings.Builder
	var usage models.Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				current = &models.ToolCall{ID: use.ID, Name: use.Name}
				input.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Text: delta.Text}
				}
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				current.Arguments = normalizeToolArgs(input.String())
				chunks <- Chunk{ToolCall: current}
				current = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			u := usage
			chunks <- Chunk{Usage: &u}
			chunks <- Chunk{Done: true}
			return

		case "error":
			chunks <- Chunk{Err: errors.New("anthropic: stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: err}
		return
	}
	// Stream ended without message_stop; treat as done with what we have.
	u := usage
	chunks <- Chunk{Usage: &u}
	chunks <- Chunk{Done: true}
}

// normalizeToolArgs guarantees valid JSON object arguments. Providers
// occasionally close a tool block with partial or empty input.
func normalizeToolArgs(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleAssistant:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var in map[string]any
				if err := json.Unmarshal(normalizeToolArgs(string(tc.Arguments)), &in); err != nil {
					return nil, fmt.Errorf("anthropic: tool call %s: %w", tc.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, in, tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case models.RoleToolResult:
			for _, tr := range msg.ToolResults {
				content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			for _, img := range msg.Images {
				if block, ok := imageBlockFromDataURL(img); ok {
					content = append(content, block)
				}
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewUserMessage(content...))

		default:
			// User messages, including the synthetic compaction pair.
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, img := range msg.Images {
				if block, ok := imageBlockFromDataURL(img); ok {
					content = append(content, block)
				}
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// imageBlockFromDataURL converts a base64 data URL into an image block.
// Plain URLs and unsupported media types are dropped.
func imageBlockFromDataURL(raw string) (anthropic.ContentBlockParamUnion, bool) {
	mediaType, data, ok := parseDataURL(raw)
	if !ok {
		return anthropic.ContentBlockParamUnion{}, false
	}
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp":
		return anthropic.NewImageBlockBase64(mediaType, data), true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

func parseDataURL(raw string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	meta, payload, found := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, payload, true
}
