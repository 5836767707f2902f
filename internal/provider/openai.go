package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/pkg/models"
)

// OpenAIAdapter talks to the OpenAI Chat Completions API. Unlike Anthropic,
// the system prompt rides in the messages array and each tool result becomes
// its own role-tool message.
type OpenAIAdapter struct {
	client *openai.Client
}

// NewOpenAI creates the adapter.
func NewOpenAI(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	return &OpenAIAdapter{client: openai.NewClient(apiKey)}, nil
}

func (o *OpenAIAdapter) Name() string { return "openai" }

func (o *OpenAIAdapter) Models() []ModelInfo {
	return append([]ModelInfo(nil), openaiCatalog...)
}

func (o *OpenAIAdapter) Stream(ctx context.Context, req *Request) (json.RawMessage, <-chan Chunk, error) {
	chatReq, err := o.buildRequest(req)
	if err != nil {
		return nil, nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	raw, err := json.Marshal(chatReq)
	if err != nil {
		return nil, nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, nil, err
	}

	chunks := make(chan Chunk)
	go o.consume(ctx, stream, chunks)
	return raw, chunks, nil
}

func (o *OpenAIAdapter) Complete(ctx context.Context, req *Request) (string, *models.Usage, error) {
	chatReq, err := o.buildRequest(req)
	if err != nil {
		return "", nil, err
	}
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", nil, err
	}
	if len(resp.Choices) == 0 {
		return "", nil, errors.New("openai: empty response")
	}
	usage := &models.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (o *OpenAIAdapter) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	messages, err := convertOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	return chatReq, nil
}

// consume streams deltas into canonical chunks. Tool calls arrive
// incrementally keyed by index; each field lands in the first delta it
// appears in and the arguments accumulate as JSON fragments. They are
// flushed in index order when the finish reason says they are complete.
func (o *OpenAIAdapter) consume(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)
	args := make(map[int]*strings.Builder)
	var usage *models.Usage

	flush := func() {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := pending[i]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			tc.Arguments = normalizeToolArgs(args[i].String())
			chunks <- Chunk{ToolCall: tc}
		}
		pending = make(map[int]*models.ToolCall)
		args = make(map[int]*strings.Builder)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- Chunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				if usage != nil {
					chunks <- Chunk{Usage: usage}
				}
				chunks <- Chunk{Done: true}
				return
			}
			chunks <- Chunk{Err: err}
			return
		}

		if resp.Usage != nil {
			usage = &models.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- Chunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &models.ToolCall{}
				args[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				pending[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args[index].WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func convertOpenAIMessages(messages []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(normalizeToolArgs(string(tc.Arguments))),
					},
				})
			}
			result = append(result, m)

		case models.RoleToolResult:
			// One role-tool message per result, required by the API.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			if len(msg.Images) > 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: imageParts(msg.Images),
				})
			}

		default:
			if len(msg.Images) > 0 {
				parts := []openai.ChatMessagePart{{
					Type: openai.ChatMessagePartTypeText,
					Text: msg.Content,
				}}
				parts = append(parts, imageParts(msg.Images)...)
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: parts,
				})
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result, nil
}

func imageParts(images []string) []openai.ChatMessagePart {
	parts := make([]openai.ChatMessagePart, 0, len(images))
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    img,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts
}

func convertOpenAITools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.Schema),
			},
		}
	}
	return result
}
