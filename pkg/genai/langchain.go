package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// Config holds configuration for the langchaingo-backed client.
type Config struct {
	// BaseURL is the base URL of an OpenAI-compatible completion API.
	BaseURL string

	// APIKey authenticates against the API. Optional for local servers;
	// langchaingo requires a token so a placeholder is used when empty.
	APIKey string
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL required")
	}
	return nil
}

// LangchainClient implements Client on top of langchaingo against any
// OpenAI-compatible endpoint. The model id is selected per call, so one
// client serves every ray and every fusion step.
type LangchainClient struct {
	llm *openai.LLM
}

// NewLangchainClient creates a streaming client for the configured endpoint.
func NewLangchainClient(config Config) (*LangchainClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	return &LangchainClient{llm: llm}, nil
}

// Generate issues one streaming completion call. Incremental chunks are
// accumulated and forwarded to onDelta as cumulative text-so-far. The
// returned Result classifies cancellation as OutcomeAborted, never as an
// error.
func (c *LangchainClient) Generate(ctx context.Context, modelID string, messages []Message, onDelta DeltaFunc) (*Result, error) {
	if modelID == "" {
		return nil, ErrNoModel
	}
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}

	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.MessageContent{
			Role:  chatMessageType(m.Role),
			Parts: []llms.ContentPart{llms.TextContent{Text: m.Content}},
		})
	}

	var accumulated strings.Builder
	opts := []llms.CallOption{
		llms.WithModel(modelID),
	}
	if onDelta != nil {
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			accumulated.Write(chunk)
			onDelta(Delta{Text: accumulated.String(), Typing: true})
			return ctx.Err()
		}))
	}

	resp, err := c.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return ResultFromError(ctx, err), nil
	}

	// Some providers deliver the full text only in the final response.
	if onDelta != nil && len(resp.Choices) > 0 {
		final := resp.Choices[0].Content
		if final != "" && final != accumulated.String() {
			onDelta(Delta{Text: final})
		} else {
			onDelta(Delta{Text: accumulated.String()})
		}
	}

	return &Result{Outcome: OutcomeSuccess}, nil
}

// chatMessageType maps a role string to the langchaingo message type.
func chatMessageType(role string) schema.ChatMessageType {
	switch role {
	case "system":
		return schema.ChatMessageTypeSystem
	case "assistant":
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}
