package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// openAIGenerator streams from any OpenAI-compatible chat completion endpoint.
type openAIGenerator struct {
	model *openai.ChatModel
}

func NewOpenAIGenerator(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	modelCfg := &openai.ChatModelConfig{
		BaseURL: cfg.Endpoint,
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelCfg.MaxTokens = &maxTokens
	}
	if cfg.Temperature > 0 {
		temperature := float32(cfg.Temperature)
		modelCfg.Temperature = &temperature
	}
	model, err := openai.NewChatModel(ctx, modelCfg)
	if err != nil {
		return nil, fmt.Errorf("create openai chat model: %w", err)
	}
	return &openAIGenerator{model: model}, nil
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	var messages []*schema.Message
	if req.System != "" {
		messages = append(messages, schema.SystemMessage(req.System))
	}
	messages = append(messages, schema.UserMessage(req.Prompt))

	stream, err := g.model.Stream(ctx, messages)
	if err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	start := time.Now()
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return consumer(Chunk{SessionID: req.SessionID, Latency: time.Since(start)})
		}
		if err != nil {
			return fmt.Errorf("openai recv: %w", err)
		}
		chunk := Chunk{SessionID: req.SessionID, Content: msg.Content, Partial: true, Latency: time.Since(start)}
		if usage := msg.ResponseMeta; usage != nil && usage.Usage != nil {
			chunk.PromptTokens = usage.Usage.PromptTokens
			chunk.CompletionTokens = usage.Usage.CompletionTokens
		}
		if err := consumer(chunk); err != nil {
			return err
		}
	}
}
