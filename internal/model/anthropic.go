package model

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

const defaultMaxTokens = 4096

// Anthropic streams completions from the Claude Messages API. The whole
// assembled prompt travels as a single user message; the runner owns
// prompt construction.
type Anthropic struct {
	client    sdk.Client
	model     string
	maxTokens int64
	logger    *logger.Logger
}

// NewAnthropic builds an Anthropic-backed streamer. The API key comes from
// the environment (ANTHROPIC_API_KEY) unless apiKey is set.
func NewAnthropic(modelID, apiKey string, log *logger.Logger) *Anthropic {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Anthropic{
		client:    sdk.NewClient(opts...),
		model:     modelID,
		maxTokens: defaultMaxTokens,
		logger:    log.WithComponent("model"),
	}
}

// Stream implements Streamer.
func (a *Anthropic) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(prompt))
	if err := stream.Err(); err != nil {
		return nil, ErrStream(err)
	}

	out := make(chan Chunk, 32)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					select {
					case out <- Chunk{Text: delta.Text, Model: a.model}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			a.logger.Error("model stream ended with error", zap.Error(err))
		}
	}()
	return out, nil
}

// Complete implements Completer for non-streaming calls such as
// summarization digests.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, a.params(prompt))
	if err != nil {
		return "", fault.Wrap(CodeCompleteFailed, err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(sdk.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	return b.String(), nil
}

// Digest lets the summarization engine use this provider directly.
func (a *Anthropic) Digest(ctx context.Context, instruction string) (string, error) {
	return a.Complete(ctx, instruction)
}

func (a *Anthropic) params(prompt string) sdk.MessageNewParams {
	return sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
}
