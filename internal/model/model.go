// Package model defines the streaming contract the task runner drives and
// its provider adapters. The core only ever asks a provider to produce
// tokens for an assembled prompt.
package model

import (
	"context"

	"github.com/agentmux/agentmux/internal/fault"
)

// Error codes returned by model providers.
const (
	CodeStreamFailed   = "model.stream_failed"
	CodeCompleteFailed = "model.complete_failed"
)

// Chunk is one streamed piece of a response.
type Chunk struct {
	Text  string
	Model string
}

// Streamer produces tokens for a prompt.
type Streamer interface {
	// Stream starts a completion and returns a channel of chunks. The
	// channel closes on completion, provider error, or context
	// cancellation; mid-stream provider errors are logged by the adapter
	// and end the stream.
	Stream(ctx context.Context, prompt string) (<-chan Chunk, error)
}

// Completer produces a whole response at once. Used for summarization
// digests where streaming buys nothing.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ErrStream wraps a provider streaming failure.
func ErrStream(err error) error {
	return fault.Wrap(CodeStreamFailed, err)
}
