package model

import (
	"context"
	"sync"
)

// Scripted replays canned responses chunk by chunk. Used in standalone
// mode and tests where no provider credentials exist.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	next      int
	chunkSize int
	model     string
}

// NewScripted creates a scripted streamer that cycles through responses.
func NewScripted(responses ...string) *Scripted {
	if len(responses) == 0 {
		responses = []string{"(no response configured)"}
	}
	return &Scripted{responses: responses, chunkSize: 8, model: "scripted"}
}

// Stream implements Streamer.
func (s *Scripted) Stream(ctx context.Context, _ string) (<-chan Chunk, error) {
	s.mu.Lock()
	text := s.responses[s.next%len(s.responses)]
	s.next++
	size := s.chunkSize
	s.mu.Unlock()

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for i := 0; i < len(text); i += size {
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			select {
			case out <- Chunk{Text: text[i:end], Model: s.model}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Complete implements Completer.
func (s *Scripted) Complete(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.responses[s.next%len(s.responses)]
	s.next++
	return text, nil
}

// Digest implements the summarization digester contract.
func (s *Scripted) Digest(ctx context.Context, instruction string) (string, error) {
	return s.Complete(ctx, instruction)
}
