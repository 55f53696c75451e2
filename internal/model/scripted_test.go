package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan Chunk) string {
	t.Helper()
	var out string
	for chunk := range ch {
		out += chunk.Text
	}
	return out
}

func TestScriptedStreamReassembles(t *testing.T) {
	s := NewScripted("a response long enough to span several chunks")

	ch, err := s.Stream(context.Background(), "ignored prompt")
	require.NoError(t, err)
	assert.Equal(t, "a response long enough to span several chunks", drain(t, ch))
}

func TestScriptedCyclesResponses(t *testing.T) {
	s := NewScripted("one", "two")
	ctx := context.Background()

	ch, err := s.Stream(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "one", drain(t, ch))

	ch, err = s.Stream(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "two", drain(t, ch))

	ch, err = s.Stream(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "one", drain(t, ch), "wraps back to the first response")
}

func TestScriptedStreamStopsOnCancel(t *testing.T) {
	s := NewScripted("this text will never be fully delivered")
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Stream(ctx, "")
	require.NoError(t, err)
	cancel()

	// The channel must close; partial delivery is fine.
	for range ch {
	}
}

func TestScriptedCompleteAndDigest(t *testing.T) {
	s := NewScripted("canned")

	out, err := s.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "canned", out)

	out, err = s.Digest(context.Background(), "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "canned", out)
}

func TestScriptedDefaultsWhenEmpty(t *testing.T) {
	s := NewScripted()
	out, err := s.Complete(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
