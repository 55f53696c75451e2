package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	assert.Equal(t, "ownership.denied: agent is owned", New("ownership.denied", "agent is owned").Error())
	assert.Equal(t, "bus.closed", New("bus.closed", "").Error())
}

func TestCodeExtraction(t *testing.T) {
	err := Newf("queue.append_failed", "item %d", 7)
	assert.Equal(t, "queue.append_failed", Code(err))
	assert.True(t, Is(err, "queue.append_failed"))
	assert.False(t, Is(err, "queue.other"))
	assert.Equal(t, "", Code(errors.New("plain")))
	assert.Equal(t, "", Code(nil))
}

func TestCodeSurvivesWrapping(t *testing.T) {
	inner := New("kb.not_found", "no such item")
	outer := fmt.Errorf("lookup: %w", inner)
	assert.True(t, Is(outer, "kb.not_found"))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap("history.append_failed", cause)
	assert.Equal(t, "history.append_failed", err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Wrap("any", nil))
}

func TestWithAddsDetailOnCopy(t *testing.T) {
	base := New("ownership.denied", "held")
	detailed := base.With("holder", "sid-1").With("agent", "p/a")

	assert.Equal(t, "sid-1", detailed.Detail["holder"])
	assert.Equal(t, "p/a", detailed.Detail["agent"])
	assert.Empty(t, base.Detail, "With must not mutate the original")
}

func TestAsFallback(t *testing.T) {
	coded := New("rpc.bad_params", "text required")
	assert.Same(t, coded, As(coded, "rpc.internal"))

	plain := errors.New("boom")
	fe := As(plain, "rpc.internal")
	require.NotNil(t, fe)
	assert.Equal(t, "rpc.internal", fe.Code)
	assert.Equal(t, "boom", fe.Message)

	assert.Nil(t, As(nil, "rpc.internal"))
}
