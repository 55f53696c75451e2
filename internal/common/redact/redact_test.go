package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInactivePassesThrough(t *testing.T) {
	assert.Equal(t, "sk-ant-secret", New().Apply("sk-ant-secret"))
	assert.False(t, New().Active())

	var nilRedactor *Redactor
	assert.Equal(t, "text", nilRedactor.Apply("text"))
	assert.False(t, nilRedactor.Active())
}

func TestApplyMasksMatches(t *testing.T) {
	r := New(`sk-ant-[a-zA-Z0-9]+`)
	assert.True(t, r.Active())
	assert.Equal(t, "key is "+Mask+" ok", r.Apply("key is sk-ant-abc123 ok"))
	assert.Equal(t, "no secrets here", r.Apply("no secrets here"))
}

func TestMultiplePatterns(t *testing.T) {
	r := New(`password=\S+`, `token \w+`)
	got := r.Apply("password=hunter2 and token abcdef end")
	assert.Equal(t, Mask+" and "+Mask+" end", got)
}

func TestInvalidPatternsSkipped(t *testing.T) {
	r := New(`[unclosed`, `valid\d+`)
	assert.True(t, r.Active())
	assert.Equal(t, Mask, r.Apply("valid123"))
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TEST_REDACT_PATTERNS", `secret-\w+, apikey=\S+`)
	r := FromEnv("TEST_REDACT_PATTERNS")
	assert.True(t, r.Active())
	assert.Equal(t, Mask+" "+Mask, r.Apply("secret-one apikey=two"))

	t.Setenv("TEST_REDACT_PATTERNS", "")
	assert.False(t, FromEnv("TEST_REDACT_PATTERNS").Active())
}
