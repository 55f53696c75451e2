package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToolCallMarker(t *testing.T) {
	calls, rest := MarkerExtractor{}.Extract("TOOL_CALL: search {\"q\": \"redis\"}\n")
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
	assert.Equal(t, "redis", calls[0].Arguments["q"])
	assert.Empty(t, rest)
}

func TestExtractFunctionEnvelope(t *testing.T) {
	calls, rest := MarkerExtractor{}.Extract(`FUNCTION: {"name": "read_file", "arguments": {"path": "/etc/hosts"}}` + "\n")
	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, "/etc/hosts", calls[0].Arguments["path"])
	assert.Empty(t, rest)
}

func TestExtractKeepsIncompleteTrailingLine(t *testing.T) {
	calls, rest := MarkerExtractor{}.Extract("prose line\nTOOL_CALL: ls")
	assert.Empty(t, calls, "unterminated marker line is not a complete call yet")
	assert.Equal(t, "TOOL_CALL: ls", rest)

	calls, rest = MarkerExtractor{}.Extract(rest + "\n")
	require.Len(t, calls, 1)
	assert.Equal(t, "ls", calls[0].Name)
	assert.Nil(t, calls[0].Arguments)
	assert.Empty(t, rest)
}

func TestExtractIgnoresProse(t *testing.T) {
	calls, rest := MarkerExtractor{}.Extract("just some text\nand more text\n")
	assert.Empty(t, calls)
	assert.Empty(t, rest)
}

func TestExtractNoNewline(t *testing.T) {
	calls, rest := MarkerExtractor{}.Extract("partial chu")
	assert.Empty(t, calls)
	assert.Equal(t, "partial chu", rest)
}

func TestExtractMalformedArgumentsSkipped(t *testing.T) {
	calls, _ := MarkerExtractor{}.Extract("TOOL_CALL: broken {not json}\n")
	assert.Empty(t, calls)
}

func TestExtractMultipleCallsInOneBuffer(t *testing.T) {
	buf := "TOOL_CALL: first {\"n\": 1}\nsome prose\nTOOL_CALL: second {\"n\": 2}\n"
	calls, rest := MarkerExtractor{}.Extract(buf)
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, "second", calls[1].Name)
	assert.Empty(t, rest)
}
