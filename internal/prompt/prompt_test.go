package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func openTestLayer(t *testing.T, dir string) *Layer {
	t.Helper()
	l, err := Open(filepath.Join(dir, "system_base.md"), filepath.Join(dir, "system_overlay.md"), testLogger(t))
	require.NoError(t, err)
	return l
}

func TestMissingBaseInitializedWithDefault(t *testing.T) {
	dir := t.TempDir()
	l := openTestLayer(t, dir)

	assert.Equal(t, DefaultBase, l.Base())
	data, err := os.ReadFile(filepath.Join(dir, "system_base.md"))
	require.NoError(t, err)
	assert.Equal(t, DefaultBase, string(data))
}

func TestEffectiveWithoutOverlay(t *testing.T) {
	l := openTestLayer(t, t.TempDir())
	require.NoError(t, l.SetBase("base prompt"))
	assert.Equal(t, "base prompt", l.Effective())
}

func TestEffectiveAppendsOverlayUnderHeader(t *testing.T) {
	l := openTestLayer(t, t.TempDir())
	require.NoError(t, l.SetBase("base prompt"))
	require.NoError(t, l.AppendOverlay("prefer short answers"))
	require.NoError(t, l.AppendOverlay("use tabs"))

	got := l.Effective()
	assert.Equal(t, "base prompt\n\n# Session overlay\nprefer short answers\nuse tabs", got)
}

func TestAppendOverlayRejectsEmptyLine(t *testing.T) {
	l := openTestLayer(t, t.TempDir())

	err := l.AppendOverlay("   ")
	require.Error(t, err)
	assert.True(t, fault.Is(err, CodeEmptyLine))
	assert.Empty(t, l.Overlay())
}

func TestOverlaySurvivesReload(t *testing.T) {
	dir := t.TempDir()
	l := openTestLayer(t, dir)
	require.NoError(t, l.SetBase("persisted base"))
	require.NoError(t, l.AppendOverlay("line one"))
	require.NoError(t, l.AppendOverlay("line two"))

	fresh := openTestLayer(t, dir)
	assert.Equal(t, "persisted base", fresh.Base())
	assert.Equal(t, []string{"line one", "line two"}, fresh.Overlay())
}

func TestReloadPicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	l := openTestLayer(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "system_base.md"), []byte("edited outside"), 0o644))
	require.NoError(t, l.Reload())
	assert.Equal(t, "edited outside", l.Base())
}

func TestClearOverlay(t *testing.T) {
	dir := t.TempDir()
	l := openTestLayer(t, dir)
	require.NoError(t, l.AppendOverlay("transient"))
	require.NoError(t, l.ClearOverlay())

	assert.Empty(t, l.Overlay())
	fresh := openTestLayer(t, dir)
	assert.Empty(t, fresh.Overlay())
}

func TestSetOverlayDropsBlankLines(t *testing.T) {
	l := openTestLayer(t, t.TempDir())
	require.NoError(t, l.SetOverlay("one\n\n  \ntwo\n"))
	assert.Equal(t, []string{"one", "two"}, l.Overlay())
}
