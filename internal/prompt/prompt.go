// Package prompt holds the agent's system prompt as a base text plus an
// ordered overlay of operator-appended lines, persisted to two files.
package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

// Error codes returned by prompt operations.
const (
	CodeEmptyLine        = "prompt.empty_line"
	CodeReloadFailed     = "prompt.reload_failed"
	CodeSetBaseFailed    = "prompt.set_base_failed"
	CodeSetOverlayFailed = "prompt.set_overlay_failed"
)

// DefaultBase seeds the base file when it does not exist yet.
const DefaultBase = "You are a capable assistant working inside a developer's project directory. " +
	"Follow the operator's instructions precisely and keep responses concise."

const overlayHeader = "# Session overlay"

// Layer is the two-part system prompt. Safe for concurrent use.
type Layer struct {
	mu          sync.Mutex
	base        string
	overlay     []string
	basePath    string
	overlayPath string
	logger      *logger.Logger
}

// Open loads the prompt layer from its two files. A missing base file is
// initialized with DefaultBase and persisted.
func Open(basePath, overlayPath string, log *logger.Logger) (*Layer, error) {
	l := &Layer{
		basePath:    basePath,
		overlayPath: overlayPath,
		logger:      log.WithComponent("prompt"),
	}
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return nil, fault.Wrap(CodeReloadFailed, err)
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Effective returns the base followed by the overlay under a separator
// header, or just the base when the overlay is empty.
func (l *Layer) Effective() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.overlay) == 0 {
		return l.base
	}
	return l.base + "\n\n" + overlayHeader + "\n" + strings.Join(l.overlay, "\n")
}

// Base returns the base prompt.
func (l *Layer) Base() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base
}

// Overlay returns a copy of the overlay lines.
func (l *Layer) Overlay() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.overlay))
	copy(out, l.overlay)
	return out
}

// SetBase overwrites and persists the base prompt.
func (l *Layer) SetBase(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.WriteFile(l.basePath, []byte(s), 0o644); err != nil {
		return fault.Wrap(CodeSetBaseFailed, err)
	}
	l.base = s
	return nil
}

// SetOverlay overwrites and persists the overlay. Blank lines are dropped.
func (l *Layer) SetOverlay(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines := splitOverlay(s)
	if err := l.writeOverlay(lines); err != nil {
		return fault.Wrap(CodeSetOverlayFailed, err)
	}
	l.overlay = lines
	return nil
}

// AppendOverlay appends one non-empty line and persists.
func (l *Layer) AppendOverlay(line string) error {
	if strings.TrimSpace(line) == "" {
		return fault.New(CodeEmptyLine, "overlay line must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lines := append(append([]string(nil), l.overlay...), strings.TrimRight(line, "\r\n"))
	if err := l.writeOverlay(lines); err != nil {
		return fault.Wrap(CodeSetOverlayFailed, err)
	}
	l.overlay = lines
	return nil
}

// ClearOverlay empties both the in-memory overlay and its file.
func (l *Layer) ClearOverlay() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writeOverlay(nil); err != nil {
		return fault.Wrap(CodeSetOverlayFailed, err)
	}
	l.overlay = nil
	return nil
}

// Reload re-reads both files from disk.
func (l *Layer) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// load reads both files; caller holds the lock (or is constructing).
func (l *Layer) load() error {
	data, err := os.ReadFile(l.basePath)
	switch {
	case err == nil:
		l.base = string(data)
	case os.IsNotExist(err):
		l.base = DefaultBase
		if err := os.WriteFile(l.basePath, []byte(DefaultBase), 0o644); err != nil {
			return fault.Wrap(CodeReloadFailed, err)
		}
	default:
		return fault.Wrap(CodeReloadFailed, err)
	}

	data, err = os.ReadFile(l.overlayPath)
	switch {
	case err == nil:
		l.overlay = splitOverlay(string(data))
	case os.IsNotExist(err):
		l.overlay = nil
	default:
		return fault.Wrap(CodeReloadFailed, err)
	}
	return nil
}

func (l *Layer) writeOverlay(lines []string) error {
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	return os.WriteFile(l.overlayPath, []byte(content), 0o644)
}

func splitOverlay(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimRight(line, "\r"))
		}
	}
	return lines
}
