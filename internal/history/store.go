// Package history is the agent's conversation memory: an append-only turn
// log, a summary chain, threshold-triggered summarization, and restart-time
// context reconstruction.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

// Error codes returned by history operations.
const (
	CodeConfirmRequired         = "history.confirm_required"
	CodeAppendFailed            = "history.append_failed"
	CodeSummarizeFailed         = "history.summarize_failed"
	CodeNoTurns                 = "history.no_turns"
	CodeSummarizationNotNeeded  = "history.summarization_not_needed"
	CodeCompactionFailed        = "history.compaction_failed"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall records a tool invocation attached to a turn.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
}

// Turn is one conversation record.
type Turn struct {
	TS        time.Time  `json:"ts"`
	Role      string     `json:"role"`
	Source    string     `json:"source"`
	Content   string     `json:"content"`
	TokensIn  int        `json:"tokens_in"`
	TokensOut int        `json:"tokens_out"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Tokens returns the total token count of the turn.
func (t *Turn) Tokens() int {
	return t.TokensIn + t.TokensOut
}

// Summary is one element of the summary chain.
type Summary struct {
	ID            string         `json:"id"`
	TS            time.Time      `json:"ts"`
	Strategy      string         `json:"strategy"`
	TurnsCovered  int            `json:"turns_covered"`
	TokensCovered int            `json:"tokens_covered"`
	Digest        string         `json:"digest"`
	Meta          map[string]any `json:"meta,omitempty"`
	Preserved     []*Turn        `json:"preserved,omitempty"`
}

// Store holds the turn list and summary chain, backed by two JSON-Lines
// logs. Turn appends are flushed before they return.
type Store struct {
	mu          sync.Mutex
	turns       []*Turn
	summaries   []*Summary
	historyPath string
	summaryPath string
	historyFile *os.File
	summaryFile *os.File
	logger      *logger.Logger
}

// Open loads (or creates) the history and summary logs. Malformed lines
// are skipped with a warning.
func Open(historyPath, summaryPath string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(historyPath), 0o755); err != nil {
		return nil, fault.Wrap(CodeAppendFailed, err)
	}

	s := &Store{
		historyPath: historyPath,
		summaryPath: summaryPath,
		logger:      log.WithComponent("history"),
	}

	if err := readLines(historyPath, func(line int, raw []byte) {
		var turn Turn
		if err := json.Unmarshal(raw, &turn); err != nil {
			s.logger.Warn("skipping malformed history line",
				zap.Int("line", line), zap.Error(err))
			return
		}
		s.turns = append(s.turns, &turn)
	}); err != nil {
		return nil, fault.Wrap(CodeAppendFailed, err)
	}

	if err := readLines(summaryPath, func(line int, raw []byte) {
		var sum Summary
		if err := json.Unmarshal(raw, &sum); err != nil {
			s.logger.Warn("skipping malformed summary line",
				zap.Int("line", line), zap.Error(err))
			return
		}
		s.summaries = append(s.summaries, &sum)
	}); err != nil {
		return nil, fault.Wrap(CodeAppendFailed, err)
	}

	var err error
	s.historyFile, err = os.OpenFile(historyPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fault.Wrap(CodeAppendFailed, err)
	}
	s.summaryFile, err = os.OpenFile(summaryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		_ = s.historyFile.Close()
		return nil, fault.Wrap(CodeAppendFailed, err)
	}
	return s, nil
}

// AppendTurn writes the turn to the log, flushes, and adds it to the
// in-memory list. The append is durable once this returns nil.
func (s *Store) AppendTurn(turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(turn)
	if err != nil {
		return fault.Wrap(CodeAppendFailed, err)
	}
	if _, err := s.historyFile.Write(append(line, '\n')); err != nil {
		return fault.Wrap(CodeAppendFailed, err)
	}
	if err := s.historyFile.Sync(); err != nil {
		return fault.Wrap(CodeAppendFailed, err)
	}
	s.turns = append(s.turns, turn)
	return nil
}

// Turns returns a copy of the current turn list.
func (s *Store) Turns() []*Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Summaries returns a copy of the summary chain.
func (s *Store) Summaries() []*Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Summary, len(s.summaries))
	copy(out, s.summaries)
	return out
}

// Size returns the current turn count.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// RecentTurns returns up to n trailing turns.
func (s *Store) RecentTurns(n int) []*Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n >= len(s.turns) {
		n = len(s.turns)
	}
	out := make([]*Turn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out
}

// Clear empties both logs. Refused without confirm; no state changes on
// refusal.
func (s *Store) Clear(confirm bool) error {
	if !confirm {
		return fault.New(CodeConfirmRequired, "history.clear requires confirm=true")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = nil
	s.summaries = nil
	if err := s.rewriteHistoryLocked(); err != nil {
		return fault.Wrap(CodeAppendFailed, err)
	}
	if err := s.rewriteSummariesLocked(); err != nil {
		return fault.Wrap(CodeAppendFailed, err)
	}
	s.logger.Info("history cleared")
	return nil
}

// Close flushes and closes both log files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	if s.historyFile != nil {
		if err := s.historyFile.Close(); err != nil {
			first = err
		}
		s.historyFile = nil
	}
	if s.summaryFile != nil {
		if err := s.summaryFile.Close(); err != nil && first == nil {
			first = err
		}
		s.summaryFile = nil
	}
	return first
}

// replaceAfterSummary installs the post-summarization state: the turn list
// becomes the preserved set and the summary joins the chain. Both logs are
// rewritten; the summary append lands before the turn log shrinks so a
// crash between the two cannot lose coverage.
func (s *Store) replaceAfterSummary(preserved []*Turn, sum *Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries = append(s.summaries, sum)
	if err := s.appendSummaryLocked(sum); err != nil {
		s.summaries = s.summaries[:len(s.summaries)-1]
		return fault.Wrap(CodeSummarizeFailed, err)
	}

	s.turns = preserved
	if err := s.rewriteHistoryLocked(); err != nil {
		return fault.Wrap(CodeSummarizeFailed, err)
	}
	return nil
}

// replaceSummaries swaps the whole summary chain (compaction) and rewrites
// its log atomically.
func (s *Store) replaceSummaries(summaries []*Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.summaries
	s.summaries = summaries
	if err := s.rewriteSummariesLocked(); err != nil {
		s.summaries = old
		return fault.Wrap(CodeCompactionFailed, err)
	}
	return nil
}

func (s *Store) appendSummaryLocked(sum *Summary) error {
	line, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	if _, err := s.summaryFile.Write(append(line, '\n')); err != nil {
		return err
	}
	return s.summaryFile.Sync()
}

func (s *Store) rewriteHistoryLocked() error {
	file, err := rewriteJSONL(s.historyPath, len(s.turns), func(i int) (any, bool) {
		return s.turns[i], i < len(s.turns)
	})
	if err != nil {
		return err
	}
	if s.historyFile != nil {
		_ = s.historyFile.Close()
	}
	s.historyFile = file
	return nil
}

func (s *Store) rewriteSummariesLocked() error {
	file, err := rewriteJSONL(s.summaryPath, len(s.summaries), func(i int) (any, bool) {
		return s.summaries[i], i < len(s.summaries)
	})
	if err != nil {
		return err
	}
	if s.summaryFile != nil {
		_ = s.summaryFile.Close()
	}
	s.summaryFile = file
	return nil
}

// rewriteJSONL atomically replaces a JSONL file with n records and reopens
// it in append mode.
func rewriteJSONL(path string, n int, record func(int) (any, bool)) (*os.File, error) {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(file)
	for i := 0; i < n; i++ {
		rec, ok := record(i)
		if !ok {
			break
		}
		line, err := json.Marshal(rec)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func readLines(path string, fn func(line int, raw []byte)) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		fn(line, raw)
	}
	return scanner.Err()
}
