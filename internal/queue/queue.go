// Package queue is the agent's durable input queue: an in-memory FIFO
// backed by a JSON-Lines log. Every append reaches disk before the call
// returns; startup reloads the log in file order.
package queue

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

// Error codes returned by queue operations.
const (
	CodeAppendFailed = "queue.append_failed"
	CodeClearFailed  = "queue.clear_failed"
)

// Source tags for queue items.
const (
	SourceConsole = "console"
	SourceLocal   = "local"
)

// Item is one queued prompt.
type Item struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Source string    `json:"source"`
	TS     time.Time `json:"ts"`
}

// Queue is a durable FIFO. All methods are safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	items  []*Item
	path   string
	file   *os.File
	logger *logger.Logger
}

// Open loads (or creates) the queue log at path. Malformed lines are
// skipped with a warning and do not abort startup.
func Open(path string, log *logger.Logger) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fault.Wrap(CodeAppendFailed, err)
	}

	q := &Queue{path: path, logger: log.WithComponent("queue")}

	if data, err := os.ReadFile(path); err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var item Item
			if err := json.Unmarshal(raw, &item); err != nil {
				q.logger.Warn("skipping malformed queue line",
					zap.Int("line", line), zap.Error(err))
				continue
			}
			q.items = append(q.items, &item)
		}
	} else if !os.IsNotExist(err) {
		return nil, fault.Wrap(CodeAppendFailed, err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fault.Wrap(CodeAppendFailed, err)
	}
	q.file = file
	return q, nil
}

// Append adds an item, flushing it to the log before returning its id.
func (q *Queue) Append(text, source string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &Item{
		ID:     uuid.New().String(),
		Text:   text,
		Source: source,
		TS:     time.Now().UTC(),
	}
	line, err := json.Marshal(item)
	if err != nil {
		return "", fault.Wrap(CodeAppendFailed, err)
	}
	if _, err := q.file.Write(append(line, '\n')); err != nil {
		return "", fault.Wrap(CodeAppendFailed, err)
	}
	if err := q.file.Sync(); err != nil {
		return "", fault.Wrap(CodeAppendFailed, err)
	}

	q.items = append(q.items, item)
	return item.ID, nil
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Pop removes and returns the head. The log is rewritten to the remaining
// items so a restart does not replay consumed prompts.
func (q *Queue) Pop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	if err := q.rewrite(); err != nil {
		q.logger.Warn("queue log rewrite after pop failed", zap.Error(err))
	}
	return head, true
}

// Size returns the current queue length.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns a read-only snapshot of the queue.
func (q *Queue) List() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, len(q.items))
	copy(out, q.items)
	return out
}

// Clear empties both the in-memory queue and the on-disk log.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	if err := q.rewrite(); err != nil {
		return fault.Wrap(CodeClearFailed, err)
	}
	return nil
}

// Close flushes and closes the log file.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.file == nil {
		return nil
	}
	err := q.file.Close()
	q.file = nil
	return err
}

// rewrite atomically replaces the log with the current in-memory items.
// Caller holds the lock.
func (q *Queue) rewrite() error {
	tmp := q.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	for _, item := range q.items {
		line, err := json.Marshal(item)
		if err != nil {
			_ = file.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = file.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return err
	}

	if q.file != nil {
		_ = q.file.Close()
	}
	q.file, err = os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	return err
}
