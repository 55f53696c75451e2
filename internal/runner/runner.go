// Package runner drives queued prompts through the model: it assembles the
// prompt from the system layer and history, streams the response, handles
// tool calls found in the stream, and narrates everything on the tail.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/history"
	"github.com/agentmux/agentmux/internal/memory"
	"github.com/agentmux/agentmux/internal/model"
	"github.com/agentmux/agentmux/internal/prompt"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/tail"
)

// pollInterval is the idle re-check period when no wake signal arrives.
const pollInterval = 500 * time.Millisecond

// Tool executes one registered tool call.
type Tool func(ctx context.Context, args map[string]any) (any, error)

// Runner consumes the queue one item at a time. At most one task is active;
// interrupt and cancel flags end the active stream.
type Runner struct {
	queue      *queue.Queue
	store      *history.Store
	engine     *history.Engine
	prompts    *prompt.Layer
	accountant *memory.Accountant
	counter    *memory.Counter
	streamer   model.Streamer
	emitter    *tail.Emitter
	registry   *registry.Registry
	agentID    string
	window     int
	extractor  ToolCallExtractor
	logger     *logger.Logger

	mu          sync.Mutex
	tools       map[string]Tool
	active      bool
	interrupted bool
	cancelled   bool
	cancelTask  context.CancelFunc

	wake    chan struct{}
	stopped chan struct{}
	stop    context.CancelFunc
}

// Options wires a runner's collaborators.
type Options struct {
	Queue      *queue.Queue
	Store      *history.Store
	Engine     *history.Engine
	Prompts    *prompt.Layer
	Accountant *memory.Accountant
	Counter    *memory.Counter
	Streamer   model.Streamer
	Emitter    *tail.Emitter
	Registry   *registry.Registry
	AgentID    string
	// RecentWindow bounds the trailing history turns included in the prompt.
	RecentWindow int
	// Extractor defaults to MarkerExtractor.
	Extractor ToolCallExtractor
	Logger    *logger.Logger
}

// New creates a runner. Call Start to begin consuming the queue.
func New(opts Options) *Runner {
	extractor := opts.Extractor
	if extractor == nil {
		extractor = MarkerExtractor{}
	}
	window := opts.RecentWindow
	if window <= 0 {
		window = 10
	}
	return &Runner{
		queue:      opts.Queue,
		store:      opts.Store,
		engine:     opts.Engine,
		prompts:    opts.Prompts,
		accountant: opts.Accountant,
		counter:    opts.Counter,
		streamer:   opts.Streamer,
		emitter:    opts.Emitter,
		registry:   opts.Registry,
		agentID:    opts.AgentID,
		window:     window,
		extractor:  extractor,
		logger:     opts.Logger.WithComponent("runner").WithAgentID(opts.AgentID),
		tools:      make(map[string]Tool),
		wake:       make(chan struct{}, 1),
	}
}

// Bind attaches the bus-backed collaborators that only exist once the
// process bus is connected. Must be called before Start when they were not
// passed in Options.
func (r *Runner) Bind(reg *registry.Registry, emitter *tail.Emitter) {
	r.registry = reg
	r.emitter = emitter
}

// RegisterTool makes a tool callable from model output.
func (r *Runner) RegisterTool(name string, fn Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

// Start launches the consume loop.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.stop = cancel
	r.stopped = make(chan struct{})
	go r.loop(ctx)
}

// Stop ends the consume loop and waits for the active task to wind down.
func (r *Runner) Stop() {
	if r.stop == nil {
		return
	}
	r.stop()
	<-r.stopped
}

// Wake nudges the loop after an external queue append.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Active reports whether a task is running.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Interrupt sets the interrupt flag and ends the active stream.
func (r *Runner) Interrupt() {
	r.mu.Lock()
	r.interrupted = true
	cancel := r.cancelTask
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancel sets the cancel flag. With hard=true the active stream is ended
// immediately; otherwise the current stream drains and the task reports a
// cancelled outcome.
func (r *Runner) Cancel(hard bool) {
	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancelTask
	r.mu.Unlock()
	if hard && cancel != nil {
		cancel()
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.stopped)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}

		for {
			if ctx.Err() != nil {
				return
			}
			item, ok := r.queue.Pop()
			if !ok {
				break
			}
			r.runTask(ctx, item)
		}
	}
}

// runTask executes one queue item end to end.
func (r *Runner) runTask(ctx context.Context, item *queue.Item) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.active = true
	r.interrupted = false
	r.cancelled = false
	r.cancelTask = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active = false
		r.cancelTask = nil
		r.mu.Unlock()
		r.setState(ctx, registry.StateIdle)
	}()

	r.setState(ctx, registry.StateBusy)
	r.emitter.Emit(ctx, tail.EventTaskStart, map[string]any{
		"id":        item.ID,
		"prompt_id": item.ID,
	})

	ok, err := r.execute(taskCtx, ctx, item)
	if err != nil {
		r.logger.Error("task failed", zap.String("item_id", item.ID), zap.Error(err))
		r.emitter.Emit(ctx, tail.EventError, map[string]any{
			"msg":   err.Error(),
			"trace": string(debug.Stack()),
		})
		ok = false
	}
	r.emitter.Emit(ctx, tail.EventTaskEnd, map[string]any{"id": item.ID, "ok": ok})
}

// execute streams the model and handles tool calls. taskCtx dies on
// interrupt/cancel; emitCtx outlives it so terminal events still publish.
func (r *Runner) execute(taskCtx, emitCtx context.Context, item *queue.Item) (bool, error) {
	userTokens := r.counter.Count(item.Text)
	if err := r.store.AppendTurn(&history.Turn{
		TS:       time.Now().UTC(),
		Role:     history.RoleUser,
		Source:   item.Source,
		Content:  item.Text,
		TokensIn: userTokens,
	}); err != nil {
		return false, err
	}

	builtPrompt := r.buildPrompt(item.Text)
	chunks, err := r.streamer.Stream(taskCtx, builtPrompt)
	if err != nil {
		return false, err
	}

	var response strings.Builder
	var pending string
	var toolCalls []history.ToolCall

	for chunk := range chunks {
		response.WriteString(chunk.Text)
		r.emitter.Emit(emitCtx, tail.EventToken, map[string]any{
			"text":  chunk.Text,
			"model": chunk.Model,
		})

		pending += chunk.Text
		var calls []ToolCall
		calls, pending = r.extractor.Extract(pending)
		for _, call := range calls {
			toolCalls = append(toolCalls, r.handleToolCall(emitCtx, call))
		}
		if r.flagged() {
			break
		}
	}

	// A marker in the final unterminated line still counts.
	if calls, _ := r.extractor.Extract(pending + "\n"); len(calls) > 0 {
		for _, call := range calls {
			toolCalls = append(toolCalls, r.handleToolCall(emitCtx, call))
		}
	}

	outTokens := r.counter.Count(response.String())
	if err := r.store.AppendTurn(&history.Turn{
		TS:        time.Now().UTC(),
		Role:      history.RoleAssistant,
		Source:    item.Source,
		Content:   response.String(),
		TokensOut: outTokens,
		ToolCalls: toolCalls,
	}); err != nil {
		return false, err
	}

	r.accountant.Add(userTokens + outTokens)
	if err := r.registry.UpdateContextUsage(emitCtx, r.agentID, r.accountant.Usage()); err != nil {
		r.logger.Warn("context usage update failed", zap.Error(err))
	}
	r.maybeSummarize(emitCtx)

	return !r.flagged(), nil
}

// buildPrompt assembles: effective system prompt, trailing history turns
// as "Role: content", the user text, then the assistant cue.
func (r *Runner) buildPrompt(userText string) string {
	var b strings.Builder
	b.WriteString(r.prompts.Effective())
	b.WriteString("\n\n")
	for _, t := range r.store.RecentTurns(r.window) {
		role := t.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteByte('\n')
	}
	b.WriteString("User: ")
	b.WriteString(userText)
	b.WriteString("\nAssistant: ")
	return b.String()
}

// handleToolCall runs one call and narrates it on the tail.
func (r *Runner) handleToolCall(ctx context.Context, call ToolCall) history.ToolCall {
	r.emitter.Emit(ctx, tail.EventToolStart, map[string]any{
		"tool":      call.Name,
		"arguments": call.Arguments,
	})

	record := history.ToolCall{Name: call.Name, Arguments: call.Arguments}

	r.mu.Lock()
	fn, ok := r.tools[call.Name]
	r.mu.Unlock()

	switch {
	case !ok:
		r.emitter.Emit(ctx, tail.EventError, map[string]any{
			"msg":  fmt.Sprintf("tool %q not found", call.Name),
			"tool": call.Name,
		})
		record.Result = "error: not found"
	default:
		result, err := fn(ctx, call.Arguments)
		if err != nil {
			r.emitter.Emit(ctx, tail.EventError, map[string]any{
				"msg":  err.Error(),
				"tool": call.Name,
			})
			record.Result = "error: " + err.Error()
		} else {
			r.emitter.Emit(ctx, tail.EventToolResult, map[string]any{
				"tool":   call.Name,
				"result": result,
			})
			record.Result = fmt.Sprintf("%v", result)
		}
	}

	r.emitter.Emit(ctx, tail.EventToolEnd, map[string]any{"tool": call.Name})
	return record
}

// maybeSummarize collapses history when the accountant crosses its
// threshold. Failures are logged; the task outcome is unaffected.
func (r *Runner) maybeSummarize(ctx context.Context) {
	if !r.accountant.ShouldSummarize() {
		return
	}
	if _, err := r.engine.Summarize(ctx, true); err != nil {
		r.logger.Warn("threshold summarization failed", zap.Error(err))
		return
	}
	covered := r.accountant.Summarize()
	r.logger.Info("context summarized", zap.Int("tokens_covered", covered))
	if err := r.registry.UpdateContextUsage(ctx, r.agentID, r.accountant.Usage()); err != nil {
		r.logger.Warn("context usage update failed", zap.Error(err))
	}
}

func (r *Runner) flagged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted || r.cancelled
}

func (r *Runner) setState(ctx context.Context, state registry.State) {
	if err := r.registry.UpdateState(ctx, r.agentID, state); err != nil {
		r.logger.Warn("registry state update failed",
			zap.String("state", string(state)), zap.Error(err))
	}
}
