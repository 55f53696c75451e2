package runner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/history"
	"github.com/agentmux/agentmux/internal/memory"
	"github.com/agentmux/agentmux/internal/model"
	"github.com/agentmux/agentmux/internal/prompt"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/tail"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

type fixture struct {
	runner *Runner
	queue  *queue.Queue
	store  *history.Store
	events chan *tail.Event
}

// newFixture assembles a runner over a memory bus with a scripted model and
// a subscriber collecting every tail event.
func newFixture(t *testing.T, streamer model.Streamer) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := testLogger(t)
	ctx := context.Background()

	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)

	q, err := queue.Open(filepath.Join(dir, "queue.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	store, err := history.Open(filepath.Join(dir, "history.jsonl"), filepath.Join(dir, "summary.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := history.NewEngine(store, history.Policy{
		Strategy:       history.StrategyToken,
		TokenThreshold: 1 << 20,
	}, nil, log)

	prompts, err := prompt.Open(filepath.Join(dir, "system_base.md"), filepath.Join(dir, "system_overlay.md"), log)
	require.NoError(t, err)

	accountant, err := memory.NewAccountant(1<<20, 0.9)
	require.NoError(t, err)

	reg := registry.New(b, time.Minute, log)
	rec := registry.NewRecord("p/a", "a", "p", "scripted", dir, "host", 1, registry.StateIdle)
	require.NoError(t, reg.Register(ctx, rec))

	emitter := tail.NewEmitter(b, "p/a", 0, log)

	events := make(chan *tail.Event, 256)
	sub := tail.NewSubscriber(b, log)
	s, err := sub.Subscribe(ctx, "p/a", func(ev *tail.Event) { events <- ev })
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Unsubscribe() })

	r := New(Options{
		Queue:      q,
		Store:      store,
		Engine:     engine,
		Prompts:    prompts,
		Accountant: accountant,
		Counter:    memory.NewCounter(),
		Streamer:   streamer,
		Emitter:    emitter,
		Registry:   reg,
		AgentID:    "p/a",
		Logger:     log,
	})
	return &fixture{runner: r, queue: q, store: store, events: events}
}

// collectUntilTaskEnd drains events until a task.end arrives.
func (f *fixture) collectUntilTaskEnd(t *testing.T) []*tail.Event {
	t.Helper()
	var got []*tail.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-f.events:
			got = append(got, ev)
			if ev.Type == tail.EventTaskEnd {
				return got
			}
		case <-deadline:
			t.Fatalf("no task.end seen, %d events so far", len(got))
		}
	}
}

func eventsOfType(events []*tail.Event, typ tail.EventType) []*tail.Event {
	var out []*tail.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestTaskLifecycleEvents(t *testing.T) {
	f := newFixture(t, model.NewScripted("Sure, here is the answer you asked for."))
	ctx := context.Background()

	f.runner.Start(ctx)
	defer f.runner.Stop()

	id, err := f.queue.Append("what is the answer?", queue.SourceConsole)
	require.NoError(t, err)
	f.runner.Wake()

	got := f.collectUntilTaskEnd(t)

	starts := eventsOfType(got, tail.EventTaskStart)
	require.Len(t, starts, 1)
	assert.Equal(t, id, starts[0].Data["id"])

	tokens := eventsOfType(got, tail.EventToken)
	require.NotEmpty(t, tokens)
	var text string
	for _, ev := range tokens {
		text += ev.Data["text"].(string)
	}
	assert.Equal(t, "Sure, here is the answer you asked for.", text)

	ends := eventsOfType(got, tail.EventTaskEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, true, ends[0].Data["ok"])

	// task.start precedes every token, task.end comes last.
	assert.Equal(t, tail.EventTaskStart, got[0].Type)
	assert.Equal(t, tail.EventTaskEnd, got[len(got)-1].Type)
}

func TestTaskRecordsHistoryTurns(t *testing.T) {
	f := newFixture(t, model.NewScripted("recorded reply"))
	ctx := context.Background()

	f.runner.Start(ctx)
	defer f.runner.Stop()

	_, err := f.queue.Append("record me", queue.SourceConsole)
	require.NoError(t, err)
	f.runner.Wake()
	f.collectUntilTaskEnd(t)

	require.Eventually(t, func() bool { return len(f.store.Turns()) == 2 }, 2*time.Second, 10*time.Millisecond)
	turns := f.store.Turns()
	assert.Equal(t, history.RoleUser, turns[0].Role)
	assert.Equal(t, "record me", turns[0].Content)
	assert.Greater(t, turns[0].TokensIn, 0)
	assert.Equal(t, history.RoleAssistant, turns[1].Role)
	assert.Equal(t, "recorded reply", turns[1].Content)
	assert.Greater(t, turns[1].TokensOut, 0)
}

func TestToolCallDispatch(t *testing.T) {
	f := newFixture(t, model.NewScripted("Looking that up.\nTOOL_CALL: lookup {\"key\": \"answer\"}\nDone."))
	ctx := context.Background()

	called := make(chan map[string]any, 1)
	f.runner.RegisterTool("lookup", func(_ context.Context, args map[string]any) (any, error) {
		called <- args
		return "42", nil
	})

	f.runner.Start(ctx)
	defer f.runner.Stop()

	_, err := f.queue.Append("look it up", queue.SourceConsole)
	require.NoError(t, err)
	f.runner.Wake()
	got := f.collectUntilTaskEnd(t)

	select {
	case args := <-called:
		assert.Equal(t, "answer", args["key"])
	default:
		t.Fatal("tool never invoked")
	}

	starts := eventsOfType(got, tail.EventToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "lookup", starts[0].Data["tool"])

	results := eventsOfType(got, tail.EventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "42", results[0].Data["result"])

	require.Len(t, eventsOfType(got, tail.EventToolEnd), 1)

	// The assistant turn carries the call and its result.
	require.Eventually(t, func() bool { return len(f.store.Turns()) == 2 }, 2*time.Second, 10*time.Millisecond)
	calls := f.store.Turns()[1].ToolCalls
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.Equal(t, "42", calls[0].Result)
}

func TestUnknownToolReportsError(t *testing.T) {
	f := newFixture(t, model.NewScripted("TOOL_CALL: missing {}\n"))
	ctx := context.Background()

	f.runner.Start(ctx)
	defer f.runner.Stop()

	_, err := f.queue.Append("call something unknown", queue.SourceConsole)
	require.NoError(t, err)
	f.runner.Wake()
	got := f.collectUntilTaskEnd(t)

	errs := eventsOfType(got, tail.EventError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Data["msg"], "missing")
	// tool.end still fires so the tail stays balanced.
	assert.Len(t, eventsOfType(got, tail.EventToolEnd), 1)
}

func TestFailingToolRecordedAsError(t *testing.T) {
	f := newFixture(t, model.NewScripted("TOOL_CALL: flaky {}\n"))
	ctx := context.Background()

	f.runner.RegisterTool("flaky", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("backend unavailable")
	})

	f.runner.Start(ctx)
	defer f.runner.Stop()

	_, err := f.queue.Append("try the flaky tool", queue.SourceConsole)
	require.NoError(t, err)
	f.runner.Wake()
	f.collectUntilTaskEnd(t)

	require.Eventually(t, func() bool { return len(f.store.Turns()) == 2 }, 2*time.Second, 10*time.Millisecond)
	calls := f.store.Turns()[1].ToolCalls
	require.Len(t, calls, 1)
	assert.Equal(t, "error: backend unavailable", calls[0].Result)
}

func TestQueueDrainedInOrder(t *testing.T) {
	f := newFixture(t, model.NewScripted("first reply", "second reply"))
	ctx := context.Background()

	f.runner.Start(ctx)
	defer f.runner.Stop()

	_, err := f.queue.Append("first", queue.SourceConsole)
	require.NoError(t, err)
	_, err = f.queue.Append("second", queue.SourceConsole)
	require.NoError(t, err)
	f.runner.Wake()

	f.collectUntilTaskEnd(t)
	f.collectUntilTaskEnd(t)

	require.Eventually(t, func() bool { return len(f.store.Turns()) == 4 }, 2*time.Second, 10*time.Millisecond)
	turns := f.store.Turns()
	assert.Equal(t, "first", turns[0].Content)
	assert.Equal(t, "first reply", turns[1].Content)
	assert.Equal(t, "second", turns[2].Content)
	assert.Equal(t, "second reply", turns[3].Content)
	assert.Equal(t, 0, f.queue.Size())
}

// blockingStreamer emits one chunk then holds the stream open until the
// context dies.
type blockingStreamer struct {
	started chan struct{}
}

func (s *blockingStreamer) Stream(ctx context.Context, _ string) (<-chan model.Chunk, error) {
	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		select {
		case out <- model.Chunk{Text: "partial", Model: "blocking"}:
			close(s.started)
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return out, nil
}

func TestInterruptEndsActiveTask(t *testing.T) {
	streamer := &blockingStreamer{started: make(chan struct{})}
	f := newFixture(t, streamer)
	ctx := context.Background()

	f.runner.Start(ctx)
	defer f.runner.Stop()

	_, err := f.queue.Append("never finishes", queue.SourceConsole)
	require.NoError(t, err)
	f.runner.Wake()

	select {
	case <-streamer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started")
	}
	require.Eventually(t, f.runner.Active, 2*time.Second, 10*time.Millisecond)

	f.runner.Interrupt()
	got := f.collectUntilTaskEnd(t)

	ends := eventsOfType(got, tail.EventTaskEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, false, ends[0].Data["ok"], "an interrupted task does not report success")
	require.Eventually(t, func() bool { return !f.runner.Active() }, 2*time.Second, 10*time.Millisecond)
}
