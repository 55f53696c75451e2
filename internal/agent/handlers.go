package agent

import (
	"context"
	"time"

	"github.com/agentmux/agentmux/internal/fault"
	"github.com/agentmux/agentmux/internal/kb"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/rpc"
	"github.com/agentmux/agentmux/internal/tail"
)

// CodeBadParams rejects requests with missing or mistyped parameters.
const CodeBadParams = "rpc.bad_params"

func (a *Agent) registerHandlers() {
	a.server.Register(rpc.MethodInput, a.handleInput)
	a.server.Register(rpc.MethodInterrupt, a.handleInterrupt)
	a.server.Register(rpc.MethodCancel, a.handleCancel)
	a.server.Register(rpc.MethodStatus, a.handleStatus)
	a.server.Register(rpc.MethodPromptGet, a.handlePromptGet)
	a.server.Register(rpc.MethodPromptSet, a.handlePromptSet)
	a.server.Register(rpc.MethodPromptReload, a.handlePromptReload)
	a.server.Register(rpc.MethodPromptOverlay, a.handlePromptOverlay)
	a.server.Register(rpc.MethodHistoryClear, a.handleHistoryClear)
	a.server.Register(rpc.MethodKBIngest, a.handleKBIngest)
	a.server.Register(rpc.MethodKBSearch, a.handleKBSearch)
	a.server.Register(rpc.MethodKBGetItems, a.handleKBGetItems)
	a.server.Register(rpc.MethodKBCopyFrom, a.handleKBCopyFrom)
	a.server.Register(rpc.MethodTailReplay, a.handleTailReplay)
}

// handleTailReplay returns ring events after the given offset so a console
// can rebuild recent context at attach time.
func (a *Agent) handleTailReplay(_ context.Context, params map[string]any) (map[string]any, error) {
	from := int64(intParam(params, "from_offset"))
	events := a.emitter.ReplayFrom(from)
	out := make([]any, 0, len(events))
	for _, ev := range events {
		if ev.Type == tail.EventToken {
			continue
		}
		out = append(out, map[string]any{
			"offset": ev.Offset,
			"ts":     ev.TS,
			"type":   string(ev.Type),
			"data":   ev.Data,
		})
	}
	return map[string]any{"events": out, "last_offset": a.emitter.LastOffset()}, nil
}

func (a *Agent) handleInput(_ context.Context, params map[string]any) (map[string]any, error) {
	text, _ := params["text"].(string)
	if text == "" {
		return nil, fault.New(CodeBadParams, "text is required")
	}
	source, _ := params["source"].(string)
	if source == "" {
		source = queue.SourceConsole
	}
	id, err := a.queue.Append(text, source)
	if err != nil {
		return nil, err
	}
	a.runner.Wake()
	return map[string]any{"item_id": id}, nil
}

func (a *Agent) handleInterrupt(context.Context, map[string]any) (map[string]any, error) {
	a.runner.Interrupt()
	return map[string]any{}, nil
}

func (a *Agent) handleCancel(_ context.Context, params map[string]any) (map[string]any, error) {
	hard, _ := params["hard"].(bool)
	a.runner.Cancel(hard)
	return map[string]any{}, nil
}

func (a *Agent) handleStatus(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{
		"agent_id":       a.id.ID(),
		"name":           a.id.Name,
		"project":        a.id.Project,
		"model":          a.cfg.Agent.Model,
		"cwd":            workDir(a.cfg),
		"standalone":     a.standalone,
		"started_at":     a.startedAt.Format(time.RFC3339),
		"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
		"active_task":    a.runner.Active(),
		"queue_size":     a.queue.Size(),
		"history_turns":  a.store.Size(),
		"summaries":      len(a.store.Summaries()),
		"context_usage":  a.account.Usage(),
		"tokens":         a.account.Tokens(),
		"last_offset":    a.emitter.LastOffset(),
	}, nil
}

func (a *Agent) handlePromptGet(context.Context, map[string]any) (map[string]any, error) {
	overlay := a.prompts.Overlay()
	lines := make([]any, len(overlay))
	for i, l := range overlay {
		lines[i] = l
	}
	return map[string]any{
		"base":      a.prompts.Base(),
		"overlay":   lines,
		"effective": a.prompts.Effective(),
	}, nil
}

func (a *Agent) handlePromptSet(_ context.Context, params map[string]any) (map[string]any, error) {
	base, hasBase := params["base"].(string)
	overlay, hasOverlay := params["overlay"].(string)
	if !hasBase && !hasOverlay {
		return nil, fault.New(CodeBadParams, "base or overlay is required")
	}
	if hasBase {
		if err := a.prompts.SetBase(base); err != nil {
			return nil, err
		}
	}
	if hasOverlay {
		if err := a.prompts.SetOverlay(overlay); err != nil {
			return nil, err
		}
	}
	return map[string]any{}, nil
}

func (a *Agent) handlePromptReload(context.Context, map[string]any) (map[string]any, error) {
	if err := a.prompts.Reload(); err != nil {
		return nil, err
	}
	return map[string]any{"effective": a.prompts.Effective()}, nil
}

func (a *Agent) handlePromptOverlay(_ context.Context, params map[string]any) (map[string]any, error) {
	if clear, _ := params["clear"].(bool); clear {
		if err := a.prompts.ClearOverlay(); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
	line, _ := params["line"].(string)
	if err := a.prompts.AppendOverlay(line); err != nil {
		return nil, err
	}
	return map[string]any{"lines": len(a.prompts.Overlay())}, nil
}

func (a *Agent) handleHistoryClear(_ context.Context, params map[string]any) (map[string]any, error) {
	confirm, _ := params["confirm"].(bool)
	if err := a.store.Clear(confirm); err != nil {
		return nil, err
	}
	a.account.Summarize()
	return map[string]any{}, nil
}

func (a *Agent) handleKBIngest(ctx context.Context, params map[string]any) (map[string]any, error) {
	content, _ := params["content"].(string)
	if content == "" {
		return nil, fault.New(CodeBadParams, "content is required")
	}
	title, _ := params["title"].(string)
	var tags []string
	if raw, ok := params["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	id, err := a.kb.Ingest(ctx, a.id.ID(), title, content, tags)
	if err != nil {
		return nil, err
	}
	return map[string]any{"item_id": id}, nil
}

func (a *Agent) handleKBSearch(ctx context.Context, params map[string]any) (map[string]any, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, fault.New(CodeBadParams, "query is required")
	}
	limit := intParam(params, "limit")
	items, err := a.kb.Search(ctx, a.id.ID(), query, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": kbItemsValue(items)}, nil
}

func (a *Agent) handleKBGetItems(ctx context.Context, params map[string]any) (map[string]any, error) {
	limit := intParam(params, "limit")
	items, err := a.kb.Items(ctx, a.id.ID(), limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": kbItemsValue(items)}, nil
}

func (a *Agent) handleKBCopyFrom(ctx context.Context, params map[string]any) (map[string]any, error) {
	from, _ := params["from"].(string)
	if from == "" {
		return nil, fault.New(CodeBadParams, "from agent id is required")
	}
	n, err := a.kb.CopyFrom(ctx, from, a.id.ID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"copied": n}, nil
}

func kbItemsValue(items []*kb.Item) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = map[string]any{
			"id":         item.ID,
			"title":      item.Title,
			"content":    item.Content,
			"tags":       item.Tags,
			"created_at": item.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

// intParam reads an integer parameter. Decoded wire integers arrive at
// their narrowest width, so every width must be accepted.
func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
