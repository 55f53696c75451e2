package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/ownership"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/rpc"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/internal/tail"
)

type consoleOptions struct {
	bus          bus.Bus
	config       *config.Config
	log          *logger.Logger
	noPanes      bool
	takeover     bool
	grace        time.Duration
	ownershipTTL time.Duration
}

type console struct {
	consoleOptions
	reg  *registry.Registry
	orch *rpc.Client
	sess *session.Session
	in   *bufio.Scanner
	out  io.Writer
}

func newConsole(opts consoleOptions) *console {
	if opts.grace <= 0 {
		opts.grace = time.Duration(opts.config.Ownership.DefaultGraceSeconds) * time.Second
	}
	return &console{
		consoleOptions: opts,
		reg:            registry.New(opts.bus, opts.config.Heartbeat.TTL(), opts.log),
		orch:           rpc.NewClient(opts.bus, orchestrator.TargetID, opts.log),
		in:             bufio.NewScanner(os.Stdin),
		out:            os.Stdout,
	}
}

func (c *console) run(ctx context.Context) error {
	c.printf("muxctl connected. /ps lists agents, /attach <id> takes the writer role, /quit exits.\n")
	for {
		c.prompt()
		if !c.in.Scan() {
			break
		}
		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		quit, err := c.dispatch(ctx, line)
		if err != nil {
			c.printf("error: %v\n", err)
		}
		if quit {
			break
		}
	}
	if c.sess != nil {
		return c.sess.Detach(ctx)
	}
	return c.in.Err()
}

func (c *console) prompt() {
	switch {
	case c.sess == nil:
		c.printf("muxctl> ")
	case c.sess.ReadOnly():
		c.printf("%s (read-only)> ", c.sess.AgentID())
	default:
		c.printf("%s> ", c.sess.AgentID())
	}
}

func (c *console) dispatch(ctx context.Context, line string) (bool, error) {
	if strings.HasPrefix(line, "# ") || line == "#" {
		return false, c.appendOverlay(ctx, strings.TrimSpace(strings.TrimPrefix(line, "#")))
	}
	if !strings.HasPrefix(line, "/") {
		// Bare text goes to the attached agent like /input.
		return false, c.input(ctx, line)
	}

	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/ps":
		return false, c.ps(ctx)
	case "/attach":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /attach <agent-id>")
		}
		return false, c.attach(ctx, args[0])
	case "/detach":
		return false, c.detach(ctx)
	case "/input":
		if rest == "" {
			return false, fmt.Errorf("usage: /input <text>")
		}
		return false, c.input(ctx, rest)
	case "/status":
		return false, c.status(ctx)
	case "/who":
		return false, c.who(ctx)
	case "/ctx":
		return false, c.ctxUsage(ctx)
	case "/sys":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /sys <show|edit>")
		}
		return false, c.sys(ctx, strings.ToLower(args[0]))
	case "/reloadsysprompt":
		return false, c.call(ctx, rpc.MethodPromptReload, nil)
	case "/kb":
		return false, c.kb(ctx, args, rest)
	case "/clearhistory":
		return false, c.clearHistory(ctx)
	case "/agent":
		return false, c.agent(ctx, args)
	case "/offload":
		if rest == "" {
			return false, fmt.Errorf("usage: /offload <text>")
		}
		return false, c.offload(ctx, rest)
	case "/interrupt":
		return false, c.call(ctx, rpc.MethodInterrupt, nil)
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

func (c *console) ps(ctx context.Context) error {
	records, err := c.reg.List(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		c.printf("no agents registered\n")
		return nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	c.printf("%-30s %-12s %-10s %6s  %s\n", "AGENT", "STATE", "MODEL", "CTX%", "CWD")
	for _, r := range records {
		c.printf("%-30s %-12s %-10s %5.1f%%  %s\n",
			r.ID, r.State, r.Model, r.CtxPct*100, r.CWD)
	}
	return nil
}

func (c *console) attach(ctx context.Context, agentID string) error {
	if c.sess != nil {
		return fmt.Errorf("already attached to %s, /detach first", c.sess.AgentID())
	}
	if _, err := c.reg.Get(ctx, agentID); err != nil {
		return err
	}

	sess := session.New(c.bus, agentID, c.ownershipTTL, c.log)
	sess.OnEvent = c.renderEvent
	sess.OnReadOnly = func(n *ownership.Notification) {
		c.printf("\n*** writer role taken over by session %s; this console is now read-only ***\n",
			n.NewSessionID)
	}
	err := sess.Attach(ctx, session.AttachOptions{
		Takeover: c.takeover,
		Grace:    c.grace,
	})
	if err != nil {
		return err
	}
	c.sess = sess
	c.printf("attached to %s as writer (session %s)\n", agentID, sess.SessionID())
	c.replay(ctx)
	return nil
}

// replay renders recent non-token tail events so a fresh console sees what
// the agent was just doing.
func (c *console) replay(ctx context.Context) {
	res, err := c.sess.Call(ctx, rpc.MethodTailReplay, map[string]any{"from_offset": 0})
	if err != nil {
		c.printf("(no recent activity: %v)\n", err)
		return
	}
	events, _ := res["events"].([]any)
	if len(events) == 0 {
		return
	}
	c.printf("--- recent activity ---\n")
	for _, raw := range events {
		ev, _ := raw.(map[string]any)
		if ev == nil {
			continue
		}
		c.printf("  [%v] %v\n", ev["type"], compactData(ev["data"]))
	}
	c.printf("-----------------------\n")
}

func (c *console) detach(ctx context.Context) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	err := c.sess.Detach(ctx)
	c.sess = nil
	if err == nil {
		c.printf("detached\n")
	}
	return err
}

func (c *console) input(ctx context.Context, text string) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	id, err := c.sess.Input(ctx, text)
	if err != nil {
		return err
	}
	c.printf("queued %s\n", id)
	return nil
}

func (c *console) status(ctx context.Context) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	status, err := c.sess.Status(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.printf("%-16s %v\n", k, status[k])
	}
	return nil
}

func (c *console) who(ctx context.Context) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	data, ok, err := c.bus.Get(ctx, ownership.Key(c.sess.AgentID()))
	if err != nil {
		return err
	}
	if !ok {
		c.printf("no writer\n")
		return nil
	}
	var rec ownership.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	marker := ""
	if rec.SessionID == c.sess.SessionID() {
		marker = " (this console)"
	}
	c.printf("writer session %s pid %d since %s%s\n",
		rec.SessionID, rec.PID, rec.AcquiredAt, marker)
	return nil
}

func (c *console) ctxUsage(ctx context.Context) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	status, err := c.sess.Status(ctx)
	if err != nil {
		return err
	}
	c.printf("context %.1f%% (%v tokens), %v turns, %v summaries\n",
		toFloat(status["context_usage"])*100, status["tokens"],
		status["history_turns"], status["summaries"])
	return nil
}

func (c *console) sys(ctx context.Context, mode string) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	switch mode {
	case "show":
		res, err := c.sess.Call(ctx, rpc.MethodPromptGet, nil)
		if err != nil {
			return err
		}
		c.printf("%v\n", res["effective"])
		return nil
	case "edit":
		c.printf("enter new base prompt, end with a single '.' line:\n")
		var lines []string
		for c.in.Scan() {
			line := c.in.Text()
			if line == "." {
				break
			}
			lines = append(lines, line)
		}
		_, err := c.sess.Call(ctx, rpc.MethodPromptSet,
			map[string]any{"base": strings.Join(lines, "\n")})
		return err
	default:
		return fmt.Errorf("usage: /sys <show|edit>")
	}
}

func (c *console) appendOverlay(ctx context.Context, line string) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	_, err := c.sess.Call(ctx, rpc.MethodPromptOverlay, map[string]any{"line": line})
	if err == nil {
		c.printf("overlay appended\n")
	}
	return err
}

func (c *console) kb(ctx context.Context, args []string, rest string) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: /kb <add|search|copy-from> ...")
	}
	sub := strings.ToLower(args[0])
	body := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
	switch sub {
	case "add":
		if body == "" {
			return fmt.Errorf("usage: /kb add <text>")
		}
		res, err := c.sess.Call(ctx, rpc.MethodKBIngest, map[string]any{"content": body})
		if err != nil {
			return err
		}
		c.printf("stored %v\n", res["item_id"])
		return nil
	case "search":
		if body == "" {
			return fmt.Errorf("usage: /kb search <query>")
		}
		res, err := c.sess.Call(ctx, rpc.MethodKBSearch, map[string]any{"query": body})
		if err != nil {
			return err
		}
		items, _ := res["items"].([]any)
		if len(items) == 0 {
			c.printf("no matches\n")
			return nil
		}
		for _, raw := range items {
			item, _ := raw.(map[string]any)
			if item == nil {
				continue
			}
			c.printf("%v  %v\n", item["id"], firstLine(fmt.Sprintf("%v", item["content"])))
		}
		return nil
	case "copy-from":
		if len(args) != 2 {
			return fmt.Errorf("usage: /kb copy-from <agent-id>")
		}
		res, err := c.sess.Call(ctx, rpc.MethodKBCopyFrom, map[string]any{"from": args[1]})
		if err != nil {
			return err
		}
		c.printf("copied %v items\n", res["copied"])
		return nil
	default:
		return fmt.Errorf("unknown /kb subcommand %s", sub)
	}
}

func (c *console) clearHistory(ctx context.Context) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	if !c.confirmDestructive("clear all history for", c.sess.AgentID()) {
		c.printf("aborted\n")
		return nil
	}
	_, err := c.sess.Call(ctx, rpc.MethodHistoryClear, map[string]any{"confirm": true})
	if err == nil {
		c.printf("history cleared\n")
	}
	return err
}

func (c *console) agent(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /agent <new|list|delete> ...")
	}
	switch strings.ToLower(args[0]) {
	case "new":
		if len(args) < 3 {
			return fmt.Errorf("usage: /agent new <project> <name> [cwd] [model]")
		}
		params := map[string]any{"project": args[1], "name": args[2]}
		if len(args) > 3 {
			params["cwd"] = args[3]
		}
		if len(args) > 4 {
			params["model"] = args[4]
		}
		res, err := c.orch.Call(ctx, rpc.MethodOrchCreateAgent, params)
		if err != nil {
			return err
		}
		agentID, _ := res["agent_id"].(string)
		if _, err := c.orch.Call(ctx, rpc.MethodOrchSpawnAgent,
			map[string]any{"agent_id": agentID}); err != nil {
			return err
		}
		c.printf("created and spawned %s\n", agentID)
		return nil
	case "list":
		res, err := c.orch.Call(ctx, rpc.MethodOrchListAgents, nil)
		if err != nil {
			return err
		}
		agents, _ := res["agents"].([]any)
		if len(agents) == 0 {
			c.printf("no configured agents\n")
			return nil
		}
		for _, raw := range agents {
			a, _ := raw.(map[string]any)
			if a == nil {
				continue
			}
			c.printf("%v  model=%v cwd=%v\n", a["agent_id"], a["model"], a["cwd"])
		}
		return nil
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: /agent delete <agent-id>")
		}
		if !c.confirmDestructive("delete configured agent", args[1]) {
			c.printf("aborted\n")
			return nil
		}
		_, err := c.orch.Call(ctx, rpc.MethodOrchDeleteAgent,
			map[string]any{"agent_id": args[1]})
		if err == nil {
			c.printf("deleted %s\n", args[1])
		}
		return err
	default:
		return fmt.Errorf("unknown /agent subcommand %s", args[0])
	}
}

// offload creates a fresh agent, spawns it, and forwards the text as its
// first queue item.
func (c *console) offload(ctx context.Context, text string) error {
	project := "offload"
	if c.sess != nil {
		if rec, err := c.reg.Get(ctx, c.sess.AgentID()); err == nil {
			project = rec.Project
		}
	}
	name := "offload-" + uuid.New().String()[:8]

	res, err := c.orch.Call(ctx, rpc.MethodOrchCreateAgent,
		map[string]any{"project": project, "name": name})
	if err != nil {
		return err
	}
	agentID, _ := res["agent_id"].(string)
	if _, err := c.orch.Call(ctx, rpc.MethodOrchSpawnAgent,
		map[string]any{"agent_id": agentID}); err != nil {
		return err
	}

	// Give the new agent a moment to claim its request channel.
	client := rpc.NewClient(c.bus, agentID, c.log)
	var lastErr error
	for i := 0; i < 10; i++ {
		if _, lastErr = client.Call(ctx, rpc.MethodStatus, nil); lastErr == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if lastErr != nil {
		return fmt.Errorf("offload agent %s never came up: %w", agentID, lastErr)
	}

	sess := session.New(c.bus, agentID, c.ownershipTTL, c.log)
	if err := sess.Attach(ctx, session.AttachOptions{}); err != nil {
		return err
	}
	defer func() { _ = sess.Detach(ctx) }()
	if _, err := sess.Input(ctx, text); err != nil {
		return err
	}
	c.printf("offloaded to %s\n", agentID)
	return nil
}

// call is the thin wrapper for session commands with no output beyond ok.
func (c *console) call(ctx context.Context, method string, params map[string]any) error {
	if c.sess == nil {
		return fmt.Errorf("not attached")
	}
	_, err := c.sess.Call(ctx, method, params)
	if err == nil {
		c.printf("ok\n")
	}
	return err
}

// confirmDestructive echoes the target id and requires it re-entered
// exactly before a destructive command proceeds.
func (c *console) confirmDestructive(action, target string) bool {
	c.printf("about to %s %s\nre-enter the id to confirm: ", action, target)
	if !c.in.Scan() {
		return false
	}
	return strings.TrimSpace(c.in.Text()) == target
}

func (c *console) renderEvent(ev *tail.Event) {
	switch ev.Type {
	case tail.EventToken:
		if c.noPanes {
			return
		}
		if text, ok := ev.Data["text"].(string); ok {
			fmt.Fprint(c.out, text)
		}
	case tail.EventTaskStart:
		c.printf("\n[task %v started]\n", ev.Data["id"])
	case tail.EventTaskEnd:
		c.printf("\n[task %v done ok=%v]\n", ev.Data["id"], ev.Data["ok"])
	case tail.EventToolStart:
		c.printf("\n[tool %v %v]\n", ev.Data["tool"], compactData(ev.Data["arguments"]))
	case tail.EventToolResult:
		c.printf("[tool %v -> %v]\n", ev.Data["tool"], compactData(ev.Data["result"]))
	case tail.EventToolEnd:
		// tool.start/result already narrate the call
	case tail.EventWarn:
		c.printf("\n[warn] %v\n", ev.Data["msg"])
	case tail.EventError:
		c.printf("\n[error] %v\n", ev.Data["msg"])
	}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func compactData(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	const max = 160
	s := string(data)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 100
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
