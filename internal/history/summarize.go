package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

// Summarization strategies.
const (
	StrategyToken      = "token"
	StrategyTime       = "time"
	StrategyImportance = "importance"
	StrategyHybrid     = "hybrid"
)

// defaultImportantUserLen marks user turns above this content length as
// important for the importance strategy.
const defaultImportantUserLen = 240

// Policy configures when and how summarization runs.
type Policy struct {
	Strategy           string
	TokenThreshold     int
	TimeWindow         time.Duration
	ImportanceFraction float64
	ImportantUserLen   int
	MaxSummaries       int
}

// Digester produces a textual digest from a summarization instruction,
// typically by querying a model. Optional; the engine falls back to a
// statistical digest without one.
type Digester interface {
	Digest(ctx context.Context, instruction string) (string, error)
}

// Engine applies the summarization policy to a history store.
type Engine struct {
	store    *Store
	policy   Policy
	digester Digester
	logger   *logger.Logger
}

// NewEngine creates a summarization engine. digester may be nil.
func NewEngine(store *Store, policy Policy, digester Digester, log *logger.Logger) *Engine {
	if policy.ImportantUserLen <= 0 {
		policy.ImportantUserLen = defaultImportantUserLen
	}
	return &Engine{
		store:    store,
		policy:   policy,
		digester: digester,
		logger:   log.WithComponent("summarizer"),
	}
}

// ShouldSummarize reports whether the configured trigger fires for the
// current unsummarized turns.
func (e *Engine) ShouldSummarize() bool {
	return e.triggered(e.store.Turns())
}

func (e *Engine) triggered(turns []*Turn) bool {
	if len(turns) == 0 {
		return false
	}
	switch e.policy.Strategy {
	case StrategyToken:
		return e.tokenTriggered(turns)
	case StrategyTime:
		return e.timeTriggered(turns)
	case StrategyImportance:
		return e.importanceTriggered(turns)
	case StrategyHybrid:
		return e.tokenTriggered(turns) || e.timeTriggered(turns)
	default:
		return false
	}
}

func (e *Engine) tokenTriggered(turns []*Turn) bool {
	total := 0
	for _, t := range turns {
		total += t.Tokens()
	}
	return total >= e.policy.TokenThreshold
}

func (e *Engine) timeTriggered(turns []*Turn) bool {
	span := turns[len(turns)-1].TS.Sub(turns[0].TS)
	return span > e.policy.TimeWindow
}

func (e *Engine) importanceTriggered(turns []*Turn) bool {
	important := 0
	for _, t := range turns {
		if e.important(t) {
			important++
		}
	}
	return float64(important)/float64(len(turns)) >= e.policy.ImportanceFraction
}

func (e *Engine) important(t *Turn) bool {
	if len(t.ToolCalls) > 0 {
		return true
	}
	if t.Role == "system" {
		return true
	}
	return t.Role == RoleUser && len(t.Content) > e.policy.ImportantUserLen
}

// Summarize collapses the current turns into a summary plus the preserved
// set. With force=false the policy trigger must have fired. Preserved
// turns (those with tool calls) survive untouched; the rest are covered
// by the new summary. The chain is compacted if it grows past the
// configured maximum.
func (e *Engine) Summarize(ctx context.Context, force bool) (*Summary, error) {
	turns := e.store.Turns()
	if len(turns) == 0 {
		return nil, fault.New(CodeNoTurns, "no unsummarized turns")
	}
	if !force && !e.triggered(turns) {
		return nil, fault.New(CodeSummarizationNotNeeded, "summarization trigger has not fired")
	}

	var preserved, cover []*Turn
	for _, t := range turns {
		if len(t.ToolCalls) > 0 {
			preserved = append(preserved, t)
		} else {
			cover = append(cover, t)
		}
	}
	if len(cover) == 0 {
		return nil, fault.New(CodeSummarizationNotNeeded, "all turns are preserved")
	}

	tokens := 0
	for _, t := range cover {
		tokens += t.Tokens()
	}

	digest := e.digest(ctx, cover)
	sum := &Summary{
		ID:            uuid.New().String(),
		TS:            time.Now().UTC(),
		Strategy:      e.policy.Strategy,
		TurnsCovered:  len(cover),
		TokensCovered: tokens,
		Digest:        digest,
		Meta: map[string]any{
			"span_start": cover[0].TS.Format(time.RFC3339),
			"span_end":   cover[len(cover)-1].TS.Format(time.RFC3339),
		},
		Preserved: preserved,
	}

	if err := e.store.replaceAfterSummary(preserved, sum); err != nil {
		return nil, err
	}
	e.logger.Info("history summarized",
		zap.Int("turns_covered", sum.TurnsCovered),
		zap.Int("tokens_covered", sum.TokensCovered),
		zap.Int("preserved", len(preserved)),
		zap.String("strategy", sum.Strategy))

	if err := e.compact(); err != nil {
		e.logger.Warn("summary chain compaction failed", zap.Error(err))
	}
	return sum, nil
}

// compact folds the chain into a single aggregate summary once it exceeds
// the configured maximum, keeping cumulative turn and token counts.
func (e *Engine) compact() error {
	if e.policy.MaxSummaries <= 0 {
		return nil
	}
	summaries := e.store.Summaries()
	if len(summaries) <= e.policy.MaxSummaries {
		return nil
	}

	turns, tokens := 0, 0
	var parts []string
	var preserved []*Turn
	for i, s := range summaries {
		turns += s.TurnsCovered
		tokens += s.TokensCovered
		parts = append(parts, fmt.Sprintf("[%d] %s", i+1, s.Digest))
		preserved = append(preserved, s.Preserved...)
	}
	aggregate := &Summary{
		ID:            uuid.New().String(),
		TS:            time.Now().UTC(),
		Strategy:      e.policy.Strategy,
		TurnsCovered:  turns,
		TokensCovered: tokens,
		Digest:        strings.Join(parts, "\n"),
		Meta:          map[string]any{"compacted_from": len(summaries)},
		Preserved:     preserved,
	}
	if err := e.store.replaceSummaries([]*Summary{aggregate}); err != nil {
		return err
	}
	e.logger.Info("summary chain compacted", zap.Int("from", len(summaries)))
	return nil
}

// digest asks the model when one is wired, otherwise builds a statistical
// digest from the covered turns.
func (e *Engine) digest(ctx context.Context, cover []*Turn) string {
	if e.digester != nil {
		out, err := e.digester.Digest(ctx, e.instruction(cover))
		if err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out)
		}
		if err != nil {
			e.logger.Warn("model digest failed, using statistical digest", zap.Error(err))
		}
	}
	return statisticalDigest(cover)
}

func (e *Engine) instruction(cover []*Turn) string {
	var b strings.Builder
	switch e.policy.Strategy {
	case StrategyTime:
		b.WriteString("Summarize the following conversation window chronologically, keeping decisions and outcomes:\n\n")
	case StrategyImportance:
		b.WriteString("Summarize the following conversation, emphasizing important actions, tool usage, and long user requests:\n\n")
	default:
		b.WriteString("Summarize the following conversation concisely, keeping key facts and open items:\n\n")
	}
	for _, t := range cover {
		b.WriteString(renderTurn(t))
		b.WriteByte('\n')
	}
	return b.String()
}

// statisticalDigest is the model-free fallback: role counts, span, and
// the first and last substantive lines.
func statisticalDigest(cover []*Turn) string {
	roles := map[string]int{}
	for _, t := range cover {
		roles[t.Role]++
	}
	span := cover[len(cover)-1].TS.Sub(cover[0].TS).Round(time.Second)
	var b strings.Builder
	fmt.Fprintf(&b, "%d turns over %s (user=%d assistant=%d tool=%d).",
		len(cover), span, roles[RoleUser], roles[RoleAssistant], roles[RoleTool])
	if first := snippet(cover[0].Content); first != "" {
		fmt.Fprintf(&b, " Started with: %s.", first)
	}
	if last := snippet(cover[len(cover)-1].Content); last != "" && len(cover) > 1 {
		fmt.Fprintf(&b, " Ended with: %s.", last)
	}
	return b.String()
}

func snippet(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	const max = 120
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func renderTurn(t *Turn) string {
	role := t.Role
	if role != "" {
		role = strings.ToUpper(role[:1]) + role[1:]
	}
	return role + ": " + t.Content
}
