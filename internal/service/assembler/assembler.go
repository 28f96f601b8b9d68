// Package assembler builds the bounded prompt for one turn: persona instructions,
// recalled memory that fits the token budget, the recent history window and the
// user's message, in that order.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
	"github.com/zhouzirui/persona-relay/backend/internal/service/memory"
	"github.com/zhouzirui/persona-relay/backend/internal/telemetry"
)

const memoryPrefix = "Recalled context about the user:\n"

// Roster lists the personas the model may hand over to.
type Roster interface {
	ListActive() []persona.Persona
}

// TurnLog is the part of session state the assembler reads and appends to.
type TurnLog interface {
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]chat.Turn, error)
	AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error)
}

// Options 控制上下文预算与历史窗口。
type Options struct {
	MaxContextTokens    int
	ReservedForResponse int
	HistoryWindow       int
	SearchTimeout       time.Duration
	// IncludeRoster lists the other active personas and the directive grammar in the instructions.
	IncludeRoster bool
	Logger        *zap.Logger
	Tracer        trace.Tracer
}

// Budget reports how the memory budget was spent for one turn.
type Budget struct {
	MaxContext   int `json:"maxContext"`
	Reserved     int `json:"reserved"`
	Instructions int `json:"instructions"`
	Memory       int `json:"memory"`
	MemoryUsed   int `json:"memoryUsed"`
	Kept         int `json:"kept"`
	Dropped      int `json:"dropped"`
}

// Assembly is the prompt for one turn plus the persisted user turn.
type Assembly struct {
	Messages []*schema.Message
	UserTurn chat.Turn
	Snippets []memory.Snippet
	Budget   Budget
	// MemoryErr is the swallowed search failure, if any.
	MemoryErr error
}

// Assembler combines persona, memory and history into the request messages.
type Assembler struct {
	memory memory.Provider
	turns  TurnLog
	roster Roster
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates an assembler. Zero options get sensible defaults.
func New(provider memory.Provider, turns TurnLog, roster Roster, opts Options) *Assembler {
	if provider == nil {
		provider = memory.Noop{}
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = 8192
	}
	if opts.ReservedForResponse < 0 {
		opts.ReservedForResponse = 0
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 2 * time.Second
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Noop().Tracer
	}
	return &Assembler{
		memory: provider,
		turns:  turns,
		roster: roster,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("assembler"),
		tracer: tracer,
	}
}

// Build assembles the prompt and appends the user turn to the session.
// Memory search failures never fail the build.
func (a *Assembler) Build(ctx context.Context, session chat.Session, p persona.Persona, userMessage string) (*Assembly, error) {
	snippets, searchErr := a.search(ctx, session, userMessage)

	history, err := a.turns.RecentTurns(ctx, session.ID, a.opts.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	var roster []persona.Persona
	if a.opts.IncludeRoster && a.roster != nil {
		roster = a.roster.ListActive()
	}
	instructions := BuildSystemPrompt(p, roster)

	budget := Budget{
		MaxContext:   a.opts.MaxContextTokens,
		Reserved:     a.opts.ReservedForResponse,
		Instructions: EstimateTokens(instructions),
	}
	budget.Memory = budget.MaxContext - budget.Instructions - budget.Reserved
	kept := FitSnippets(snippets, budget.Memory)
	budget.Kept = len(kept)
	budget.Dropped = len(snippets) - len(kept)
	for _, s := range kept {
		budget.MemoryUsed += snippetTokens(s)
	}
	if budget.Dropped > 0 {
		a.logger.Info("memory snippets dropped to fit budget",
			zap.String("session_id", session.ID),
			zap.Int("dropped", budget.Dropped),
			zap.Int("kept", budget.Kept),
			zap.Int("memory_budget", budget.Memory))
	}

	userTurn, err := a.turns.AppendTurn(ctx, chat.Turn{
		SessionID: session.ID,
		SubjectID: session.SubjectID,
		PersonaID: p.ID,
		Role:      chat.RoleUser,
		Content:   userMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}

	return &Assembly{
		Messages:  Compose(instructions, kept, history, userMessage),
		UserTurn:  userTurn,
		Snippets:  kept,
		Budget:    budget,
		MemoryErr: searchErr,
	}, nil
}

func (a *Assembler) search(ctx context.Context, session chat.Session, query string) ([]memory.Snippet, error) {
	ctx, span := telemetry.StartClientSpan(ctx, a.tracer, "memory.search",
		telemetry.AttrSessionID.String(session.ID),
		telemetry.AttrBackend.String(a.memory.Name()))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.opts.SearchTimeout)
	defer cancel()

	snippets, err := a.memory.Search(ctx, query, session.SubjectID)
	if err != nil {
		span.SetStatus(codes.Error, "memory search failed")
		span.RecordError(err)
		a.logger.Warn("memory search failed, continuing without recalled context",
			zap.String("session_id", session.ID),
			zap.String("subject_id", session.SubjectID),
			zap.String("backend", a.memory.Name()),
			zap.Error(err))
		return nil, err
	}
	return snippets, nil
}

// FitSnippets orders snippets best-first and drops the lowest-ranked ones until the
// rest fit within budget tokens. Snippets are never truncated.
func FitSnippets(snippets []memory.Snippet, budget int) []memory.Snippet {
	if len(snippets) == 0 || budget <= 0 {
		return nil
	}

	ranked := append([]memory.Snippet(nil), snippets...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	used := 0
	for i, s := range ranked {
		cost := snippetTokens(s)
		if used+cost > budget {
			return ranked[:i]
		}
		used += cost
	}
	return ranked
}

// Compose lays out the final message list. It is a pure function of its inputs.
func Compose(instructions string, snippets []memory.Snippet, history []chat.Turn, userMessage string) []*schema.Message {
	messages := make([]*schema.Message, 0, 2+len(snippets)+len(history))
	messages = append(messages, schema.SystemMessage(instructions))
	for _, s := range snippets {
		messages = append(messages, schema.SystemMessage(memoryPrefix+s.Content))
	}
	for _, turn := range history {
		switch turn.Role {
		case chat.RoleUser:
			messages = append(messages, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(turn.Content, nil))
		}
	}
	messages = append(messages, schema.UserMessage(userMessage))
	return messages
}

// EstimateTokens approximates tokens at four bytes each, rounded up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func snippetTokens(s memory.Snippet) int {
	return EstimateTokens(memoryPrefix + s.Content)
}
