// Package orchestrator runs one chat turn end to end: assemble, stream, resolve the
// handoff, commit, then hand the finished exchange to the memory writer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	chatmodel "github.com/zhouzirui/persona-relay/backend/internal/model/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
	"github.com/zhouzirui/persona-relay/backend/internal/service/assembler"
	"github.com/zhouzirui/persona-relay/backend/internal/service/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/service/executor"
	"github.com/zhouzirui/persona-relay/backend/internal/service/handoff"
	"github.com/zhouzirui/persona-relay/backend/internal/telemetry"
)

// Registry is the persona lookup the orchestrator needs.
type Registry interface {
	Get(id string) (persona.Persona, error)
	Default() (persona.Persona, error)
	Healthy() error
}

// Assembler builds the prompt and appends the user turn.
type Assembler interface {
	Build(ctx context.Context, session chatmodel.Session, p persona.Persona, userMessage string) (*assembler.Assembly, error)
}

// Executor starts the streaming completion.
type Executor interface {
	Execute(ctx context.Context, messages []*schema.Message, p executor.Params) (*executor.Stream, error)
}

// Resolver decides the persona that owns the session after the turn.
type Resolver interface {
	Resolve(ctx context.Context, current persona.Persona, userMessage, assistantText string) handoff.Resolution
}

// MemoryWriter receives finished exchanges. Enqueue must not block.
type MemoryWriter interface {
	Enqueue(sessionID, subjectID string, turns []chatmodel.Turn) error
}

// Request is one user message for a session.
type Request struct {
	SessionID string
	Message   string
}

// Result is delivered with the done event.
type Result struct {
	SessionID string `json:"sessionId"`
	// PersonaID owns the session after this turn.
	PersonaID string `json:"personaId"`
	// RespondedBy is the persona that produced Text.
	RespondedBy    string                  `json:"respondedBy"`
	Text           string                  `json:"text"`
	TurnID         string                  `json:"turnId"`
	Handoff        *chatmodel.HandoffEvent `json:"handoff,omitempty"`
	MemoryDegraded bool                    `json:"memoryDegraded,omitempty"`
	Budget         assembler.Budget        `json:"budget"`
}

// Sink is the caller-facing event channel of one turn. A Sink error means the caller is gone.
type Sink interface {
	Chunk(text string) error
	// Handoff reports the new persona id, or "" when the persona is unchanged.
	Handoff(personaID string) error
	Done(result Result) error
	Error(reason Reason) error
}

// Deps are the pipeline stages.
type Deps struct {
	Registry  Registry
	Store     chat.Store
	Assembler Assembler
	Executor  Executor
	Resolver  Resolver
	Memory    MemoryWriter
}

// Options 配置编排器。
type Options struct {
	// MaxTokens caps the response length; 0 leaves it to the provider.
	MaxTokens int
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Metrics   *telemetry.Metrics
}

// Orchestrator runs turns. Turns on different sessions run fully in parallel.
type Orchestrator struct {
	deps     Deps
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer
	inflight sync.Map
}

// New wires the orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Noop().Tracer
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("orchestrator"),
		tracer: tracer,
	}
}

// Run executes one turn and reports every outcome through sink. The returned error is
// for logging only; callers should rely on the sink events.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (Result, error) {
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "turn.run", telemetry.AttrSessionID.String(req.SessionID))
	defer span.End()

	result, err := o.run(ctx, req, sink)

	outcome := "completed"
	if err != nil {
		reason := Classify(err)
		outcome = string(reason)
		span.SetStatus(codes.Error, outcome)
		span.RecordError(err)
		o.logFailure(req.SessionID, reason, err)
		_ = sink.Error(reason)
	}
	span.SetAttributes(telemetry.AttrOutcome.String(outcome))
	o.opts.Metrics.RecordTurn(ctx, outcome, time.Since(started).Seconds())
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, sink Sink) (Result, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return Result{}, ErrEmptyMessage
	}

	if _, busy := o.inflight.LoadOrStore(req.SessionID, struct{}{}); busy {
		return Result{}, ErrTurnInProgress
	}
	defer o.inflight.Delete(req.SessionID)

	if err := o.deps.Registry.Healthy(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrServiceMisconfigured, err)
	}

	session, err := o.deps.Store.GetSession(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	current, err := o.currentPersona(session)
	if err != nil {
		return Result{}, err
	}

	assembly, err := o.deps.Assembler.Build(ctx, session, current, message)
	if err != nil {
		return Result{}, fmt.Errorf("assemble context: %w", err)
	}

	text, err := o.stream(ctx, assembly, current, sink)
	if err != nil {
		return Result{}, err
	}

	resolution := o.deps.Resolver.Resolve(ctx, current, message, text)
	// a cancelled turn leaves no trace beyond the user turn
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", executor.ErrStreamAborted, err)
	}

	commit := chat.Commit{
		SessionID: session.ID,
		Assistant: chatmodel.Turn{PersonaID: current.ID, Role: chatmodel.RoleAssistant, Content: resolution.Text},
	}
	switch {
	case resolution.Changed:
		commit.TargetPersonaID = resolution.Target
		commit.Trigger = resolution.Trigger
	case resolution.Trigger != "" && session.CurrentPersonaID != current.ID:
		// the stored owner was unknown and the default answered; a signal naming the
		// default moves the session onto it
		commit.TargetPersonaID = current.ID
		commit.Trigger = resolution.Trigger
	}
	committed, err := o.deps.Store.CommitTurn(ctx, commit)
	if err != nil {
		return Result{}, fmt.Errorf("commit turn: %w", err)
	}

	result := Result{
		SessionID:      session.ID,
		PersonaID:      committed.Session.CurrentPersonaID,
		RespondedBy:    current.ID,
		Text:           resolution.Text,
		TurnID:         committed.Assistant.ID,
		Handoff:        committed.Handoff,
		MemoryDegraded: assembly.MemoryErr != nil,
		Budget:         assembly.Budget,
	}

	handoffTo := ""
	if committed.Handoff != nil {
		handoffTo = committed.Handoff.ToPersonaID
		o.opts.Metrics.RecordHandoff(ctx, string(committed.Handoff.Trigger))
		o.logger.Info("persona handoff",
			zap.String("session_id", session.ID),
			zap.String("from", committed.Handoff.FromPersonaID),
			zap.String("to", committed.Handoff.ToPersonaID),
			zap.String("trigger", string(committed.Handoff.Trigger)))
	}

	// the turn is committed; a vanished caller no longer changes its outcome
	if err := sink.Handoff(handoffTo); err == nil {
		_ = sink.Done(result)
	}

	if o.deps.Memory != nil {
		exchange := []chatmodel.Turn{assembly.UserTurn, committed.Assistant}
		if err := o.deps.Memory.Enqueue(session.ID, session.SubjectID, exchange); err != nil {
			o.logger.Warn("memory write not queued",
				zap.String("session_id", session.ID),
				zap.Error(err))
		}
	}
	return result, nil
}

// currentPersona resolves the session owner. Retired personas stay usable; a persona the
// registry has never heard of falls back to the default.
func (o *Orchestrator) currentPersona(session chatmodel.Session) (persona.Persona, error) {
	p, err := o.deps.Registry.Get(session.CurrentPersonaID)
	if err == nil {
		return p, nil
	}
	fallback, defErr := o.deps.Registry.Default()
	if defErr != nil {
		return persona.Persona{}, fmt.Errorf("%w: %w", ErrServiceMisconfigured, defErr)
	}
	o.logger.Warn("session persona unknown, using default",
		zap.String("session_id", session.ID),
		zap.String("persona_id", session.CurrentPersonaID),
		zap.String("default_persona_id", fallback.ID))
	return fallback, nil
}

// stream relays fragments with directives filtered out and returns the raw full text.
func (o *Orchestrator) stream(ctx context.Context, assembly *assembler.Assembly, current persona.Persona, sink Sink) (string, error) {
	s, err := o.deps.Executor.Execute(ctx, assembly.Messages, executor.Params{
		ModelID:     current.ModelID,
		Temperature: current.Temperature,
		MaxTokens:   o.opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("start inference: %w", err)
	}
	defer s.Close()

	var filter handoff.Filter
	for {
		fragment, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if out := filter.Push(fragment); out != "" {
			if err := sink.Chunk(out); err != nil {
				return "", fmt.Errorf("%w: relay chunk: %v", executor.ErrStreamAborted, err)
			}
		}
	}
	if tail := filter.Flush(); tail != "" {
		if err := sink.Chunk(tail); err != nil {
			return "", fmt.Errorf("%w: relay chunk: %v", executor.ErrStreamAborted, err)
		}
	}
	return s.Text()
}

func (o *Orchestrator) logFailure(sessionID string, reason Reason, err error) {
	fields := []zap.Field{zap.String("session_id", sessionID), zap.String("reason", string(reason)), zap.Error(err)}
	switch reason {
	case ReasonCancelled, ReasonSessionNotFound, ReasonTurnInProgress, ReasonInvalidRequest:
		o.logger.Info("turn not completed", fields...)
	case ReasonInternal, ReasonServiceUnavailable:
		o.logger.Error("turn failed", fields...)
	default:
		o.logger.Warn("turn failed", fields...)
	}
}
