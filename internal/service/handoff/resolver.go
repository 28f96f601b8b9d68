package handoff

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
	"github.com/zhouzirui/persona-relay/backend/internal/telemetry"
)

// Registry is what the resolver needs from the persona registry.
type Registry interface {
	IsEligibleTarget(id string) bool
	ListActive() []persona.Persona
}

// Options 控制兜底分类。
type Options struct {
	// Fallback enables the classification call when no directive is present.
	Fallback bool
	Timeout  time.Duration
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

// Resolution is the outcome for one completed turn.
type Resolution struct {
	// Target is the persona that owns the session after this turn.
	Target string
	// Trigger is set when Changed, and also when a valid signal named the current
	// persona itself.
	Trigger chat.Trigger
	Changed bool
	// Text is the assistant text with every directive removed.
	Text      string
	Directive Directive
}

// Resolver validates switch signals against the registry.
type Resolver struct {
	registry   Registry
	classifier Classifier
	opts       Options
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewResolver creates a resolver. classifier may be nil, which disables the fallback.
func NewResolver(registry Registry, classifier Classifier, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Noop().Tracer
	}
	return &Resolver{
		registry:   registry,
		classifier: classifier,
		opts:       opts,
		logger:     logging.OrNop(opts.Logger).Named("handoff"),
		tracer:     tracer,
	}
}

// FallbackEnabled reports whether a classification call may be issued.
func (r *Resolver) FallbackEnabled() bool {
	return r.opts.Fallback && r.classifier != nil
}

// Resolve inspects the complete assistant text. It never fails: anything invalid keeps
// the current persona.
func (r *Resolver) Resolve(ctx context.Context, current persona.Persona, userMessage, assistantText string) Resolution {
	ctx, span := telemetry.StartSpan(ctx, r.tracer, "handoff.resolve", telemetry.AttrPersonaID.String(current.ID))
	defer span.End()

	directive, cleaned := Parse(assistantText)
	keep := Resolution{Target: current.ID, Text: cleaned, Directive: directive}

	if directive.IsSwitch() {
		return r.accept(keep, current, directive.PersonaID, chat.TriggerEmbedded)
	}

	if !r.FallbackEnabled() {
		return keep
	}

	candidates := r.registry.ListActive()
	if len(candidates) < 2 {
		return keep
	}

	classifyCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	answer, err := r.classifier.Classify(classifyCtx, ClassifyRequest{
		Current:       current,
		Candidates:    candidates,
		UserMessage:   userMessage,
		AssistantText: cleaned,
	})
	if err != nil {
		r.logger.Warn("handoff classification failed, keeping current persona",
			zap.String("persona_id", current.ID),
			zap.Error(err))
		return keep
	}
	if answer == "" {
		return keep
	}
	return r.accept(keep, current, answer, chat.TriggerInferred)
}

func (r *Resolver) accept(keep Resolution, current persona.Persona, target string, trigger chat.Trigger) Resolution {
	if target == current.ID {
		keep.Trigger = trigger
		return keep
	}
	if !r.registry.IsEligibleTarget(target) {
		r.logger.Debug("handoff target ignored",
			zap.String("persona_id", current.ID),
			zap.String("target", target),
			zap.String("trigger", string(trigger)))
		return keep
	}
	keep.Target = target
	keep.Trigger = trigger
	keep.Changed = true
	return keep
}
