// Package executor drives one streaming completion against the inference provider.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/telemetry"
)

var (
	// ErrStreamTimeout means the provider produced nothing within the start or idle timeout.
	ErrStreamTimeout = errors.New("inference stream timed out")
	// ErrStreamAborted means the caller went away before the stream finished.
	ErrStreamAborted = errors.New("inference stream aborted")
	// ErrProviderFailed wraps errors reported by the inference provider.
	ErrProviderFailed = errors.New("inference provider failed")
	// ErrStreamIncomplete is returned by Text before a clean end of stream.
	ErrStreamIncomplete = errors.New("inference stream incomplete")
)

// Params are the per-persona model parameters of one call.
type Params struct {
	ModelID     string
	Temperature float64
	MaxTokens   int
}

// Options 配置超时与观测。
type Options struct {
	// StartTimeout bounds the wait for the first fragment, including connection setup.
	StartTimeout time.Duration
	// IdleTimeout bounds the wait between two fragments.
	IdleTimeout time.Duration
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

// Executor streams completions from a chat model.
type Executor struct {
	model  model.ChatModel
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates an executor around the chat model.
func New(chatModel model.ChatModel, opts Options) *Executor {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 20 * time.Second
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Noop().Tracer
	}
	return &Executor{
		model:  chatModel,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("executor"),
		tracer: tracer,
	}
}

type fragment struct {
	text string
	err  error
}

// Stream is one in-flight completion. It is not safe for concurrent Recv calls.
type Stream struct {
	parent  context.Context
	cancel  context.CancelFunc
	frags   chan fragment
	opts    Options
	span    trace.Span
	logger  *zap.Logger
	started time.Time

	text     strings.Builder
	received bool
	finished bool
	failure  error

	closeOnce sync.Once
}

// Execute starts the provider call. It returns immediately; connection errors and
// timeouts surface from the first Recv.
func (e *Executor) Execute(ctx context.Context, messages []*schema.Message, p Params) (*Stream, error) {
	if len(messages) == 0 {
		return nil, errors.New("execute: no messages")
	}

	spanCtx, span := telemetry.StartClientSpan(ctx, e.tracer, "inference.stream", telemetry.AttrModel.String(p.ModelID))
	callCtx, cancel := context.WithCancel(spanCtx)

	s := &Stream{
		parent:  ctx,
		cancel:  cancel,
		frags:   make(chan fragment),
		opts:    e.opts,
		span:    span,
		logger:  e.logger,
		started: time.Now(),
	}

	go s.pump(callCtx, e.model, messages, callOptions(p))
	return s, nil
}

func callOptions(p Params) []model.Option {
	opts := make([]model.Option, 0, 3)
	if p.ModelID != "" {
		opts = append(opts, model.WithModel(p.ModelID))
	}
	opts = append(opts, model.WithTemperature(float32(p.Temperature)))
	if p.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(p.MaxTokens))
	}
	return opts
}

// pump reads the provider stream and hands fragments over one at a time so the
// provider is only read as fast as the caller consumes.
func (s *Stream) pump(ctx context.Context, chatModel model.ChatModel, messages []*schema.Message, opts []model.Option) {
	send := func(f fragment) bool {
		select {
		case s.frags <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader, err := chatModel.Stream(ctx, messages, opts...)
	if err != nil {
		send(fragment{err: err})
		return
	}
	defer reader.Close()

	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			send(fragment{err: io.EOF})
			return
		}
		if err != nil {
			send(fragment{err: err})
			return
		}
		if chunk == nil {
			continue
		}
		if !send(fragment{text: chunk.Content}) {
			return
		}
	}
}

// Recv returns the next non-empty fragment. io.EOF marks the clean end of the stream;
// any other error is terminal and the provider call has been aborted.
func (s *Stream) Recv() (string, error) {
	if s.finished {
		return "", io.EOF
	}
	if s.failure != nil {
		return "", s.failure
	}

	for {
		wait := s.opts.IdleTimeout
		if !s.received {
			wait = s.opts.StartTimeout - time.Since(s.started)
		}
		timer := time.NewTimer(wait)

		select {
		case f := <-s.frags:
			timer.Stop()
			switch {
			case errors.Is(f.err, io.EOF):
				s.finished = true
				s.cancel()
				s.end(nil)
				return "", io.EOF
			case f.err != nil:
				if s.parent.Err() != nil {
					return "", s.fail(ErrStreamAborted, s.parent.Err())
				}
				return "", s.fail(ErrProviderFailed, f.err)
			}
			s.received = true
			s.text.WriteString(f.text)
			if f.text == "" {
				continue
			}
			return f.text, nil

		case <-timer.C:
			phase := "idle"
			if !s.received {
				phase = "start"
			}
			return "", s.fail(ErrStreamTimeout, fmt.Errorf("no fragment within %s timeout", phase))

		case <-s.parent.Done():
			timer.Stop()
			return "", s.fail(ErrStreamAborted, s.parent.Err())
		}
	}
}

func (s *Stream) fail(kind, cause error) error {
	s.failure = fmt.Errorf("%w: %v", kind, cause)
	s.cancel()
	s.end(s.failure)
	s.logger.Debug("inference stream failed", zap.Error(s.failure), zap.Duration("elapsed", time.Since(s.started)))
	return s.failure
}

func (s *Stream) end(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.span.SetStatus(codes.Error, "stream failed")
			s.span.RecordError(err)
		}
		s.span.End()
	})
}

// Text returns the accumulated text, but only after Recv reported io.EOF.
func (s *Stream) Text() (string, error) {
	if !s.finished {
		return "", ErrStreamIncomplete
	}
	return s.text.String(), nil
}

// Close aborts the provider call if it is still running. Safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
	if !s.finished && s.failure == nil {
		s.failure = fmt.Errorf("%w: closed by caller", ErrStreamAborted)
		s.end(s.failure)
	}
}
