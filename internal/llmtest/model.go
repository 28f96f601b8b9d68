// Package llmtest provides a scripted chat model for tests. Each call consumes the next
// script, so the test controls fragment boundaries, failures and stalls exactly.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Script describes the response of one call.
type Script struct {
	Fragments []string
	// Err is returned by the call itself (Stream/Generate) before any fragment.
	Err error
	// StreamErr is delivered after the fragments instead of the end of stream.
	StreamErr error
	// Delay is waited before every fragment.
	Delay time.Duration
	// Stall blocks after the fragments until the call's context is cancelled.
	Stall bool
}

// Call records what a caller sent.
type Call struct {
	Messages []*schema.Message
	Options  *model.Options
	Stream   bool
}

// Model implements model.ChatModel.
type Model struct {
	mu       sync.Mutex
	scripts  []Script
	fallback *Script
	calls    []Call
	wg       sync.WaitGroup
}

var _ model.ChatModel = (*Model)(nil)

// New queues scripts in call order.
func New(scripts ...Script) *Model {
	return &Model{scripts: scripts}
}

// Always answers every call past the queued scripts with s.
func (m *Model) Always(s Script) *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &s
	return m
}

// Push appends a script.
func (m *Model) Push(s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, s)
}

// Calls returns the recorded calls.
func (m *Model) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Wait blocks until every streaming goroutine started by the model has exited.
func (m *Model) Wait() {
	m.wg.Wait()
}

func (m *Model) next(messages []*schema.Message, opts []model.Option, stream bool) (Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{
		Messages: append([]*schema.Message(nil), messages...),
		Options:  model.GetCommonOptions(&model.Options{}, opts...),
		Stream:   stream,
	})
	if len(m.scripts) == 0 {
		if m.fallback != nil {
			return *m.fallback, nil
		}
		return Script{}, errors.New("llmtest: no script left")
	}
	s := m.scripts[0]
	m.scripts = m.scripts[1:]
	return s, nil
}

// Generate returns the script's fragments joined.
func (m *Model) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	s, err := m.next(input, opts, false)
	if err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.StreamErr != nil {
		return nil, s.StreamErr
	}
	return schema.AssistantMessage(strings.Join(s.Fragments, ""), nil), nil
}

// Stream emits the script's fragments one message per fragment.
func (m *Model) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	s, err := m.next(input, opts, true)
	if err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}

	reader, writer := schema.Pipe[*schema.Message](0)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer writer.Close()

		for _, text := range s.Fragments {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					writer.Send(nil, ctx.Err())
					return
				}
			}
			if ctx.Err() != nil {
				writer.Send(nil, ctx.Err())
				return
			}
			if closed := writer.Send(schema.AssistantMessage(text, nil), nil); closed {
				return
			}
		}
		if s.Stall {
			<-ctx.Done()
			writer.Send(nil, ctx.Err())
			return
		}
		if s.StreamErr != nil {
			writer.Send(nil, s.StreamErr)
		}
	}()
	return reader, nil
}

// BindTools is a no-op.
func (m *Model) BindTools([]*schema.ToolInfo) error { return nil }
