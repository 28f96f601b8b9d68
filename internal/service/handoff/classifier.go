package handoff

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/persona-relay/backend/internal/analysis/register"
	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
)

// ClassifyRequest carries what the fallback classification call may look at.
type ClassifyRequest struct {
	Current       persona.Persona
	Candidates    []persona.Persona
	UserMessage   string
	AssistantText string
}

// Classifier picks a target persona id, or returns an empty string to keep the current one.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (string, error)
}

// ClassifierOptions 配置兜底分类调用。
type ClassifierOptions struct {
	ModelID   string
	MaxTokens int
}

// ChainClassifier asks the chat model for one short answer through an eino chain.
type ChainClassifier struct {
	runnable compose.Runnable[map[string]any, *schema.Message]
	opts     ClassifierOptions
}

// NewChainClassifier compiles the classification chain.
func NewChainClassifier(ctx context.Context, chatModel model.ChatModel, opts ClassifierOptions) (*ChainClassifier, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 20
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(classifierSystemPrompt),
		schema.UserMessage(classifierUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile handoff classifier chain: %w", err)
	}
	return &ChainClassifier{runnable: runnable, opts: opts}, nil
}

// Classify runs one short, deterministic completion and returns the parsed answer.
func (c *ChainClassifier) Classify(ctx context.Context, req ClassifyRequest) (string, error) {
	hint := register.Analyze(req.UserMessage)

	input := map[string]any{
		"current":        req.Current.ID,
		"candidates":     formatCandidates(req.Candidates),
		"register":       register.Describe(hint.Register),
		"user_message":   strings.TrimSpace(req.UserMessage),
		"assistant_text": excerpt(req.AssistantText, 600),
	}

	modelOpts := []model.Option{model.WithTemperature(0), model.WithMaxTokens(c.opts.MaxTokens)}
	if c.opts.ModelID != "" {
		modelOpts = append(modelOpts, model.WithModel(c.opts.ModelID))
	}

	msg, err := c.runnable.Invoke(ctx, input, compose.WithChatModelOption(modelOpts...))
	if err != nil {
		return "", fmt.Errorf("handoff classifier invoke: %w", err)
	}
	if msg == nil {
		return "", nil
	}
	return ParseAnswer(msg.Content), nil
}

// ParseAnswer normalises a classifier reply into a persona id; "none"/"no" and empty
// replies yield "".
func ParseAnswer(raw string) string {
	if d, _ := Parse(raw); d.IsSwitch() {
		return d.PersonaID
	}

	answer := strings.ToLower(strings.TrimSpace(raw))
	if fields := strings.Fields(answer); len(fields) > 0 {
		answer = fields[0]
	}
	answer = strings.Trim(answer, "\"'`.,;:!?()[]<>")
	switch answer {
	case "", "none", "no", "null", "keep", "stay":
		return ""
	}
	return answer
}

func formatCandidates(candidates []persona.Persona) string {
	var builder strings.Builder
	for i, c := range candidates {
		desc := c.Description
		if desc == "" {
			desc = c.DisplayName
		}
		builder.WriteString("- ")
		builder.WriteString(c.ID)
		builder.WriteString(": ")
		builder.WriteString(desc)
		if i < len(candidates)-1 {
			builder.WriteString("\n")
		}
	}
	return builder.String()
}

func excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

const classifierSystemPrompt = "You route a relationship-support conversation between specialists. Decide whether the NEXT user message should be handled by a different specialist than the current one.\nReply with exactly one specialist id from the list, or the single word none to keep the current specialist. Do not output anything else."

const classifierUserPrompt = "Current specialist: {current}\n\nAvailable specialists:\n{candidates}\n\nSignal from the user's wording: {register}\n\nUser message:\n{user_message}\n\nReply from the current specialist:\n{assistant_text}\n\nAnswer with one id or none."
