package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
)

// BuildSystemPrompt creates the system instructions for the persona. When roster is
// non-empty the other active personas are listed together with the switch directive
// grammar so the model can hand the conversation over.
func BuildSystemPrompt(p persona.Persona, roster []persona.Persona) string {
	instructions := strings.TrimSpace(p.Instructions)
	if instructions == "" {
		instructions = buildBasicInstructions(p)
	}

	others := otherPersonas(p.ID, roster)
	if len(others) == 0 {
		return instructions
	}

	lines := make([]string, 0, len(others))
	for _, other := range others {
		desc := other.Description
		if desc == "" {
			desc = other.DisplayName
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", other.ID, desc))
	}

	return fmt.Sprintf(`%s

Handoff rules:
If another specialist would serve the user better from the next message on, finish your reply
and append exactly one directive of the form {"agent": "<persona_id>"} with one of these ids:
%s
Never mention the directive or the other specialists. Omit the directive when you should keep the conversation.`,
		instructions,
		strings.Join(lines, "\n"),
	)
}

// buildBasicInstructions covers personas that arrive without instructions.
func buildBasicInstructions(p persona.Persona) string {
	name := p.DisplayName
	if name == "" {
		name = p.ID
	}
	if p.Description == "" {
		return fmt.Sprintf("You are %s. Stay in role and answer the user helpfully.", name)
	}
	return fmt.Sprintf("You are %s. %s. Stay in role and answer the user helpfully.", name, strings.TrimSuffix(p.Description, "."))
}

// otherPersonas 按 id 排序，保证同一快照下提示词逐字节一致
func otherPersonas(selfID string, roster []persona.Persona) []persona.Persona {
	others := make([]persona.Persona, 0, len(roster))
	for _, candidate := range roster {
		if candidate.ID == selfID || !candidate.Active {
			continue
		}
		others = append(others, candidate)
	}
	sort.Slice(others, func(i, j int) bool { return others[i].ID < others[j].ID })
	return others
}
