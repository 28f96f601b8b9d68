package register

import (
	"strings"
)

// Label 描述用户当前的表达语域，只作为分类调用的提示，不直接决定切换。
type Label string

const (
	Neutral   Label = "neutral"
	Venting   Label = "venting"
	Planning  Label = "planning"
	Conflict  Label = "conflict"
	Rehearsal Label = "rehearsal"
	Crisis    Label = "crisis"
)

// Decision 给出语域判断以及命中得分。
type Decision struct {
	Register Label
	Score    int
}

var keywordBuckets = map[Label][]string{
	Venting: {
		"vent", "need to express", "overwhelmed", "so upset", "i'm upset", "i am upset", "can't stop crying",
		"crying", "hurt", "exhausted", "frustrated", "sick of", "fed up", "emotional dump", "so angry",
		"难过", "伤心", "委屈", "崩溃", "发泄", "受够了", "气死",
	},
	Planning: {
		"what should i do", "ready to talk about solutions", "i want to work on", "need help with", "plan",
		"next step", "steps", "how do i fix", "how can i", "advice", "怎么办", "计划", "下一步", "建议",
	},
	Conflict: {
		"we fight", "we fought", "argue", "argument", "keeps blaming", "disagree", "yelled", "fight about",
		"same fight", "吵架", "争吵", "冷战", "矛盾",
	},
	Rehearsal: {
		"practice", "rehearse", "how to bring this up", "worried about saying", "what do i say", "role-play",
		"roleplay", "pretend to be", "练习", "排练", "怎么开口",
	},
	Crisis: {
		"break up", "breaking up", "want to end this", "can't do this anymore", "relationship is over",
		"i'm done", "divorce", "分手", "离婚",
	},
}

// Analyze 根据用户消息推断语域。
func Analyze(message string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized == "" {
		return Decision{Register: Neutral}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	if exclamations := strings.Count(message, "!") + strings.Count(message, "！"); exclamations > 1 {
		scores[Venting] += exclamations
	}

	best := Neutral
	bestScore := 0
	// 按固定顺序比较，得分相同时结果稳定
	for _, label := range []Label{Crisis, Venting, Conflict, Rehearsal, Planning} {
		if scores[label] > bestScore {
			best = label
			bestScore = scores[label]
		}
	}
	return Decision{Register: best, Score: bestScore}
}

// Describe returns a one-line English description used in classifier prompts.
func Describe(label Label) string {
	switch label {
	case Venting:
		return "the user mainly needs to release emotions and be heard"
	case Planning:
		return "the user is asking for concrete next steps"
	case Conflict:
		return "the user describes a recurring conflict with their partner"
	case Rehearsal:
		return "the user wants to prepare or practise a conversation"
	case Crisis:
		return "the user is considering ending the relationship"
	default:
		return "no strong signal"
	}
}
