package conversation

import (
	"regexp"
	"strings"
	"unicode"
)

// FollowUpClassifier flags questions that only make sense against earlier
// turns. Any single rule firing is enough.
type FollowUpClassifier struct {
	// Phrases match anywhere in the lowercased question.
	Phrases []string
	// Patterns match against the lowercased, trimmed question.
	Patterns []*regexp.Regexp
	// Pronouns count only when there is conversation context.
	Pronouns map[string]bool
	// Starters apply to short questions when there is conversation context.
	Starters      map[string]bool
	MaxShortWords int
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var DefaultFollowUp = &FollowUpClassifier{
	Phrases: []string{
		"explain it", "explain that", "explain this", "explain more", "explain again",
		"tell me more", "more about", "what about", "how about",
		"can you explain", "could you explain", "what do you mean", "what does that mean",
		"i don't understand", "i dont understand", "don't get it", "dont get it",
		"say that again", "say it again", "give me an example", "another example",
		"for example?", "elaborate", "go on", "keep going", "in simple words", "simpler",
		"why is that", "how come", "what else", "and then",
	},
	Patterns: []*regexp.Regexp{
		regexp.MustCompile(`^(and|but|so|also|then)\b`),
		regexp.MustCompile(`\b(explain|describe|show|tell me about)\s+(it|that|this|them|those|these)\b`),
		regexp.MustCompile(`^what (is|are|was|were|does|do) (it|that|this|they|those|these)\b`),
		regexp.MustCompile(`\bmore (details?|info|information|examples?)\b`),
		regexp.MustCompile(`^(why|how|really|what)\s*\?*$`),
		regexp.MustCompile(`\b(the|that|this) (last|previous) (answer|one|part|question)\b`),
	},
	Pronouns: set("it", "its", "this", "that", "these", "those", "they", "them", "their", "he", "she", "him", "her"),
	Starters: set("why", "how", "what", "when", "where", "really", "so", "and", "more", "example", "then", "ok", "okay"),
	MaxShortWords: 3,
}

// IsFollowUp applies the default classifier.
func IsFollowUp(question, context string) bool {
	return DefaultFollowUp.IsFollowUp(question, context)
}

func (c *FollowUpClassifier) IsFollowUp(question, context string) bool {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return false
	}

	for _, phrase := range c.Phrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}

	for _, pattern := range c.Patterns {
		if pattern.MatchString(q) {
			return true
		}
	}

	hasContext := strings.TrimSpace(context) != ""
	if !hasContext {
		return false
	}

	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for _, w := range words {
		if c.Pronouns[w] {
			return true
		}
	}

	if len(words) > 0 && len(words) <= c.MaxShortWords && c.Starters[words[0]] {
		return true
	}
	return false
}
