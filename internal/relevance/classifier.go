package relevance

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	contentSampleLength = 1000
	contextTailLength   = 500

	verdictMaxTokens = 60
	// Zero is dropped from the request and the model default applies.
	verdictTemperature float32 = 0.1
)

var ErrUnparseableVerdict = errors.New("unparseable relevance verdict")

type TextGenerator interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)
}

// LLMClassifier asks a text model for a RELEVANT / NOT_RELEVANT verdict.
type LLMClassifier struct {
	gen TextGenerator
}

func NewLLMClassifier(gen TextGenerator) *LLMClassifier {
	return &LLMClassifier{gen: gen}
}

func (c *LLMClassifier) Classify(ctx context.Context, question, content, conversationContext string) (bool, string, error) {
	prompt := buildPrompt(question, content, conversationContext)

	out, err := c.gen.Complete(ctx, prompt, verdictMaxTokens, verdictTemperature)
	if err != nil {
		return false, "", fmt.Errorf("failed to classify relevance: %w", err)
	}
	return ParseVerdict(out)
}

func buildPrompt(question, content, conversationContext string) string {
	var b strings.Builder
	b.WriteString("You decide whether a student's question can be answered from their textbook.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	if conversationContext != "" {
		fmt.Fprintf(&b, "Recent conversation:\n%s\n\n", tail(conversationContext, contextTailLength))
	}
	fmt.Fprintf(&b, "Textbook content:\n%s\n\n", head(content, contentSampleLength))
	b.WriteString("If the question is about this content, or continues the conversation about it, reply RELEVANT.\n")
	b.WriteString("Otherwise reply NOT_RELEVANT: <short reason>.\n")
	b.WriteString("Reply with one line only.")
	return b.String()
}

// ParseVerdict reads "RELEVANT" or "NOT_RELEVANT: reason".
func ParseVerdict(out string) (bool, string, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	upper := strings.ToUpper(line)

	reasonAfter := func(prefix string) string {
		rest := strings.TrimSpace(line[len(prefix):])
		rest = strings.TrimLeft(rest, ":- ")
		return strings.TrimSpace(rest)
	}

	switch {
	case strings.HasPrefix(upper, "NOT_RELEVANT"):
		reason := reasonAfter("NOT_RELEVANT")
		if reason == "" {
			reason = "question is outside the textbook content"
		}
		return false, reason, nil
	case strings.HasPrefix(upper, "NOT RELEVANT"):
		reason := reasonAfter("NOT RELEVANT")
		if reason == "" {
			reason = "question is outside the textbook content"
		}
		return false, reason, nil
	case strings.HasPrefix(upper, "RELEVANT"):
		return true, "content matches the question", nil
	default:
		return false, "", fmt.Errorf("%w: %q", ErrUnparseableVerdict, line)
	}
}

func head(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
