package query

import (
	"fmt"
	"strings"
)

const (
	answerTemperature float32 = 0.7
	textMaxTokens             = 200
	visionMaxTokens           = 350
	followUpMaxTokens         = 300
)

const (
	noContentAnswer = "I couldn't find anything about that in your textbook. " +
		"Try asking about something from your lessons!"
	invalidSessionAnswer = "I couldn't find that conversation. Please start a new chat and ask again."
	apologyAnswer        = "Sorry, something went wrong while answering your question. Please try again."
)

func outOfContextAnswer(reason string) string {
	answer := "That's a great question, but I couldn't find it in your textbook."
	if reason != "" {
		answer += " (" + reason + ")"
	}
	return answer + " Let's stick to what your book teaches. Try asking about one of your lessons!"
}

func audience(grade string) string {
	if grade == "" {
		grade = "1"
	}
	return fmt.Sprintf("a Grade %s student", grade)
}

func textPrompt(question, content, grade string) string {
	return fmt.Sprintf(`You are a friendly teacher talking to %s. Answer this question using the textbook content.

Question: %s
Textbook Content: %s

Answer in simple, child-friendly language:`, audience(grade), question, content)
}

func visionPrompt(question, content, grade string) string {
	return fmt.Sprintf(`You are a friendly teacher talking to %s. Answer this question using both the textbook content and what you can see in the page image.

Question: %s

Textbook Content: %s

Please look at the page image and reference specific visual elements (diagrams, numbers, pictures, examples) you can see. Explain in simple, child-friendly language.`,
		audience(grade), question, content)
}

// followUpPrompt continues the conversation. content is empty when nothing in
// the textbook matched and only the conversation so far can be used.
func followUpPrompt(question, conversationContext, content, grade string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a friendly teacher continuing a conversation with %s.\n\n", audience(grade))
	fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", conversationContext)
	if content != "" {
		fmt.Fprintf(&b, "Textbook Content: %s\n\n", content)
	}
	fmt.Fprintf(&b, "The student now asks: %s\n\n", question)
	b.WriteString("Build on what you already explained instead of starting over. " +
		"Use simple, child-friendly language and keep it short.")
	return b.String()
}

func textFallback(content string) string {
	return fmt.Sprintf("Based on your textbook: %s...", clip(content, 300))
}

func visionFallback(content string) string {
	return fmt.Sprintf("I can see the page from your textbook, but I had trouble generating a response. The textbook says: %s...",
		clip(content, 200))
}

func followUpFallback(content, previousAnswer string) string {
	if content != "" {
		return fmt.Sprintf("Let me explain that again. Your textbook says: %s...", clip(content, 300))
	}
	if previousAnswer != "" {
		return fmt.Sprintf("Let's look at what we talked about again: %s", clip(previousAnswer, 300))
	}
	return noContentAnswer
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
