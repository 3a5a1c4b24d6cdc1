package conversation

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"

	"github.com/textbook-tutor/backend/internal/storage/models"
)

const (
	augmentWindow   = 6
	augmentKeywords = 5
	minKeywordRunes = 4
)

var stopwords = set(
	"about", "above", "after", "again", "also", "because", "been", "before", "being", "below",
	"between", "both", "could", "does", "doing", "down", "during", "each", "explain", "from",
	"further", "have", "having", "here", "into", "just", "know", "like", "make", "many",
	"more", "most", "much", "only", "other", "over", "please", "same", "should", "some",
	"such", "tell", "than", "that", "their", "them", "then", "there", "these", "they",
	"thing", "things", "this", "those", "through", "under", "until", "very", "want", "were",
	"what", "when", "where", "which", "while", "will", "with", "would", "your", "yours",
	"answer", "question", "textbook", "think", "really", "okay",
)

// AugmentQuery appends up to five keywords from recent turns to question.
// Newer messages contribute first.
func AugmentQuery(history []*models.Message, question string) string {
	start := len(history) - augmentWindow
	if start < 0 {
		start = 0
	}
	recent := history[start:]

	seen := make(map[string]bool)
	var keywords []string

collect:
	for i := len(recent) - 1; i >= 0; i-- {
		for _, tok := range tokenize(recent[i].Content) {
			word := strings.ToLower(tok)
			if !isKeyword(word) || seen[word] {
				continue
			}
			seen[word] = true
			keywords = append(keywords, word)
			if len(keywords) == augmentKeywords {
				break collect
			}
		}
	}

	if len(keywords) == 0 {
		return question
	}
	return question + " " + strings.Join(keywords, " ")
}

func tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return strings.Fields(text)
	}

	tokens := doc.Tokens()
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, tok.Text)
	}
	return out
}

func isKeyword(word string) bool {
	if len([]rune(word)) < minKeywordRunes || stopwords[word] {
		return false
	}
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
