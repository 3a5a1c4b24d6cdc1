package conversation

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textbook-tutor/backend/internal/storage/models"
)

func msg(t models.MessageType, content string) *models.Message {
	return &models.Message{Type: t, Content: content}
}

func TestBuildContext_NeedsPriorExchange(t *testing.T) {
	assert.Equal(t, "", BuildContext(nil))
	assert.Equal(t, "", BuildContext([]*models.Message{msg(models.MessageTypeUser, "hi")}))
}

func TestBuildContext_FormatsRoles(t *testing.T) {
	got := BuildContext([]*models.Message{
		msg(models.MessageTypeUser, "What is a plant?"),
		msg(models.MessageTypeBot, "A living thing."),
	})
	assert.Equal(t, "Student: What is a plant?\nTutor: A living thing.", got)
}

func TestBuildContext_WindowAndTruncation(t *testing.T) {
	var history []*models.Message
	for i := 0; i < 12; i++ {
		history = append(history, msg(models.MessageTypeUser, fmt.Sprintf("m%02d %s", i, strings.Repeat("x", 300))))
	}

	lines := strings.Split(BuildContext(history), "\n")
	require.Len(t, lines, 8)
	assert.True(t, strings.HasPrefix(lines[0], "Student: m04"))
	assert.True(t, strings.HasPrefix(lines[7], "Student: m11"))
	for _, line := range lines {
		content := strings.TrimPrefix(line, "Student: ")
		assert.LessOrEqual(t, len([]rune(content)), 200)
	}
}

func TestIsFollowUp(t *testing.T) {
	const ctx = "Student: What is a triangle?\nTutor: A shape with three sides."

	tests := []struct {
		name     string
		question string
		context  string
		want     bool
	}{
		{"phrase explain it", "explain it", ctx, true},
		{"phrase without context", "explain it", "", true},
		{"phrase inside sentence", "Can you explain it more?", ctx, true},
		{"tell me more", "Tell me more", ctx, true},
		{"what about", "What about squares?", ctx, true},
		{"pattern leading conjunction", "and the circle?", "", true},
		{"pattern what is that", "what is that", "", true},
		{"pronoun with context", "Does it have corners?", ctx, true},
		{"pronoun without context", "Does it have corners?", "", false},
		{"short starter with context", "Why?", ctx, true},
		{"short starter without context", "How so", "", false},
		{"standalone question", "What is photosynthesis?", "", false},
		{"standalone question with context", "What is photosynthesis in green leaves?", ctx, false},
		{"empty", "   ", ctx, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFollowUp(tt.question, tt.context))
		})
	}
}

func TestAugmentQuery(t *testing.T) {
	history := []*models.Message{
		msg(models.MessageTypeUser, "ignored because outside the window: volcano"),
		msg(models.MessageTypeUser, "What do plants need?"),
		msg(models.MessageTypeBot, "Plants need sunlight and water."),
		msg(models.MessageTypeUser, "Where do roots grow?"),
		msg(models.MessageTypeBot, "Roots grow under the soil."),
		msg(models.MessageTypeUser, "ok"),
		msg(models.MessageTypeBot, "Great job!"),
	}

	got := AugmentQuery(history, "explain it")
	assert.True(t, strings.HasPrefix(got, "explain it "))

	keywords := strings.Fields(strings.TrimPrefix(got, "explain it "))
	assert.LessOrEqual(t, len(keywords), 5)
	assert.Contains(t, keywords, "great")
	assert.Contains(t, keywords, "roots")
	assert.NotContains(t, keywords, "volcano")
	assert.NotContains(t, keywords, "the")

	seen := map[string]bool{}
	for _, k := range keywords {
		assert.False(t, seen[k], "duplicate keyword %q", k)
		seen[k] = true
		assert.GreaterOrEqual(t, len(k), 4)
	}
}

func TestAugmentQuery_NoKeywords(t *testing.T) {
	history := []*models.Message{msg(models.MessageTypeUser, "ok"), msg(models.MessageTypeBot, "yes")}
	assert.Equal(t, "why", AugmentQuery(history, "why"))
}
