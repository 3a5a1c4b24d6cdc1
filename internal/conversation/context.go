package conversation

import (
	"fmt"
	"strings"

	"github.com/textbook-tutor/backend/internal/storage/models"
)

const (
	contextWindow     = 8
	contextLineLength = 200
)

var roleLabels = map[models.MessageType]string{
	models.MessageTypeUser: "Student",
	models.MessageTypeBot:  "Tutor",
}

// RoleLabel is the display role used for a message type in prompts.
func RoleLabel(t models.MessageType) string {
	if label, ok := roleLabels[t]; ok {
		return label
	}
	return "Unknown"
}

// BuildContext formats the tail of a conversation as "<Role>: <content>"
// lines, oldest first. Histories with no prior exchange yield "".
func BuildContext(history []*models.Message) string {
	if len(history) < 2 {
		return ""
	}

	start := len(history) - contextWindow
	if start < 0 {
		start = 0
	}

	lines := make([]string, 0, len(history)-start)
	for _, msg := range history[start:] {
		lines = append(lines, fmt.Sprintf("%s: %s", RoleLabel(msg.Type), truncate(msg.Content, contextLineLength)))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
