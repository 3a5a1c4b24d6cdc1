package relevance

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/metrics"
	"github.com/textbook-tutor/backend/pkg/logger"
)

const (
	// FollowUpAccept is the max score above which a follow-up passes outright.
	FollowUpAccept = 0.2
	// StrictReject is the max score below which a fresh question is rejected outright.
	StrictReject = 0.25
)

type Path string

const (
	PathFollowUpScore     Path = "followup_score"
	PathFollowUpNoContext Path = "followup_no_context"
	PathStrictReject      Path = "strict_reject"
	PathClassifier        Path = "classifier"
	PathClassifierFailure Path = "classifier_failure"
)

type Decision struct {
	Relevant bool
	Reason   string
	Path     Path
}

// Classifier judges whether content can answer a question.
type Classifier interface {
	Classify(ctx context.Context, question, content, conversationContext string) (relevant bool, reason string, err error)
}

type Gate struct {
	classifier Classifier
}

func NewGate(classifier Classifier) *Gate {
	return &Gate{classifier: classifier}
}

// Check decides whether the retrieved content is enough to answer. A failing
// classifier counts as relevant on both paths.
func (g *Gate) Check(ctx context.Context, question, content string, scores []float64, conversationContext string, followUp bool) Decision {
	best := maxScore(scores)

	var d Decision
	switch {
	case followUp && best > FollowUpAccept:
		d = Decision{Relevant: true, Reason: fmt.Sprintf("follow-up with similarity %.2f", best), Path: PathFollowUpScore}
	case followUp && conversationContext == "":
		d = Decision{Relevant: false, Reason: "follow-up without conversation context and weak textbook match", Path: PathFollowUpNoContext}
	case !followUp && best < StrictReject:
		d = Decision{Relevant: false, Reason: fmt.Sprintf("similarity %.2f is too low", best), Path: PathStrictReject}
	default:
		d = g.classify(ctx, question, content, conversationContext)
	}

	metrics.RelevanceDecisions.WithLabelValues(string(d.Path), strconv.FormatBool(d.Relevant)).Inc()
	logger.Debug("Relevance decision",
		zap.Bool("relevant", d.Relevant),
		zap.String("path", string(d.Path)),
		zap.String("reason", d.Reason),
		zap.Float64("max_score", best),
	)
	return d
}

func (g *Gate) classify(ctx context.Context, question, content, conversationContext string) Decision {
	if g.classifier == nil {
		return Decision{Relevant: true, Reason: "no classifier configured", Path: PathClassifierFailure}
	}

	relevant, reason, err := g.classifier.Classify(ctx, question, content, conversationContext)
	if err != nil {
		metrics.GenerationFailures.WithLabelValues("classifier").Inc()
		logger.Warn("Relevance classifier failed, defaulting to relevant", zap.Error(err))
		return Decision{Relevant: true, Reason: "relevance check unavailable", Path: PathClassifierFailure}
	}
	return Decision{Relevant: relevant, Reason: reason, Path: PathClassifier}
}

func maxScore(scores []float64) float64 {
	best := 0.0
	for i, s := range scores {
		if i == 0 || s > best {
			best = s
		}
	}
	return best
}
