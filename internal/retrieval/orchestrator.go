package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/conversation"
	"github.com/textbook-tutor/backend/internal/metrics"
	"github.com/textbook-tutor/backend/internal/storage/models"
	"github.com/textbook-tutor/backend/internal/vector"
	"github.com/textbook-tutor/backend/pkg/logger"
)

const (
	// WeakScore is the baseline max score below which a follow-up is re-run
	// with an augmented query.
	WeakScore = 0.4
	// AdoptFactor is how much better the augmented max score must be.
	AdoptFactor = 1.2
)

type Searcher interface {
	Search(ctx context.Context, owner, documentID, query string, topK int) ([]vector.Result, error)
}

type Result struct {
	Results        []vector.Result
	MaxScore       float64
	Context        string
	FollowUp       bool
	Augmented      bool
	Adopted        bool
	AugmentedQuery string
}

type Orchestrator struct {
	searcher   Searcher
	classifier *conversation.FollowUpClassifier
}

func NewOrchestrator(searcher Searcher) *Orchestrator {
	return &Orchestrator{searcher: searcher, classifier: conversation.DefaultFollowUp}
}

// Retrieve runs the baseline search and, for weakly matched follow-ups, an
// augmented one. Augmented results replace the baseline only when clearly better.
func (o *Orchestrator) Retrieve(ctx context.Context, owner, documentID, question string, history []*models.Message, topK int) (*Result, error) {
	convContext := conversation.BuildContext(history)

	baseline, err := o.searcher.Search(ctx, owner, documentID, question, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search document: %w", err)
	}

	res := &Result{
		Results:  baseline,
		MaxScore: vector.MaxScore(baseline),
		Context:  convContext,
		FollowUp: o.classifier.IsFollowUp(question, convContext),
	}

	if !res.FollowUp || (len(baseline) > 0 && res.MaxScore >= WeakScore) {
		metrics.RetrievalResultsCount.Observe(float64(len(res.Results)))
		return res, nil
	}

	res.Augmented = true
	res.AugmentedQuery = conversation.AugmentQuery(history, question)

	augmented, err := o.searcher.Search(ctx, owner, documentID, res.AugmentedQuery, topK)
	if err != nil {
		logger.Warn("Augmented search failed, keeping baseline",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		metrics.RetrievalResultsCount.Observe(float64(len(res.Results)))
		return res, nil
	}

	augmentedMax := vector.MaxScore(augmented)
	if len(augmented) > 0 && augmentedMax > res.MaxScore*AdoptFactor {
		res.Results = augmented
		res.MaxScore = augmentedMax
		res.Adopted = true
	}
	metrics.RetrievalAugmented.WithLabelValues(fmt.Sprintf("%t", res.Adopted)).Inc()
	metrics.RetrievalResultsCount.Observe(float64(len(res.Results)))

	logger.Debug("Augmented retrieval",
		zap.String("augmented_query", res.AugmentedQuery),
		zap.Bool("adopted", res.Adopted),
		zap.Float64("max_score", res.MaxScore),
	)
	return res, nil
}
