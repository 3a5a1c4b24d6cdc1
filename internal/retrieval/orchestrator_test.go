package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textbook-tutor/backend/internal/storage/models"
	"github.com/textbook-tutor/backend/internal/vector"
)

// fakeSearcher answers the plain question with baseline and anything else with augmented.
type fakeSearcher struct {
	question     string
	baseline     []vector.Result
	augmented    []vector.Result
	augmentedErr error
	queries      []string
}

func (f *fakeSearcher) Search(_ context.Context, _, _, query string, _ int) ([]vector.Result, error) {
	f.queries = append(f.queries, query)
	if query == f.question {
		return f.baseline, nil
	}
	return f.augmented, f.augmentedErr
}

var history = []*models.Message{
	{Type: models.MessageTypeUser, Content: "What is a triangle?"},
	{Type: models.MessageTypeBot, Content: "A triangle has three corners and three sides."},
}

func TestRetrieve_NonFollowUpUsesBaselineOnly(t *testing.T) {
	s := &fakeSearcher{question: "What is photosynthesis?", baseline: []vector.Result{{Score: 0.35}}}

	res, err := NewOrchestrator(s).Retrieve(context.Background(), "o", "d", s.question, nil, 3)
	require.NoError(t, err)
	assert.False(t, res.FollowUp)
	assert.False(t, res.Augmented)
	assert.Len(t, s.queries, 1)
	assert.Equal(t, "", res.Context)
}

func TestRetrieve_StrongFollowUpSkipsAugmentation(t *testing.T) {
	s := &fakeSearcher{question: "explain it", baseline: []vector.Result{{Score: 0.5}}}

	res, err := NewOrchestrator(s).Retrieve(context.Background(), "o", "d", s.question, history, 3)
	require.NoError(t, err)
	assert.True(t, res.FollowUp)
	assert.False(t, res.Augmented)
	assert.Len(t, s.queries, 1)
}

func TestRetrieve_AdoptsClearlyBetterAugmented(t *testing.T) {
	s := &fakeSearcher{
		question:  "explain it",
		baseline:  []vector.Result{{ChunkNumber: 1, Score: 0.31}},
		augmented: []vector.Result{{ChunkNumber: 2, Score: 0.6}},
	}

	res, err := NewOrchestrator(s).Retrieve(context.Background(), "o", "d", s.question, history, 3)
	require.NoError(t, err)
	assert.True(t, res.Augmented)
	assert.True(t, res.Adopted)
	assert.Equal(t, 2, res.Results[0].ChunkNumber)
	assert.Equal(t, 0.6, res.MaxScore)
	require.Len(t, s.queries, 2)
	assert.True(t, strings.HasPrefix(s.queries[1], "explain it "))
}

func TestRetrieve_KeepsBaselineWhenNotClearlyBetter(t *testing.T) {
	baseline := []vector.Result{{ChunkNumber: 1, Score: 0.35}}
	s := &fakeSearcher{
		question:  "explain it",
		baseline:  baseline,
		augmented: []vector.Result{{ChunkNumber: 2, Score: 0.4}}, // below 0.35 * 1.2
	}

	res, err := NewOrchestrator(s).Retrieve(context.Background(), "o", "d", s.question, history, 3)
	require.NoError(t, err)
	assert.True(t, res.Augmented)
	assert.False(t, res.Adopted)
	assert.Equal(t, baseline, res.Results)
}

func TestRetrieve_EmptyBaselineAdoptsAnyAugmented(t *testing.T) {
	s := &fakeSearcher{
		question:  "tell me more",
		augmented: []vector.Result{{ChunkNumber: 0, Score: 0.32}},
	}

	res, err := NewOrchestrator(s).Retrieve(context.Background(), "o", "d", s.question, history, 3)
	require.NoError(t, err)
	assert.True(t, res.Adopted)
	assert.Len(t, res.Results, 1)
}

func TestRetrieve_AugmentedFailureKeepsBaseline(t *testing.T) {
	s := &fakeSearcher{
		question:     "explain it",
		baseline:     []vector.Result{{Score: 0.31}},
		augmentedErr: errors.New("embedding down"),
	}

	res, err := NewOrchestrator(s).Retrieve(context.Background(), "o", "d", s.question, history, 3)
	require.NoError(t, err)
	assert.False(t, res.Adopted)
	assert.Len(t, res.Results, 1)
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, string, string, string, int) ([]vector.Result, error) {
	return nil, errors.New("embedding down")
}

func TestRetrieve_BaselineFailurePropagates(t *testing.T) {
	_, err := NewOrchestrator(failingSearcher{}).Retrieve(context.Background(), "o", "d", "q", nil, 3)
	assert.Error(t, err)
}
