package relevance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClassifier struct {
	relevant bool
	reason   string
	err      error
	calls    int
}

func (s *stubClassifier) Classify(context.Context, string, string, string) (bool, string, error) {
	s.calls++
	return s.relevant, s.reason, s.err
}

func TestGate_FreshQuestionLowScoreRejected(t *testing.T) {
	cls := &stubClassifier{relevant: true}
	d := NewGate(cls).Check(context.Background(), "What is 2+2?", "plants", []float64{0.10}, "", false)

	assert.False(t, d.Relevant)
	assert.Equal(t, PathStrictReject, d.Path)
	assert.Zero(t, cls.calls)
}

func TestGate_FollowUpAboveLenientThresholdAccepted(t *testing.T) {
	cls := &stubClassifier{relevant: false}
	d := NewGate(cls).Check(context.Background(), "explain it", "plants", []float64{0.30}, "", true)

	assert.True(t, d.Relevant)
	assert.Equal(t, PathFollowUpScore, d.Path)
	assert.Zero(t, cls.calls)
}

func TestGate_FollowUpWeakScoreUsesClassifierWithContext(t *testing.T) {
	cls := &stubClassifier{relevant: false, reason: "about dinosaurs"}
	d := NewGate(cls).Check(context.Background(), "what about them", "plants", []float64{0.15}, "Student: hi\nTutor: hello", true)

	assert.False(t, d.Relevant)
	assert.Equal(t, "about dinosaurs", d.Reason)
	assert.Equal(t, PathClassifier, d.Path)
	assert.Equal(t, 1, cls.calls)
}

func TestGate_FollowUpWeakScoreNoContextRejected(t *testing.T) {
	cls := &stubClassifier{relevant: true}
	d := NewGate(cls).Check(context.Background(), "explain it", "plants", []float64{0.1}, "", true)

	assert.False(t, d.Relevant)
	assert.Equal(t, PathFollowUpNoContext, d.Path)
	assert.Zero(t, cls.calls)
}

func TestGate_ClassifierFailureDefaultsToRelevant(t *testing.T) {
	cases := []struct {
		followUp bool
		score    float64
	}{
		{followUp: false, score: 0.27},
		{followUp: true, score: 0.18},
	}
	for _, tc := range cases {
		cls := &stubClassifier{err: errors.New("timeout")}
		d := NewGate(cls).Check(context.Background(), "q", "c", []float64{tc.score}, "Student: a\nTutor: b", tc.followUp)

		assert.True(t, d.Relevant)
		assert.Equal(t, PathClassifierFailure, d.Path)
		assert.Equal(t, 1, cls.calls)
	}
}

func TestGate_FreshQuestionDelegatesToClassifier(t *testing.T) {
	cls := &stubClassifier{relevant: true, reason: "ok"}
	d := NewGate(cls).Check(context.Background(), "q", "c", []float64{0.5}, "", false)

	assert.True(t, d.Relevant)
	assert.Equal(t, PathClassifier, d.Path)
	assert.Equal(t, 1, cls.calls)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in       string
		relevant bool
		reason   string
		wantErr  bool
	}{
		{in: "RELEVANT", relevant: true, reason: "content matches the question"},
		{in: "  relevant.\nextra", relevant: true, reason: "content matches the question"},
		{in: "NOT_RELEVANT: asks about football", relevant: false, reason: "asks about football"},
		{in: "NOT RELEVANT - cooking", relevant: false, reason: "cooking"},
		{in: "NOT_RELEVANT", relevant: false, reason: "question is outside the textbook content"},
		{in: "maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			relevant, reason, err := ParseVerdict(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnparseableVerdict)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.relevant, relevant)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

type stubGenerator struct {
	out         string
	err         error
	prompt      string
	temperature float32
}

func (s *stubGenerator) Complete(_ context.Context, prompt string, _ int, temperature float32) (string, error) {
	s.prompt = prompt
	s.temperature = temperature
	return s.out, s.err
}

func TestLLMClassifier(t *testing.T) {
	gen := &stubGenerator{out: "NOT_RELEVANT: about space"}
	relevant, reason, err := NewLLMClassifier(gen).Classify(context.Background(), "What is Mars?", "Plants need water.", "Student: hi")

	require.NoError(t, err)
	assert.False(t, relevant)
	assert.Equal(t, "about space", reason)
	assert.Contains(t, gen.prompt, "What is Mars?")
	assert.Contains(t, gen.prompt, "Plants need water.")
	assert.Contains(t, gen.prompt, "Student: hi")
	assert.Greater(t, gen.temperature, float32(0))

	gen.err = errors.New("down")
	_, _, err = NewLLMClassifier(gen).Classify(context.Background(), "q", "c", "")
	assert.Error(t, err)
}
