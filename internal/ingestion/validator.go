package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/pkg/logger"
)

const (
	validationMaxTokens             = 200
	validationTemperature   float32 = 0.2
	minValidationConfidence         = 0.6

	sampleHeadRunes   = 2000
	sampleMiddleRunes = 1000
	samplePromptRunes = 2500
)

var (
	verdictSubject    = regexp.MustCompile(`(?im)^\s*SUBJECT:\s*(.+)$`)
	verdictGrade      = regexp.MustCompile(`(?im)^\s*GRADE:\s*(.+)$`)
	verdictMatch      = regexp.MustCompile(`(?i)MATCH:\s*(\w+)`)
	verdictConfidence = regexp.MustCompile(`(?i)CONFIDENCE:\s*([\d.]+)`)
	verdictReason     = regexp.MustCompile(`(?im)^\s*REASON:\s*(.+)$`)
)

type TextGenerator interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)
}

// Validation is the outcome of checking a document against the subject and
// grade it was uploaded as.
type Validation struct {
	Valid           bool    `json:"valid"`
	Confidence      float64 `json:"confidence"`
	DetectedSubject string  `json:"detected_subject"`
	DetectedGrade   string  `json:"detected_grade"`
	ClaimedSubject  string  `json:"claimed_subject"`
	ClaimedGrade    string  `json:"claimed_grade"`
	Message         string  `json:"message"`
	Reason          string  `json:"reason"`
}

// RejectedError is returned by Ingest when the content does not match the
// claimed subject and grade.
type RejectedError struct {
	Validation *Validation
}

func (e *RejectedError) Error() string {
	return "document rejected: " + e.Validation.Message
}

// Validator asks a text model whether a document matches its claimed subject
// and grade. It never blocks an upload on its own failure.
type Validator struct {
	gen TextGenerator
}

func NewValidator(gen TextGenerator) *Validator {
	return &Validator{gen: gen}
}

func (v *Validator) Validate(ctx context.Context, text, subject, grade string) *Validation {
	out, err := v.gen.Complete(ctx, validationPrompt(sample(text), subject, grade), validationMaxTokens, validationTemperature)
	if err != nil {
		logger.Warn("Content validation unavailable, accepting upload", zap.Error(err))
		return &Validation{
			Valid:           true,
			Confidence:      0.5,
			DetectedSubject: subject,
			DetectedGrade:   grade,
			ClaimedSubject:  subject,
			ClaimedGrade:    grade,
			Message:         "Could not validate, proceeding with upload",
			Reason:          fmt.Sprintf("validation error: %v", err),
		}
	}
	return ParseValidation(out, subject, grade)
}

// ParseValidation reads the SUBJECT / GRADE / MATCH / CONFIDENCE / REASON
// lines of a verdict. Missing fields fall back to the claim, a neutral
// confidence and an unknown match, which is not valid.
func ParseValidation(out, subject, grade string) *Validation {
	v := &Validation{
		Confidence:      0.5,
		DetectedSubject: subject,
		DetectedGrade:   grade,
		ClaimedSubject:  subject,
		ClaimedGrade:    grade,
		Reason:          "Validation completed",
	}

	if m := verdictSubject.FindStringSubmatch(out); m != nil {
		v.DetectedSubject = strings.TrimSpace(m[1])
	}
	if m := verdictGrade.FindStringSubmatch(out); m != nil {
		v.DetectedGrade = strings.TrimSpace(m[1])
	}
	if m := verdictConfidence.FindStringSubmatch(out); m != nil {
		if f, err := strconv.ParseFloat(strings.TrimRight(m[1], "."), 64); err == nil {
			v.Confidence = f
		}
	}
	if m := verdictReason.FindStringSubmatch(out); m != nil {
		v.Reason = strings.TrimSpace(m[1])
	}

	match := "UNKNOWN"
	if m := verdictMatch.FindStringSubmatch(out); m != nil {
		match = strings.ToUpper(m[1])
	}

	v.Valid = (match == "YES" || match == "CLOSE") && v.Confidence >= minValidationConfidence
	if v.Valid {
		v.Message = fmt.Sprintf("Validated: %s Grade %s", v.DetectedSubject, v.DetectedGrade)
	} else {
		v.Message = fmt.Sprintf("Mismatch: expected %s Grade %s, but detected %s Grade %s",
			subject, grade, v.DetectedSubject, v.DetectedGrade)
	}
	return v
}

// sample takes the opening of the text plus a slice from the middle.
func sample(text string) string {
	runes := []rune(text)
	if len(runes) > sampleHeadRunes+sampleMiddleRunes {
		mid := len(runes) / 2
		runes = append(append(runes[:sampleHeadRunes:sampleHeadRunes], []rune("\n...\n")...), runes[mid:mid+sampleMiddleRunes]...)
	}
	if len(runes) > samplePromptRunes {
		runes = runes[:samplePromptRunes]
	}
	return string(runes)
}

func validationPrompt(content, subject, grade string) string {
	return fmt.Sprintf(`Analyze this textbook content and determine the actual subject and grade level.

Content Sample:
%s

User Claims:
Subject: %s
Grade: %s

Respond in this exact format:
SUBJECT: [detected subject - Mathematics/Science/English/Social Studies/etc]
GRADE: [number 1-12 or K]
MATCH: [YES if both match, CLOSE if grade within 1-2 levels, NO if mismatch]
CONFIDENCE: [0.0-1.0]
REASON: [brief explanation]`, content, subject, grade)
}
