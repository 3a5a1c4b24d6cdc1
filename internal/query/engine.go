package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/conversation"
	"github.com/textbook-tutor/backend/internal/metrics"
	"github.com/textbook-tutor/backend/internal/relevance"
	"github.com/textbook-tutor/backend/internal/retrieval"
	"github.com/textbook-tutor/backend/internal/storage/models"
	"github.com/textbook-tutor/backend/internal/storage/sqlite"
	"github.com/textbook-tutor/backend/internal/vector"
	"github.com/textbook-tutor/backend/pkg/logger"
)

// ErrInvalidSession is returned for sessions that are unknown, owned by
// someone else, bound to another document, or no longer accepting messages.
var ErrInvalidSession = errors.New("invalid session")

type AnswerType string

const (
	AnswerError               AnswerType = "error"
	AnswerNoContent           AnswerType = "no_content_found"
	AnswerFollowUpContextOnly AnswerType = "followup_context_only"
	AnswerOutOfContext        AnswerType = "out_of_context"
	AnswerFollowUpWithContent AnswerType = "followup_with_content"
	AnswerMultimodal          AnswerType = "multimodal_with_page_image"
	AnswerTextOnly            AnswerType = "text_only"
	AnswerFollowUpFallback    AnswerType = "followup_fallback"
	AnswerMultimodalFallback  AnswerType = "multimodal_fallback"
	AnswerTextOnlyFallback    AnswerType = "text_only_fallback"
)

type Store interface {
	CreateSession(ctx context.Context, owner, documentID, name string) (*models.Session, error)
	GetSession(ctx context.Context, id, owner string) (*models.Session, error)
	SaveMessage(ctx context.Context, msg *models.Message) error
	RecentMessages(ctx context.Context, sessionID, owner string, limit int) ([]*models.Message, error)
	CountMessages(ctx context.Context, sessionID, owner string) (int, error)
	DocumentInfo(ctx context.Context, owner, documentID string) (*models.DocumentInfo, error)
	ChunkPages(ctx context.Context, documentID, owner string) (map[int]int, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, owner, documentID, question string, history []*models.Message, topK int) (*retrieval.Result, error)
}

type RelevanceGate interface {
	Check(ctx context.Context, question, content string, scores []float64, conversationContext string, followUp bool) relevance.Decision
}

type TextGenerator interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)
}

type VisionGenerator interface {
	CompleteWithImage(ctx context.Context, prompt string, image []byte, maxTokens int, temperature float32) (string, error)
}

type PageRenderer interface {
	RenderPage(ctx context.Context, documentPath string, page int) ([]byte, error)
}

type Illustrator interface {
	Illustrate(ctx context.Context, question, answer, context, grade string) string
}

// Deps are the collaborators of an Engine. Renderer and Illustrator may be nil,
// which disables page images and illustrations respectively.
type Deps struct {
	Store       Store
	Retriever   Retriever
	Gate        RelevanceGate
	Text        TextGenerator
	Vision      VisionGenerator
	Renderer    PageRenderer
	Illustrator Illustrator
}

type Options struct {
	TopK                   int
	HistoryLimit           int
	RejectInactiveSessions bool
	// Temperature applies to every answer generation call.
	Temperature float32
	// MaxTokens caps the per-strategy answer budgets. Zero leaves them as is.
	MaxTokens int
}

type AskRequest struct {
	Owner      string
	DocumentID string
	Question   string
	SessionID  string
}

type AskResponse struct {
	Success            bool       `json:"success"`
	SessionID          string     `json:"session_id"`
	UserMessageID      string     `json:"user_message_id,omitempty"`
	BotMessageID       string     `json:"bot_message_id,omitempty"`
	Question           string     `json:"question"`
	Answer             string     `json:"answer"`
	AnswerType         AnswerType `json:"answer_type"`
	ContextUsed        bool       `json:"context_used"`
	OutOfContext       bool       `json:"out_of_context"`
	EducationalImage   string     `json:"educational_image,omitempty"`
	ReferencePages     []int      `json:"reference_pages"`
	PageImageUsed      bool       `json:"page_image_used"`
	ConversationLength int        `json:"conversation_length"`
	Error              string     `json:"error,omitempty"`
}

type Engine struct {
	store       Store
	retriever   Retriever
	gate        RelevanceGate
	text        TextGenerator
	vision      VisionGenerator
	renderer    PageRenderer
	illustrator Illustrator
	opts        Options
}

func NewEngine(deps Deps, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.Temperature <= 0 {
		opts.Temperature = answerTemperature
	}
	return &Engine{
		store:       deps.Store,
		retriever:   deps.Retriever,
		gate:        deps.Gate,
		text:        deps.Text,
		vision:      deps.Vision,
		renderer:    deps.Renderer,
		illustrator: deps.Illustrator,
		opts:        opts,
	}
}

// turn carries the state of one question through the pipeline.
type turn struct {
	req      AskRequest
	resp     *AskResponse
	session  *models.Session
	history  []*models.Message
	branch   string
	botSaved bool

	retrieval    *retrieval.Result
	retrievalErr error
	decision     *relevance.Decision
	grade        string
}

// Ask answers one question. It never returns an error: failures are reported
// through Success and Error on the response.
func (e *Engine) Ask(ctx context.Context, req AskRequest) *AskResponse {
	start := time.Now()
	t := &turn{
		req: req,
		resp: &AskResponse{
			SessionID:      req.SessionID,
			Question:       req.Question,
			ReferencePages: []int{},
		},
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while answering question",
				zap.Any("panic", r),
				zap.String("session_id", t.resp.SessionID),
				zap.Stack("stack"),
			)
			e.abort(ctx, t, fmt.Errorf("internal error: %v", r))
		}

		status := "success"
		if !t.resp.Success {
			status = "failure"
		}
		metrics.AskTotal.WithLabelValues(status).Inc()
		metrics.AskDuration.WithLabelValues(string(t.resp.AnswerType)).Observe(time.Since(start).Seconds())
	}()

	if err := e.run(ctx, t); err != nil {
		e.abort(ctx, t, err)
	}

	logger.Info("Question answered",
		zap.String("session_id", t.resp.SessionID),
		zap.String("answer_type", string(t.resp.AnswerType)),
		zap.Bool("success", t.resp.Success),
		zap.Duration("latency", time.Since(start)),
	)
	return t.resp
}

func (e *Engine) run(ctx context.Context, t *turn) error {
	session, err := e.resolveSession(ctx, t.req)
	if err != nil {
		return err
	}
	t.session = session
	t.resp.SessionID = session.ID

	history, err := e.store.RecentMessages(ctx, session.ID, t.req.Owner, e.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	t.history = history

	question := &models.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Owner:     t.req.Owner,
		Type:      models.MessageTypeUser,
		Content:   t.req.Question,
	}
	if err := e.store.SaveMessage(ctx, question); err != nil {
		return fmt.Errorf("failed to save question: %w", err)
	}
	t.resp.UserMessageID = question.ID

	e.answer(ctx, t)

	if err := e.persistAnswer(ctx, t); err != nil {
		return err
	}

	if count, err := e.store.CountMessages(ctx, session.ID, t.req.Owner); err != nil {
		logger.Warn("Failed to count messages", zap.String("session_id", session.ID), zap.Error(err))
	} else {
		t.resp.ConversationLength = count
	}
	t.resp.Success = true
	return nil
}

func (e *Engine) resolveSession(ctx context.Context, req AskRequest) (*models.Session, error) {
	if req.SessionID == "" {
		session, err := e.store.CreateSession(ctx, req.Owner, req.DocumentID, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		return session, nil
	}

	session, err := e.store.GetSession(ctx, req.SessionID, req.Owner)
	if err != nil {
		if errors.Is(err, sqlite.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: session %s not found", ErrInvalidSession, req.SessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.DocumentID != req.DocumentID {
		return nil, fmt.Errorf("%w: session %s belongs to another document", ErrInvalidSession, session.ID)
	}
	if e.opts.RejectInactiveSessions && session.Status != models.SessionActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidSession, session.ID, session.Status)
	}
	return session, nil
}

// answer selects and runs a strategy. It fills the response but never fails;
// generation errors are replaced by templated fallbacks.
func (e *Engine) answer(ctx context.Context, t *turn) {
	req, resp := t.req, t.resp

	res, err := e.retriever.Retrieve(ctx, req.Owner, req.DocumentID, req.Question, t.history, e.opts.TopK)
	if err != nil {
		logger.Warn("Retrieval failed, continuing without textbook content",
			zap.String("document_id", req.DocumentID),
			zap.Error(err),
		)
		convContext := conversation.BuildContext(t.history)
		res = &retrieval.Result{
			Context:  convContext,
			FollowUp: conversation.DefaultFollowUp.IsFollowUp(req.Question, convContext),
		}
		t.retrievalErr = err
	}
	t.retrieval = res

	if len(res.Results) == 0 {
		if res.FollowUp && res.Context != "" {
			t.branch = "no_results_followup"
			t.grade = e.documentInfo(ctx, req).Grade
			e.followUp(ctx, t, "", AnswerFollowUpContextOnly)
			e.illustrate(ctx, t, res.Context)
			return
		}
		t.branch = "no_content"
		resp.Answer = noContentAnswer
		resp.AnswerType = AnswerNoContent
		resp.OutOfContext = true
		return
	}

	content := joinResults(res.Results)
	decision := e.gate.Check(ctx, req.Question, content, scores(res.Results), res.Context, res.FollowUp)
	t.decision = &decision
	if !decision.Relevant {
		t.branch = "out_of_context"
		resp.Answer = outOfContextAnswer(decision.Reason)
		resp.AnswerType = AnswerOutOfContext
		resp.OutOfContext = true
		return
	}

	info := e.documentInfo(ctx, req)
	t.grade = info.Grade
	resp.ReferencePages = e.referencePages(ctx, req, res.Results)

	switch {
	case res.FollowUp:
		t.branch = "followup"
		e.followUp(ctx, t, content, AnswerFollowUpWithContent)
	default:
		if image := e.pageImage(ctx, info.FilePath, resp.ReferencePages); image != nil {
			t.branch = "multimodal"
			e.multimodal(ctx, t, content, image)
		} else {
			t.branch = "text"
			e.textOnly(ctx, t, content)
		}
	}
	e.illustrate(ctx, t, content)
}

func (e *Engine) budget(tokens int) int {
	if e.opts.MaxTokens > 0 && e.opts.MaxTokens < tokens {
		return e.opts.MaxTokens
	}
	return tokens
}

func (e *Engine) followUp(ctx context.Context, t *turn, content string, answerType AnswerType) {
	prompt := followUpPrompt(t.req.Question, t.retrieval.Context, content, t.grade)
	t.resp.ContextUsed = true

	answer, err := e.text.Complete(ctx, prompt, e.budget(followUpMaxTokens), e.opts.Temperature)
	if err != nil {
		e.generationFailed("followup", t, err)
		t.resp.Answer = followUpFallback(content, previousAnswer(t.history))
		t.resp.AnswerType = AnswerFollowUpFallback
		return
	}
	t.resp.Answer = answer
	t.resp.AnswerType = answerType
}

func (e *Engine) multimodal(ctx context.Context, t *turn, content string, image []byte) {
	t.resp.ContextUsed = true
	t.resp.PageImageUsed = true

	answer, err := e.vision.CompleteWithImage(ctx, visionPrompt(t.req.Question, content, t.grade), image, e.budget(visionMaxTokens), e.opts.Temperature)
	if err != nil {
		e.generationFailed("vision", t, err)
		t.resp.Answer = visionFallback(content)
		t.resp.AnswerType = AnswerMultimodalFallback
		return
	}
	t.resp.Answer = answer
	t.resp.AnswerType = AnswerMultimodal
}

func (e *Engine) textOnly(ctx context.Context, t *turn, content string) {
	t.resp.ContextUsed = true

	answer, err := e.text.Complete(ctx, textPrompt(t.req.Question, content, t.grade), e.budget(textMaxTokens), e.opts.Temperature)
	if err != nil {
		e.generationFailed("text", t, err)
		t.resp.Answer = textFallback(content)
		t.resp.AnswerType = AnswerTextOnlyFallback
		return
	}
	t.resp.Answer = answer
	t.resp.AnswerType = AnswerTextOnly
}

func (e *Engine) generationFailed(kind string, t *turn, err error) {
	metrics.GenerationFailures.WithLabelValues(kind).Inc()
	logger.Warn("Answer generation failed, using fallback",
		zap.String("kind", kind),
		zap.String("session_id", t.resp.SessionID),
		zap.Error(err),
	)
}

func (e *Engine) illustrate(ctx context.Context, t *turn, content string) {
	if e.illustrator == nil {
		return
	}
	t.resp.EducationalImage = e.illustrator.Illustrate(ctx, t.req.Question, t.resp.Answer, content, t.grade)
}

// pageImage renders the lowest referenced page. Any failure means no image.
func (e *Engine) pageImage(ctx context.Context, filePath string, pages []int) []byte {
	if e.renderer == nil || e.vision == nil || len(pages) == 0 || filePath == "" {
		return nil
	}
	image, err := e.renderer.RenderPage(ctx, filePath, pages[0])
	if err != nil {
		logger.Warn("Failed to render page image",
			zap.String("path", filePath),
			zap.Int("page", pages[0]),
			zap.Error(err),
		)
		return nil
	}
	if len(image) == 0 {
		return nil
	}
	return image
}

func (e *Engine) documentInfo(ctx context.Context, req AskRequest) *models.DocumentInfo {
	info, err := e.store.DocumentInfo(ctx, req.Owner, req.DocumentID)
	if err != nil {
		logger.Warn("Failed to load document info",
			zap.String("document_id", req.DocumentID),
			zap.Error(err),
		)
		return &models.DocumentInfo{Grade: "1"}
	}
	if info.Grade == "" {
		info.Grade = "1"
	}
	return info
}

var pageMarker = regexp.MustCompile(`=== Page (\d+)`)

// referencePages collects the distinct pages of the results in ascending
// order. Results without a page fall back to the stored chunk page and then
// to page markers in the text.
func (e *Engine) referencePages(ctx context.Context, req AskRequest, results []vector.Result) []int {
	seen := make(map[int]bool)
	var chunkPages map[int]int
	loaded := false

	for _, r := range results {
		page := r.PageNumber
		if page <= 0 {
			if !loaded {
				loaded = true
				var err error
				if chunkPages, err = e.store.ChunkPages(ctx, req.DocumentID, req.Owner); err != nil {
					logger.Warn("Failed to load chunk pages", zap.Error(err))
				}
			}
			page = chunkPages[r.ChunkNumber]
		}
		if page <= 0 {
			if m := pageMarker.FindStringSubmatch(r.Text); m != nil {
				page, _ = strconv.Atoi(m[1])
			}
		}
		if page > 0 {
			seen[page] = true
		}
	}

	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

func (e *Engine) persistAnswer(ctx context.Context, t *turn) error {
	bot := &models.Message{
		ID:        uuid.New().String(),
		SessionID: t.session.ID,
		Owner:     t.req.Owner,
		Type:      models.MessageTypeBot,
		Content:   t.resp.Answer,
		Metadata:  t.metadata(),
	}
	if err := e.store.SaveMessage(ctx, bot); err != nil {
		return fmt.Errorf("failed to save answer: %w", err)
	}
	t.botSaved = true
	t.resp.BotMessageID = bot.ID
	return nil
}

// abort turns a failed turn into an error response, persisting an apology
// when the session is known and no answer was stored yet.
func (e *Engine) abort(ctx context.Context, t *turn, err error) {
	resp := t.resp
	resp.Success = false
	resp.Error = err.Error()
	resp.AnswerType = AnswerError
	resp.Answer = apologyAnswer
	if errors.Is(err, ErrInvalidSession) {
		resp.Answer = invalidSessionAnswer
	}

	logger.Error("Failed to answer question",
		zap.String("session_id", resp.SessionID),
		zap.Error(err),
	)

	if t.session == nil || t.botSaved {
		return
	}
	t.branch = "error"
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: t.session.ID,
		Owner:     t.req.Owner,
		Type:      models.MessageTypeBot,
		Content:   resp.Answer,
		Metadata:  t.metadata(),
	}
	if saveErr := e.store.SaveMessage(ctx, msg); saveErr != nil {
		logger.Error("Failed to save apology message",
			zap.String("session_id", t.session.ID),
			zap.Error(saveErr),
		)
		return
	}
	t.botSaved = true
	resp.BotMessageID = msg.ID
}

func (t *turn) metadata() map[string]interface{} {
	resp := t.resp
	md := map[string]interface{}{
		"branch":            t.branch,
		"answer_type":       string(resp.AnswerType),
		"context_used":      resp.ContextUsed,
		"out_of_context":    resp.OutOfContext,
		"page_image_used":   resp.PageImageUsed,
		"illustration_used": resp.EducationalImage != "",
		"reference_pages":   resp.ReferencePages,
	}
	if resp.EducationalImage != "" {
		md["educational_image"] = resp.EducationalImage
	}
	if resp.Error != "" {
		md["error"] = resp.Error
	}
	if res := t.retrieval; res != nil {
		md["followup"] = res.FollowUp
		md["augmented"] = res.Augmented
		md["augmentation_adopted"] = res.Adopted
		md["max_score"] = res.MaxScore
		md["scores"] = scores(res.Results)
	}
	if t.retrievalErr != nil {
		md["retrieval_error"] = t.retrievalErr.Error()
	}
	if d := t.decision; d != nil {
		md["relevance_path"] = string(d.Path)
		md["relevance_reason"] = d.Reason
	}
	return md
}

func joinResults(results []vector.Result) string {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	return strings.Join(texts, "\n\n")
}

func scores(results []vector.Result) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = r.Score
	}
	return out
}

func previousAnswer(history []*models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == models.MessageTypeBot {
			return history[i].Content
		}
	}
	return ""
}
