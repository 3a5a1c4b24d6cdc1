package models

import "time"

type MessageType string

const (
	MessageTypeUser MessageType = "user"
	MessageTypeBot  MessageType = "bot"
)

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionEnded    SessionStatus = "ended"
)

type Session struct {
	ID             string        `json:"session_id"`
	Owner          string        `json:"-"`
	DocumentID     string        `json:"document_id"`
	Name           string        `json:"session_name"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActive     time.Time     `json:"last_active"`
	MessageCount   int           `json:"message_count"`
	Status         SessionStatus `json:"status"`
	PreviewMessage string        `json:"preview_message,omitempty"`
}

type Message struct {
	ID        string                 `json:"message_id"`
	SessionID string                 `json:"session_id"`
	Owner     string                 `json:"-"`
	Type      MessageType            `json:"message_type"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type ProcessingStatus string

const (
	ProcessingPending       ProcessingStatus = "processing"
	ProcessingCompleted     ProcessingStatus = "completed"
	ProcessingVectorsFailed ProcessingStatus = "vectors_failed"
)

// Document is the metadata of an uploaded textbook. The file itself lives in
// external storage; FilePath points at it for page rendering.
type Document struct {
	ID               string           `json:"document_id"`
	Owner            string           `json:"-"`
	Name             string           `json:"name"`
	Subject          string           `json:"subject"`
	Grade            string           `json:"grade"`
	Description      string           `json:"description"`
	FilePath         string           `json:"-"`
	OriginalFilename string           `json:"original_filename"`
	ChunkCount       int              `json:"chunk_count"`
	TotalWords       int              `json:"total_words"`
	Status           ProcessingStatus `json:"processing_status"`
	CreatedAt        time.Time        `json:"created_at"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
}

type DocumentChunk struct {
	ID          string    `json:"chunk_id"`
	DocumentID  string    `json:"document_id"`
	Owner       string    `json:"-"`
	ChunkNumber int       `json:"chunk_number"`
	Content     string    `json:"content"`
	PageNumber  int       `json:"page_number"`
	WordCount   int       `json:"word_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// DocumentInfo is the slice of document metadata used for age-appropriate prompting.
type DocumentInfo struct {
	Name     string
	Subject  string
	Grade    string
	FilePath string
}

// DeletionSummary reports what a document or session delete removed.
type DeletionSummary struct {
	Chunks   int64 `json:"chunks"`
	Sessions int64 `json:"sessions"`
	Messages int64 `json:"messages"`
}
