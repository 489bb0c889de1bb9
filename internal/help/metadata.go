package help

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Status classifies how a completion stream ended.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusTooLong       Status = "finished_too_long"
	StatusContentFilter Status = "finished_content_filter"
	StatusNoReason      Status = "finished_no_reason"
	StatusUnknown       Status = "unknown"
	StatusError         Status = "error"
)

func classify(finishReason string, streamErr error) Status {
	if streamErr != nil {
		return StatusError
	}
	switch finishReason {
	case "stop":
		return StatusSuccess
	case "length":
		return StatusTooLong
	case "content_filter":
		return StatusContentFilter
	case "":
		return StatusNoReason
	default:
		return StatusUnknown
	}
}

// Metadata is the write-once-per-message observability record. It is
// persisted for every stream, whether or not the client stayed connected
// and whether or not the user keeps a transcript.
type Metadata struct {
	ID          string    `gorm:"type:char(26);primaryKey" json:"id"`
	RequestID   string    `gorm:"type:char(26);index" json:"request_id"`
	UserID      uint64    `gorm:"index;not null" json:"user_id"`
	ChatID      string    `gorm:"type:char(36);index" json:"chat_id"`
	MessageID   string    `gorm:"type:char(36);index" json:"message_id"`
	Model       string    `gorm:"type:varchar(64)" json:"model"`
	Status      Status    `gorm:"type:varchar(32);index;not null" json:"status"`
	SourceCount int       `gorm:"not null" json:"source_count"`
	QuestionLen int       `gorm:"not null" json:"question_len"`
	ResponseLen int       `gorm:"not null" json:"response_len"`
	LatencyMS   int64     `gorm:"not null" json:"latency_ms"`
	Error       *string   `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Metadata) TableName() string { return "ai_help_metadata" }

// MetadataSink receives the terminal record for a stream. Implementations:
// direct DB write, and the rabbit publisher feeding the worker.
type MetadataSink interface {
	Record(ctx context.Context, m *Metadata) error
}

// DBSink writes metadata rows straight to the database.
type DBSink struct {
	db *gorm.DB
}

func NewDBSink(db *gorm.DB) *DBSink { return &DBSink{db: db} }

func (s *DBSink) Record(ctx context.Context, m *Metadata) error {
	return s.db.WithContext(ctx).Create(m).Error
}
