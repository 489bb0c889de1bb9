package history

import "time"

// Session is one multi-turn chat, identified by an opaque chat id.
type Session struct {
	ChatID    string    `gorm:"type:char(36);primaryKey" json:"chat_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "ai_help_sessions" }

// MessageRecord is one question/answer exchange. The three facets (Request,
// Sources, Response) arrive as separate writes keyed by (user_id,
// message_id) and are coalesced without ever overwriting a populated facet
// with NULL.
type MessageRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    uint64    `gorm:"not null;index:uniq_help_msg,unique,priority:1" json:"-"`
	ChatID    string    `gorm:"type:char(36);not null;index" json:"chat_id"`
	MessageID string    `gorm:"type:char(36);not null;index:uniq_help_msg,unique,priority:2" json:"message_id"`
	ParentID  *string   `gorm:"type:char(36)" json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// JSON-serialized facets: []RefDoc, ai.Message, ai.Message.
	Sources  *string `gorm:"type:text" json:"sources,omitempty"`
	Request  *string `gorm:"type:text" json:"request,omitempty"`
	Response *string `gorm:"type:text" json:"response,omitempty"`
}

func (MessageRecord) TableName() string { return "ai_help_messages" }
