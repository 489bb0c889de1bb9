package models

import "time"

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"type:varchar(255);not null" json:"-"`

	// IsSubscriber marks unlimited users: no windowed question limit.
	IsSubscriber bool `gorm:"not null;default:false" json:"is_subscriber"`
	// NoHistory opts the user out of transcript storage. Observability
	// metadata is still written.
	NoHistory bool `gorm:"not null;default:false" json:"no_history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }
