package quota

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record tracks one user's question quota. SessionQuestions counts questions
// in the current window; TotalQuestions is the lifetime counter and is never
// reset.
type Record struct {
	UserID           uint64    `gorm:"primaryKey"`
	WindowStart      time.Time `gorm:"not null"`
	SessionQuestions int64     `gorm:"not null;default:0"`
	TotalQuestions   int64     `gorm:"not null;default:0"`
	UpdatedAt        time.Time
}

func (Record) TableName() string { return "ai_help_limits" }

// Ledger enforces the per-user sliding-window question limit. Every
// admission decision is a single predicate-guarded statement so that two
// racing requests for the last slot cannot both win; atomicity is the
// database's, not ours.
type Ledger struct {
	db     *gorm.DB
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewLedger(db *gorm.DB, limit int, window time.Duration) *Ledger {
	return &Ledger{
		db:     db,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Limit returns the configured per-window question limit.
func (l *Ledger) Limit() int64 { return l.limit }

// Window returns the reset duration.
func (l *Ledger) Window() time.Duration { return l.window }

// Count returns the user's question count in the active window. An expired
// window or a missing record reads as 0.
func (l *Ledger) Count(ctx context.Context, userID uint64) (int64, error) {
	var rec Record
	err := l.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if rec.WindowStart.Before(l.now().Add(-l.window)) {
		return 0, nil
	}
	return rec.SessionQuestions, nil
}

// IncrementTotal bumps the lifetime counter unconditionally. Used for
// unlimited (subscriber) users, who never consume windowed slots.
func (l *Ledger) IncrementTotal(ctx context.Context, userID uint64) error {
	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ?", userID).
		Update("total_questions", gorm.Expr("total_questions + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	create := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Record{UserID: userID, WindowStart: l.now(), TotalQuestions: 1})
	if create.Error != nil {
		return create.Error
	}
	if create.RowsAffected > 0 {
		return nil
	}

	// lost the insert race; the row exists now
	return l.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ?", userID).
		Update("total_questions", gorm.Expr("total_questions + 1")).Error
}

// IncrementLimited admits one question for a rate-limited user. It returns
// the resulting in-window count, or nil when the limit is reached and the
// window is still active; the caller must reject before doing any
// downstream work.
func (l *Ledger) IncrementLimited(ctx context.Context, userID uint64) (*int64, error) {
	one := int64(1)

	for attempt := 0; attempt < 2; attempt++ {
		cutoff := l.now().Add(-l.window)

		// Attempt 1: bump an active, not-yet-full window.
		res := l.db.WithContext(ctx).Model(&Record{}).
			Where("user_id = ? AND session_questions < ? AND window_start > ?", userID, l.limit, cutoff).
			Updates(map[string]any{
				"session_questions": gorm.Expr("session_questions + 1"),
				"total_questions":   gorm.Expr("total_questions + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			count, err := l.Count(ctx, userID)
			if err != nil {
				return nil, err
			}
			return &count, nil
		}

		// Attempt 2: the window has truly expired; start a fresh one.
		res = l.db.WithContext(ctx).Model(&Record{}).
			Where("user_id = ? AND window_start <= ?", userID, cutoff).
			Updates(map[string]any{
				"session_questions": 1,
				"window_start":      l.now(),
				"total_questions":   gorm.Expr("total_questions + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			return &one, nil
		}

		// No row matched either predicate: first question ever, or the
		// window is active and full. Try to create; a conflict means
		// another request raced us, so take one more pass.
		create := l.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Record{
				UserID:           userID,
				WindowStart:      l.now(),
				SessionQuestions: 1,
				TotalQuestions:   1,
			})
		if create.Error != nil {
			return nil, create.Error
		}
		if create.RowsAffected > 0 {
			return &one, nil
		}
	}

	// Row exists, window active, session count at the limit.
	return nil, nil
}

// Decrement is the compensating rollback for an admitted question that later
// failed for a system-attributable reason. Best effort; never below zero.
func (l *Ledger) Decrement(ctx context.Context, userID uint64) error {
	return l.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ? AND session_questions > 0", userID).
		Update("session_questions", gorm.Expr("session_questions - 1")).Error
}
