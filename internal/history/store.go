package history

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/docsassist/ai-help/internal/ai"
	"github.com/docsassist/ai-help/internal/retrieval"
)

// Store is the append-only conversation log. Facet writes delegate
// atomicity to the row upsert, not to client-side locks.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// EnsureSession creates the chat session row if absent, else touches its
// updated_at.
func (s *Store) EnsureSession(ctx context.Context, userID uint64, chatID string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}},
			DoUpdates: clause.Assignments(map[string]any{"updated_at": time.Now()}),
		}).
		Create(&Session{ChatID: chatID, UserID: userID}).Error
}

// RecordQuestion inserts the half-populated record for an accepted question
// (request facet set, sources/response still NULL) and upserts the session.
// A parent id that does not resolve to an existing sibling in the same chat
// is dropped, never stored.
func (s *Store) RecordQuestion(ctx context.Context, userID uint64, chatID, messageID string, parentID *string, question ai.Message) error {
	if err := s.EnsureSession(ctx, userID, chatID); err != nil {
		return err
	}

	if parentID != nil {
		var n int64
		err := s.db.WithContext(ctx).Model(&MessageRecord{}).
			Where("user_id = ? AND chat_id = ? AND message_id = ?", userID, chatID, *parentID).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n == 0 {
			parentID = nil
		}
	}

	raw, err := json.Marshal(question)
	if err != nil {
		return err
	}
	req := string(raw)

	return s.upsertFacets(ctx, userID, chatID, messageID, parentID, facets{request: &req})
}

// RecordSources attaches the deduplicated source list to the record.
func (s *Store) RecordSources(ctx context.Context, userID uint64, chatID, messageID string, sources []retrieval.RefDoc) error {
	raw, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	v := string(raw)
	return s.upsertFacets(ctx, userID, chatID, messageID, nil, facets{sources: &v})
}

// RecordResponse attaches the assistant message once the stream finished.
func (s *Store) RecordResponse(ctx context.Context, userID uint64, chatID, messageID string, response ai.Message) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	v := string(raw)
	return s.upsertFacets(ctx, userID, chatID, messageID, nil, facets{response: &v})
}

type facets struct {
	request  *string
	sources  *string
	response *string
}

// upsertFacets merges one or more facets into the (user_id, message_id) row.
// COALESCE keeps whichever side is already populated, so facets may arrive
// in any order and a NULL never clobbers data. Two attempts inside a
// transaction: update first, insert when no row matched, then re-update to
// cover the insert losing a race.
func (s *Store) upsertFacets(ctx context.Context, userID uint64, chatID, messageID string, parentID *string, f facets) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assign := map[string]any{}
		if f.request != nil {
			assign["request"] = gorm.Expr("COALESCE(request, ?)", *f.request)
		}
		if f.sources != nil {
			assign["sources"] = gorm.Expr("COALESCE(sources, ?)", *f.sources)
		}
		if f.response != nil {
			assign["response"] = gorm.Expr("COALESCE(response, ?)", *f.response)
		}

		update := func() (int64, error) {
			res := tx.Model(&MessageRecord{}).
				Where("user_id = ? AND message_id = ?", userID, messageID).
				Updates(assign)
			return res.RowsAffected, res.Error
		}

		n, err := update()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		rec := &MessageRecord{
			UserID:    userID,
			ChatID:    chatID,
			MessageID: messageID,
			ParentID:  parentID,
			Sources:   f.sources,
			Request:   f.request,
			Response:  f.response,
		}
		create := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if create.Error != nil {
			return create.Error
		}
		if create.RowsAffected > 0 {
			return nil
		}

		// another facet write inserted the row between our two statements
		_, err = update()
		return err
	})
}

// List returns the user's records for a chat, oldest-first.
func (s *Store) List(ctx context.Context, userID uint64, chatID string) ([]MessageRecord, error) {
	var recs []MessageRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Clear removes a chat's records and its session row.
func (s *Store) Clear(ctx context.Context, userID uint64, chatID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND chat_id = ?", userID, chatID).
			Delete(&MessageRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND chat_id = ?", userID, chatID).
			Delete(&Session{}).Error
	})
}
