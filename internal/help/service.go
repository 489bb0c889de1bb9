package help

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/docsassist/ai-help/internal/ai"
	"github.com/docsassist/ai-help/internal/history"
	"github.com/docsassist/ai-help/internal/quota"
	"github.com/docsassist/ai-help/internal/retrieval"
)

// User is the caller's identity as the pipeline sees it.
type User struct {
	ID uint64
	// Unlimited users (subscribers) bypass the windowed limit; only their
	// lifetime counter moves.
	Unlimited bool
	// HistoryEnabled gates the transcript writes. Metadata is always
	// written regardless.
	HistoryEnabled bool
}

// AskRequest is a raw multi-turn chat request.
type AskRequest struct {
	Messages []ai.Message `json:"messages"`
	ChatID   *string      `json:"chat_id,omitempty"`
	ParentID *string      `json:"parent_id,omitempty"`
}

// AskResult carries the one-time metadata for the first response frame plus
// the live event stream.
type AskResult struct {
	ChatID    string
	MessageID string
	ParentID  *string
	Sources   []retrieval.RefDoc
	// Remaining is the number of questions left in the window; nil for
	// unlimited users.
	Remaining *int64
	Events    <-chan Event
	// Done closes when the background persistence path has finished.
	Done <-chan struct{}
}

// Service is the AI assistance request pipeline: quota gate, sanitizer,
// moderation, retrieval, budget fitting, streaming with recorded outcome.
type Service struct {
	completer ai.Completer
	gate      *Gate
	retriever retrieval.Retriever
	composer  *Composer
	ledger    *quota.Ledger
	history   *history.Store
	recorder  *Recorder
	mode      retrieval.Mode
	budget    Budget
}

func NewService(
	completer ai.Completer,
	gate *Gate,
	retriever retrieval.Retriever,
	composer *Composer,
	ledger *quota.Ledger,
	hist *history.Store,
	recorder *Recorder,
	mode retrieval.Mode,
	budget Budget,
) *Service {
	if mode == "" {
		mode = retrieval.ModeSection
	}
	return &Service{
		completer: completer,
		gate:      gate,
		retriever: retriever,
		composer:  composer,
		ledger:    ledger,
		history:   hist,
		recorder:  recorder,
		mode:      mode,
		budget:    budget,
	}
}

// Ledger exposes the quota ledger for read-only handler use.
func (s *Service) Ledger() *quota.Ledger { return s.ledger }

// History exposes the conversation log for handler use.
func (s *Service) History() *history.Store { return s.history }

// rollback gives an admitted question's slot back after a
// system-attributable failure. Best effort; unlimited users never consumed
// a windowed slot in the first place.
func (s *Service) rollback(ctx context.Context, user User) {
	if user.Unlimited {
		return
	}
	if err := s.ledger.Decrement(ctx, user.ID); err != nil {
		log.Printf("[Help] quota rollback failed user=%d err=%v", user.ID, err)
	}
}

// Ask runs the full pipeline. It returns either a pre-content rejection
// (taxonomy error) or an AskResult whose Events channel streams the
// completion and may end with an error event.
func (s *Service) Ask(ctx context.Context, requestID string, user User, req AskRequest) (*AskResult, error) {
	start := time.Now()

	// Quota gate first: the cheapest possible rejection path.
	var remaining *int64
	if user.Unlimited {
		if err := s.ledger.IncrementTotal(ctx, user.ID); err != nil {
			return nil, &UpstreamError{Op: "quota", Err: err}
		}
	} else {
		count, err := s.ledger.IncrementLimited(ctx, user.ID)
		if err != nil {
			return nil, &UpstreamError{Op: "quota", Err: err}
		}
		if count == nil {
			return nil, ErrQuotaExceeded
		}
		left := s.ledger.Limit() - *count
		if left < 0 {
			left = 0
		}
		remaining = &left
	}

	messages, err := Sanitize(req.Messages)
	if err != nil {
		if shouldRollback(err) {
			s.rollback(ctx, user)
		}
		return nil, err
	}
	question := messages[len(messages)-1]

	if err := s.gate.Check(ctx, messages); err != nil {
		// a flagged request permanently consumes its quota slot
		if shouldRollback(err) {
			s.rollback(ctx, user)
		}
		return nil, err
	}

	frags, err := s.retriever.Related(ctx, question.Content, s.mode)
	if err != nil {
		s.rollback(ctx, user)
		return nil, &UpstreamError{Op: "retrieval", Err: err}
	}

	prompt, err := s.composer.Compose(frags, messages)
	if err != nil {
		if shouldRollback(err) {
			s.rollback(ctx, user)
		}
		return nil, err
	}

	chatID := uuid.NewString()
	if req.ChatID != nil && *req.ChatID != "" {
		chatID = *req.ChatID
	}
	messageID := uuid.NewString()

	if user.HistoryEnabled {
		if err := s.history.RecordQuestion(ctx, user.ID, chatID, messageID, req.ParentID, question); err != nil {
			log.Printf("[Help] question write failed user=%d message=%s err=%v", user.ID, messageID, err)
		}
		if err := s.history.RecordSources(ctx, user.ID, chatID, messageID, prompt.Sources); err != nil {
			log.Printf("[Help] sources write failed user=%d message=%s err=%v", user.ID, messageID, err)
		}
	}

	chunks, errs := s.completer.StreamChat(ctx, prompt.Messages, s.budget.MaxCompletionTokens)

	events, done := s.recorder.Tee(ctx, StreamMeta{
		RequestID:      requestID,
		UserID:         user.ID,
		ChatID:         chatID,
		MessageID:      messageID,
		Model:          s.completer.Model(),
		Sources:        prompt.Sources,
		QuestionLen:    len(question.Content),
		HistoryEnabled: user.HistoryEnabled,
		Limited:        !user.Unlimited,
		Start:          start,
	}, chunks, errs)

	return &AskResult{
		ChatID:    chatID,
		MessageID: messageID,
		ParentID:  req.ParentID,
		Sources:   prompt.Sources,
		Remaining: remaining,
		Events:    events,
		Done:      done,
	}, nil
}
