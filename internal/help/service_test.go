package help

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docsassist/ai-help/internal/ai"
	"github.com/docsassist/ai-help/internal/history"
	"github.com/docsassist/ai-help/internal/quota"
	"github.com/docsassist/ai-help/internal/retrieval"
)

// fakeCompleter replays a scripted stream and records what it was sent.
type fakeCompleter struct {
	chunks    []ai.Chunk
	streamErr error
	calls     atomic.Int64
	lastMsgs  []ai.Message
}

func (f *fakeCompleter) Model() string { return "test-model" }

func (f *fakeCompleter) StreamChat(ctx context.Context, messages []ai.Message, maxTokens int) (<-chan ai.Chunk, <-chan error) {
	f.calls.Add(1)
	f.lastMsgs = append([]ai.Message(nil), messages...)
	return feedStream(f.chunks, f.streamErr)
}

// fakeRetriever returns scripted fragments or a scripted failure.
type fakeRetriever struct {
	frags []retrieval.Fragment
	err   error
	calls atomic.Int64
}

func (f *fakeRetriever) Related(ctx context.Context, query string, mode retrieval.Mode) ([]retrieval.Fragment, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.frags, nil
}

type pipelineFixture struct {
	*streamFixture
	completer *fakeCompleter
	retriever *fakeRetriever
	moderator *fakeModerator
	svc       *Service
}

func newPipelineFixture(t *testing.T, budget Budget) *pipelineFixture {
	t.Helper()
	sf := newStreamFixture(t)

	completer := &fakeCompleter{chunks: []ai.Chunk{
		{Delta: "an answer"},
		{FinishReason: "stop"},
	}}
	retriever := &fakeRetriever{frags: []retrieval.Fragment{
		{URL: "/docs/a", Title: "A", Content: "alpha beta gamma", Similarity: 0.1},
		{URL: "/docs/a", Title: "A2", Content: "alpha beta", Similarity: 0.2},
		{URL: "/docs/b", Title: "B", Content: "delta epsilon", Similarity: 0.3},
	}}
	moderator := &fakeModerator{}

	svc := NewService(
		completer,
		NewGate(moderator, time.Second),
		retriever,
		NewComposer(fakeCounter{}, budget),
		sf.ledger,
		sf.hist,
		sf.rec,
		retrieval.ModeSection,
		budget,
	)

	return &pipelineFixture{
		streamFixture: sf,
		completer:     completer,
		retriever:     retriever,
		moderator:     moderator,
		svc:           svc,
	}
}

func bigBudget() Budget {
	return Budget{TokenLimit: 100000, ContextLimit: 1000, MaxCompletionTokens: 100}
}

func userMsg(content string) []ai.Message {
	return []ai.Message{{Role: RoleUser, Content: content}}
}

func drain(t *testing.T, res *AskResult) string {
	t.Helper()
	var out string
	for ev := range res.Events {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		out += ev.Chunk.Delta
	}
	<-res.Done
	return out
}

func TestAsk_SuccessStreamsAndRecords(t *testing.T) {
	f := newPipelineFixture(t, bigBudget())
	ctx := context.Background()

	res, err := f.svc.Ask(ctx, "req-1", User{ID: 1, HistoryEnabled: true}, AskRequest{
		Messages: userMsg("how do closures work?"),
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if res.Remaining == nil || *res.Remaining != 4 {
		t.Fatalf("remaining=%v, want 4", res.Remaining)
	}
	// sources deduplicated by url: /docs/a appears twice in fragments
	if len(res.Sources) != 2 {
		t.Fatalf("sources=%v", res.Sources)
	}

	if got := drain(t, res); got != "an answer" {
		t.Fatalf("streamed %q", got)
	}

	if len(f.completer.lastMsgs) == 0 || f.completer.lastMsgs[0].Role != RoleSystem {
		t.Fatalf("composed prompt does not open with the system role: %+v", f.completer.lastMsgs)
	}

	recs, err := f.hist.List(ctx, 1, res.ChatID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(recs))
	}
	if recs[0].Request == nil || recs[0].Sources == nil || recs[0].Response == nil {
		t.Fatalf("facets incomplete: %+v", recs[0])
	}

	metas := f.sink.all()
	if len(metas) != 1 || metas[0].Status != StatusSuccess {
		t.Fatalf("metadata %+v", metas)
	}
	if metas[0].RequestID != "req-1" || metas[0].Model != "test-model" {
		t.Fatalf("metadata identity %+v", metas[0])
	}
}

func TestAsk_QuotaExceededShortCircuits(t *testing.T) {
	f := newPipelineFixture(t, bigBudget())
	ctx := context.Background()
	user := User{ID: 1, HistoryEnabled: false}

	for i := 0; i < 5; i++ {
		res, err := f.svc.Ask(ctx, "req", user, AskRequest{Messages: userMsg("q")})
		if err != nil {
			t.Fatalf("ask %d: %v", i, err)
		}
		drain(t, res)
	}

	modCalls := f.moderator.calls.Load()
	retrCalls := f.retriever.calls.Load()
	complCalls := f.completer.calls.Load()

	_, err := f.svc.Ask(ctx, "req", user, AskRequest{Messages: userMsg("one more")})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// rejection happens before moderation, retrieval, and completion
	if f.moderator.calls.Load() != modCalls {
		t.Fatalf("moderation invoked on rejected request")
	}
	if f.retriever.calls.Load() != retrCalls {
		t.Fatalf("retrieval invoked on rejected request")
	}
	if f.completer.calls.Load() != complCalls {
		t.Fatalf("completion invoked on rejected request")
	}
}

func TestAsk_FlaggedConsumesQuota(t *testing.T) {
	f := newPipelineFixture(t, bigBudget())
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, "req", User{ID: 1}, AskRequest{Messages: userMsg("bad question")})
	if !errors.Is(err, ErrFlagged) {
		t.Fatalf("expected ErrFlagged, got %v", err)
	}

	count, err := f.ledger.Count(ctx, 1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("flagged request must keep its quota slot consumed, count=%d", count)
	}
	if f.retriever.calls.Load() != 0 {
		t.Fatalf("retrieval invoked for flagged request")
	}
}

func TestAsk_RetrievalFailureRollsBack(t *testing.T) {
	f := newPipelineFixture(t, bigBudget())
	f.retriever.err = errors.New("search down")
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, "req", User{ID: 1}, AskRequest{Messages: userMsg("q")})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}

	count, err := f.ledger.Count(ctx, 1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, count=%d", count)
	}
}

func TestAsk_NoUserPromptRollsBack(t *testing.T) {
	f := newPipelineFixture(t, bigBudget())
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, "req", User{ID: 1}, AskRequest{
		Messages: []ai.Message{{Role: "system", Content: "x"}},
	})
	if !errors.Is(err, ErrNoUserPrompt) {
		t.Fatalf("expected ErrNoUserPrompt, got %v", err)
	}

	count, _ := f.ledger.Count(ctx, 1)
	if count != 0 {
		t.Fatalf("expected rollback, count=%d", count)
	}
}

func TestAsk_TokenLimitRollsBack(t *testing.T) {
	// system prompt alone cannot fit this window
	f := newPipelineFixture(t, Budget{TokenLimit: 10, ContextLimit: 5, MaxCompletionTokens: 5})
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, "req", User{ID: 1}, AskRequest{Messages: userMsg("q")})
	if !errors.Is(err, ErrTokenLimit) {
		t.Fatalf("expected ErrTokenLimit, got %v", err)
	}

	count, _ := f.ledger.Count(ctx, 1)
	if count != 0 {
		t.Fatalf("expected rollback, count=%d", count)
	}
}

func TestAsk_SubscriberBypassesWindowLimit(t *testing.T) {
	f := newPipelineFixture(t, bigBudget())
	ctx := context.Background()
	user := User{ID: 2, Unlimited: true}

	for i := 0; i < 7; i++ {
		res, err := f.svc.Ask(ctx, "req", user, AskRequest{Messages: userMsg("q")})
		if err != nil {
			t.Fatalf("ask %d: %v", i, err)
		}
		if res.Remaining != nil {
			t.Fatalf("unlimited user got remaining=%d", *res.Remaining)
		}
		drain(t, res)
	}

	var rec quota.Record
	if err := f.db.First(&rec, "user_id = ?", uint64(2)).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec.SessionQuestions != 0 {
		t.Fatalf("subscriber consumed window slots: %d", rec.SessionQuestions)
	}
	if rec.TotalQuestions != 7 {
		t.Fatalf("lifetime counter %d", rec.TotalQuestions)
	}
}

func TestAsk_HistoryDisabledSkipsTranscript(t *testing.T) {
	f := newPipelineFixture(t, bigBudget())
	ctx := context.Background()

	res, err := f.svc.Ask(ctx, "req", User{ID: 1, HistoryEnabled: false}, AskRequest{
		Messages: userMsg("q"),
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	drain(t, res)

	var n int64
	if err := f.db.Model(&history.MessageRecord{}).Count(&n).Error; err != nil {
		t.Fatalf("count transcripts: %v", err)
	}
	if n != 0 {
		t.Fatalf("transcript written despite disabled history")
	}
	if len(f.sink.all()) != 1 {
		t.Fatalf("metadata must be written regardless of history setting")
	}
}

func TestAsk_ExistingChatThreadsFollowups(t *testing.T) {
	f := newPipelineFixture(t, bigBudget())
	ctx := context.Background()
	user := User{ID: 1, HistoryEnabled: true}

	first, err := f.svc.Ask(ctx, "req", user, AskRequest{Messages: userMsg("q1")})
	if err != nil {
		t.Fatalf("first ask: %v", err)
	}
	drain(t, first)

	second, err := f.svc.Ask(ctx, "req", user, AskRequest{
		Messages: []ai.Message{
			{Role: RoleUser, Content: "q1"},
			{Role: RoleAssistant, Content: "a1"},
			{Role: RoleUser, Content: "q2"},
		},
		ChatID:   &first.ChatID,
		ParentID: &first.MessageID,
	})
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}
	drain(t, second)

	recs, err := f.hist.List(ctx, 1, first.ChatID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records in chat, got %d", len(recs))
	}
	if recs[1].ParentID == nil || *recs[1].ParentID != first.MessageID {
		t.Fatalf("followup parent not threaded: %v", recs[1].ParentID)
	}
}
