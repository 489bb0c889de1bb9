package help

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/docsassist/ai-help/internal/ai"
	"github.com/docsassist/ai-help/internal/common"
	"github.com/docsassist/ai-help/internal/history"
	"github.com/docsassist/ai-help/internal/quota"
	"github.com/docsassist/ai-help/internal/retrieval"
)

// recordBuffer sizes the persistence channel to the largest plausible
// response in chunks, so client delivery is never throttled by persistence.
const recordBuffer = 8192

// Event is one frame delivered to the client transport: a completion delta
// or a terminal error.
type Event struct {
	Chunk *ai.Chunk
	Err   error
}

// StreamMeta carries everything the recorder needs to persist the outcome
// of one stream.
type StreamMeta struct {
	RequestID      string
	UserID         uint64
	ChatID         string
	MessageID      string
	Model          string
	Sources        []retrieval.RefDoc
	QuestionLen    int
	HistoryEnabled bool
	Limited        bool
	Start          time.Time
}

// Recorder tees a completion stream to the client and to persistence. The
// client-forwarding path and the accumulate/persist path are decoupled: a
// slow or disconnected client never blocks persistence, and a persistence
// failure never blocks delivery.
type Recorder struct {
	sink    MetadataSink
	history *history.Store
	ledger  *quota.Ledger
}

func NewRecorder(sink MetadataSink, hist *history.Store, ledger *quota.Ledger) *Recorder {
	return &Recorder{sink: sink, history: hist, ledger: ledger}
}

// Tee consumes the upstream stream and returns the client event channel plus
// a done channel that closes once persistence has finished. Both consumers
// observe chunks in upstream emission order. Client disconnect (ctx done)
// ends forwarding only; accumulation runs to the end of the upstream stream.
func (r *Recorder) Tee(ctx context.Context, meta StreamMeta, chunks <-chan ai.Chunk, errs <-chan error) (<-chan Event, <-chan struct{}) {
	client := make(chan Event, 16)
	record := make(chan ai.Chunk, recordBuffer)
	terminal := make(chan error, 1)
	done := make(chan struct{})

	// producer: upstream -> record + client
	go func() {
		defer close(client)

		clientGone := false
		for c := range chunks {
			record <- c
			if clientGone {
				continue
			}
			ev := Event{Chunk: &ai.Chunk{Delta: c.Delta, FinishReason: c.FinishReason}}
			select {
			case client <- ev:
			case <-ctx.Done():
				clientGone = true
			}
		}

		var streamErr error
		select {
		case err := <-errs:
			streamErr = err
		default:
		}

		terminal <- streamErr
		close(record)

		if streamErr != nil && !clientGone {
			select {
			case client <- Event{Err: streamErr}:
			case <-ctx.Done():
			}
		}
	}()

	// consumer: accumulate, classify, persist
	go func() {
		defer close(done)

		var b strings.Builder
		finishReason := ""
		for c := range record {
			b.WriteString(c.Delta)
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
		}
		streamErr := <-terminal

		r.finish(meta, b.String(), finishReason, streamErr)
	}()

	return client, done
}

// finish runs after the upstream stream ends, regardless of the client.
// Persistence uses a fresh context so a disconnect cannot cancel it.
func (r *Recorder) finish(meta StreamMeta, content, finishReason string, streamErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status := classify(finishReason, streamErr)
	if status == StatusNoReason {
		log.Printf("[Recorder] stream ended without finish reason user=%d message=%s", meta.UserID, meta.MessageID)
	}

	if streamErr != nil && meta.Limited {
		if err := r.ledger.Decrement(ctx, meta.UserID); err != nil {
			log.Printf("[Recorder] quota rollback failed user=%d err=%v", meta.UserID, err)
		}
	}

	if streamErr == nil && meta.HistoryEnabled {
		response := ai.Message{Role: RoleAssistant, Content: content}
		if err := r.history.RecordResponse(ctx, meta.UserID, meta.ChatID, meta.MessageID, response); err != nil {
			log.Printf("[Recorder] response write failed user=%d message=%s err=%v", meta.UserID, meta.MessageID, err)
		}
	}

	id, err := common.NewULID()
	if err != nil {
		log.Printf("[Recorder] metadata id failed: %v", err)
		return
	}
	m := &Metadata{
		ID:          id,
		RequestID:   meta.RequestID,
		UserID:      meta.UserID,
		ChatID:      meta.ChatID,
		MessageID:   meta.MessageID,
		Model:       meta.Model,
		Status:      status,
		SourceCount: len(meta.Sources),
		QuestionLen: meta.QuestionLen,
		ResponseLen: len(content),
		LatencyMS:   time.Since(meta.Start).Milliseconds(),
	}
	if streamErr != nil {
		msg := streamErr.Error()
		m.Error = &msg
	}
	if err := r.sink.Record(ctx, m); err != nil {
		log.Printf("[Recorder] metadata write failed user=%d message=%s err=%v", meta.UserID, meta.MessageID, err)
	}
}
