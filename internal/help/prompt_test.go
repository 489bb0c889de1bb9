package help

import (
	"errors"
	"strings"
	"testing"

	"github.com/docsassist/ai-help/internal/ai"
	"github.com/docsassist/ai-help/internal/retrieval"
)

// fakeCounter counts whitespace-separated words as tokens: deterministic and
// easy to reason about in budget arithmetic.
type fakeCounter struct{}

func (fakeCounter) Count(text string) int { return len(strings.Fields(text)) }

func (fc fakeCounter) CountMessages(messages []ai.Message) int {
	total := 0
	for _, m := range messages {
		total += fc.Count(m.Content)
	}
	return total
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func TestSelectFragments_SkipsOversizedAndContinues(t *testing.T) {
	// fragmentText adds 3 words of framing (##, title, url) per fragment
	frags := []retrieval.Fragment{
		{URL: "/a", Title: "A", Content: words(2000), Similarity: 0.1},
		{URL: "/b", Title: "B", Content: words(50), Similarity: 0.2},
		{URL: "/c", Title: "C", Content: words(1800), Similarity: 0.3},
	}
	c := NewComposer(fakeCounter{}, Budget{TokenLimit: 100000, ContextLimit: 1900, MaxCompletionTokens: 10})

	kept, refs := c.selectFragments(frags)
	if len(kept) != 2 {
		t.Fatalf("expected 2 kept fragments, got %d", len(kept))
	}
	// the oversized nearest fragment is skipped, not a stopping point
	if kept[0].URL != "/b" || kept[1].URL != "/c" {
		t.Fatalf("kept %s, %s", kept[0].URL, kept[1].URL)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(refs))
	}
}

func TestSelectFragments_RefsDedupedByURL(t *testing.T) {
	frags := []retrieval.Fragment{
		{URL: "/a", Title: "A", Content: words(10), Similarity: 0.1},
		{URL: "/a", Title: "A (section)", Content: words(10), Similarity: 0.2},
		{URL: "/b", Title: "B", Content: words(10), Similarity: 0.3},
	}
	c := NewComposer(fakeCounter{}, Budget{TokenLimit: 100000, ContextLimit: 1000, MaxCompletionTokens: 10})

	kept, refs := c.selectFragments(frags)
	if len(kept) != 3 {
		t.Fatalf("raw fragment list must keep duplicates, got %d", len(kept))
	}
	if len(refs) != 2 {
		t.Fatalf("expected url-deduplicated refs, got %d", len(refs))
	}
	if refs[0].URL != "/a" || refs[1].URL != "/b" {
		t.Fatalf("refs %v", refs)
	}
}

func TestCompose_FixedPrefixOverflowFailsImmediately(t *testing.T) {
	// the system prompt alone exceeds this window; trimming cannot help
	c := NewComposer(fakeCounter{}, Budget{TokenLimit: 10, ContextLimit: 5, MaxCompletionTokens: 5})

	_, err := c.Compose(nil, []ai.Message{{Role: RoleUser, Content: "q"}})
	if !errors.Is(err, ErrTokenLimit) {
		t.Fatalf("expected ErrTokenLimit, got %v", err)
	}
}

func TestCompose_TrimsOldestContiguously(t *testing.T) {
	fc := fakeCounter{}
	initTokens := fc.Count(systemPrompt) + fc.Count(instructionSuffix)
	maxCompletion := 10

	// room for the fixed prefix plus exactly two 100-word turns
	budget := Budget{
		TokenLimit:          initTokens + maxCompletion + 210,
		ContextLimit:        1,
		MaxCompletionTokens: maxCompletion,
	}
	c := NewComposer(fc, budget)

	conversation := []ai.Message{
		{Role: RoleUser, Content: "m1 " + words(99)},
		{Role: RoleAssistant, Content: "m2 " + words(99)},
		{Role: RoleUser, Content: "m3 " + words(99)},
		{Role: RoleAssistant, Content: "m4 " + words(99)},
		{Role: RoleUser, Content: "m5 " + words(99)},
	}

	prompt, err := c.Compose(nil, conversation)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	// init is system + instruction (no context block without fragments)
	tail := prompt.Messages[2:]
	if len(tail) != 2 {
		t.Fatalf("expected 2 surviving messages, got %d", len(tail))
	}
	// the survivors are the contiguous most-recent suffix
	if !strings.HasPrefix(tail[0].Content, "m4") || !strings.HasPrefix(tail[1].Content, "m5") {
		t.Fatalf("survivors %q, %q", tail[0].Content[:2], tail[1].Content[:2])
	}
}

func TestCompose_NoContextBlockWithoutFragments(t *testing.T) {
	c := NewComposer(fakeCounter{}, Budget{TokenLimit: 10000, ContextLimit: 100, MaxCompletionTokens: 10})

	prompt, err := c.Compose(nil, []ai.Message{{Role: RoleUser, Content: "q"}})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if prompt.Messages[0].Role != RoleSystem {
		t.Fatalf("first message role %q", prompt.Messages[0].Role)
	}
	for _, m := range prompt.Messages {
		if strings.HasPrefix(m.Content, "Documentation context:") {
			t.Fatalf("context block present without fragments")
		}
	}
}

func TestCompose_ContextBlockIsSingleUserMessage(t *testing.T) {
	frags := []retrieval.Fragment{
		{URL: "/a", Title: "A", Content: words(10), Similarity: 0.1},
		{URL: "/b", Title: "B", Content: words(10), Similarity: 0.2},
	}
	c := NewComposer(fakeCounter{}, Budget{TokenLimit: 10000, ContextLimit: 1000, MaxCompletionTokens: 10})

	prompt, err := c.Compose(frags, []ai.Message{{Role: RoleUser, Content: "q"}})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	blocks := 0
	for _, m := range prompt.Messages {
		if strings.HasPrefix(m.Content, "Documentation context:") {
			blocks++
			if m.Role != RoleUser {
				t.Fatalf("context block role %q", m.Role)
			}
			if !strings.Contains(m.Content, "## A") || !strings.Contains(m.Content, "## B") {
				t.Fatalf("context block missing fragments: %q", m.Content)
			}
		}
	}
	if blocks != 1 {
		t.Fatalf("expected exactly one context block, got %d", blocks)
	}
}
