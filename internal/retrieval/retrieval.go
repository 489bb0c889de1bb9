package retrieval

import (
	"context"
	"strings"
)

// Mode selects the granularity of retrieval.
type Mode string

const (
	// ModeSection retrieves individual document sections.
	ModeSection Mode = "section"
	// ModeDocument retrieves whole documents.
	ModeDocument Mode = "document"
)

// Fragment is a retrieved documentation excerpt, nearest-first by Similarity
// (smaller distance = closer). Tokens is derived later by the prompt
// composer with the model tokenizer.
type Fragment struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	ParentTitle string  `json:"parent_title,omitempty"`
	Content     string  `json:"content"`
	Similarity  float64 `json:"similarity"`
	Tokens      int     `json:"-"`
}

// RefDoc is a source reference shown to the user, deduplicated by URL.
type RefDoc struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Retriever is the ranked-retrieval capability. Implementations return
// fragments nearest-first; a failure here is terminal for the pipeline.
type Retriever interface {
	Related(ctx context.Context, query string, mode Mode) ([]Fragment, error)
}

// NormalizeQuery flattens a chat message into a single-line query.
func NormalizeQuery(q string) string {
	return strings.TrimSpace(strings.ReplaceAll(q, "\n", " "))
}

// disambiguate appends the parent title to fragments whose title collides
// with another fragment's. Whole-document retrieval surfaces many pages
// titled e.g. "Syntax"; the parent disambiguates them.
func disambiguate(frags []Fragment) []Fragment {
	seen := make(map[string]int, len(frags))
	for _, f := range frags {
		seen[f.Title]++
	}
	for i := range frags {
		if seen[frags[i].Title] > 1 && frags[i].ParentTitle != "" {
			frags[i].Title = frags[i].Title + " (" + frags[i].ParentTitle + ")"
		}
	}
	return frags
}
