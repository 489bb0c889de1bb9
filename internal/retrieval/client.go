package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Per-mode retrieval parameters. Section retrieval casts a wider net;
// whole-document retrieval asks for fewer, stronger matches.
const (
	sectionLimit      = 8
	sectionThreshold  = 0.78
	documentLimit     = 5
	documentThreshold = 0.75
	minContentLength  = 50
)

// Client queries the vector-search service over HTTP.
type Client struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type relatedReq struct {
	Query     string  `json:"query"`
	Limit     int     `json:"limit"`
	Threshold float64 `json:"threshold"`
	MinLength int     `json:"min_length"`
	FullDocs  bool    `json:"full_docs"`
}

type relatedResp struct {
	Results []Fragment `json:"results"`
	Error   string     `json:"error,omitempty"`
}

// Related returns ranked fragments for the query, nearest-first. Document
// mode additionally disambiguates duplicate titles with the parent title.
func (c *Client) Related(ctx context.Context, query string, mode Mode) ([]Fragment, error) {
	if c.HTTP == nil {
		return nil, errors.New("retrieval: http client is nil")
	}
	query = NormalizeQuery(query)
	if query == "" {
		return nil, nil
	}

	req := relatedReq{
		Query:     query,
		Limit:     sectionLimit,
		Threshold: sectionThreshold,
		MinLength: minContentLength,
	}
	if mode == ModeDocument {
		req.Limit = documentLimit
		req.Threshold = documentThreshold
		req.FullDocs = true
	}

	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/related", strings.TrimRight(c.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("retrieval: %s", msg)
	}

	var decoded relatedResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}

	frags := decoded.Results
	if mode == ModeDocument {
		frags = disambiguate(frags)
	}
	return frags, nil
}
