package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAIProvider talks to an OpenAI-compatible API: chat completions
// (streaming) and moderations.
type OpenAIProvider struct {
	BaseURL         string
	APIKey          string
	ChatModel       string
	ModerationModel string
	Client          *http.Client
}

func NewOpenAIProvider(baseURL, apiKey, chatModel, moderationModel string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if moderationModel == "" {
		moderationModel = "omni-moderation-latest"
	}
	return &OpenAIProvider{
		BaseURL:         baseURL,
		APIKey:          apiKey,
		ChatModel:       chatModel,
		ModerationModel: moderationModel,
		// no client-level timeout: streams can run long, and callers bound
		// each request with a context deadline
		Client: &http.Client{},
	}
}

func (p *OpenAIProvider) Model() string { return p.ChatModel }

type chatCompletionReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s%s", strings.TrimRight(p.BaseURL, "/"), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	return req, nil
}

func errFromBody(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("openai: %s", msg)
}

// StreamChat streams assistant content chunks via SSE. Requests are sent with
// temperature 0 so answers stay grounded in the supplied context.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message, maxTokens int) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("openai: http client is nil")
			return
		}
		model := strings.TrimSpace(p.ChatModel)
		if model == "" {
			errs <- errors.New("openai: model is required")
			return
		}

		req, err := p.newRequest(ctx, "/chat/completions", chatCompletionReq{
			Model:       model,
			Messages:    messages,
			Temperature: 0,
			MaxTokens:   maxTokens,
			Stream:      true,
		})
		if err != nil {
			errs <- err
			return
		}

		resp, err := p.Client.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- errFromBody(resp)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded chatStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			choice := decoded.Choices[0]
			out := Chunk{Delta: choice.Delta.Content}
			if choice.FinishReason != nil {
				out.FinishReason = *choice.FinishReason
			}
			if out.Delta != "" || out.FinishReason != "" {
				chunks <- out
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
	}()

	return chunks, errs
}

type moderationReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type moderationResp struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Moderate returns whether the input is flagged by the moderation endpoint.
func (p *OpenAIProvider) Moderate(ctx context.Context, input string) (bool, error) {
	if p.Client == nil {
		return false, errors.New("openai: http client is nil")
	}

	req, err := p.newRequest(ctx, "/moderations", moderationReq{
		Model: p.ModerationModel,
		Input: input,
	})
	if err != nil {
		return false, err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, errFromBody(resp)
	}

	var decoded moderationResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return false, errors.New(decoded.Error.Message)
	}
	if len(decoded.Results) == 0 {
		return false, errors.New("openai: empty moderation response")
	}
	return decoded.Results[0].Flagged, nil
}
