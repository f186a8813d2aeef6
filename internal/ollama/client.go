package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable covers transport failures and 5xx responses from the
// backend. Callers treat it as retryable.
var ErrUnavailable = errors.New("ollama backend unavailable")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation. Images carries base64-encoded
// payloads attached to the turn, in order.
type Turn struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ModelDescriptor struct {
	Name              string
	SizeBytes         int64
	Family            string
	ParameterSize     string
	QuantizationLevel string
	ModifiedAt        time.Time
	Digest            string
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("ollama base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse ollama base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{baseURL: base, http: httpClient}, nil
}

// List fetches the model catalog from /api/tags.
func (c *Client) List(ctx context.Context) ([]ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return parseTags(body)
}

// Chat sends the full ordered turn sequence to /api/chat and returns the
// assistant's reply turn. Streaming is disabled; the caller chunks the
// reply for delivery instead.
func (c *Client) Chat(ctx context.Context, model string, turns []Turn) (Turn, error) {
	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": turns,
		"stream":   false,
	})
	if err != nil {
		return Turn{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return Turn{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return Turn{}, err
	}
	return parseChat(body)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, firstLine(body))
	}
	return body, nil
}

func parseTags(body []byte) ([]ModelDescriptor, error) {
	var resp struct {
		Models []struct {
			Name       string    `json:"name"`
			ModifiedAt time.Time `json:"modified_at"`
			Size       int64     `json:"size"`
			Digest     string    `json:"digest"`
			Details    struct {
				Family            string `json:"family"`
				ParameterSize     string `json:"parameter_size"`
				QuantizationLevel string `json:"quantization_level"`
			} `json:"details"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}

	out := make([]ModelDescriptor, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelDescriptor{
			Name:              m.Name,
			SizeBytes:         m.Size,
			Family:            m.Details.Family,
			ParameterSize:     m.Details.ParameterSize,
			QuantizationLevel: m.Details.QuantizationLevel,
			ModifiedAt:        m.ModifiedAt,
			Digest:            m.Digest,
		})
	}
	return out, nil
}

func parseChat(body []byte) (Turn, error) {
	var resp struct {
		Message Turn   `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Turn{}, fmt.Errorf("decode chat response: %w", err)
	}
	if resp.Error != "" {
		return Turn{}, fmt.Errorf("ollama error: %s", resp.Error)
	}
	if resp.Message.Role == "" {
		resp.Message.Role = RoleAssistant
	}
	return resp.Message, nil
}

func firstLine(body []byte) string {
	s := strings.TrimSpace(string(body))
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
