package discord

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultImageLimit = 8 << 20

// ImageFetcher downloads an attachment and encodes it for the inference
// backend. Oversized attachments are rejected rather than truncated.
type ImageFetcher struct {
	client *http.Client
	limit  int64
}

func NewImageFetcher(client *http.Client, limit int64) *ImageFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if limit <= 0 {
		limit = defaultImageLimit
	}
	return &ImageFetcher{client: client, limit: limit}
}

func (f *ImageFetcher) Resolve(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build attachment request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch attachment: unexpected status %d", resp.StatusCode)
	}

	// Read one byte past the limit to tell at-limit from over-limit.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.limit+1))
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > f.limit {
		return "", fmt.Errorf("attachment exceeds %d byte limit", f.limit)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
