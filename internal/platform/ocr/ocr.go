package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"biliwatch/internal/logger"
)

// Client calls the external OCR collaborator with a challenge image URL.
// Recognition is best-effort; callers treat an empty result as "no text".
type Client struct {
	endpoint string
	http     *http.Client
	log      *logger.Logger
}

func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
		log:      logger.New("OCR"),
	}
}

type response struct {
	Body string `json:"body"`
}

// Recognize posts the image URL and returns the recognized text, trimmed.
func (c *Client) Recognize(ctx context.Context, imageURL string) (string, error) {
	form := url.Values{"url": {imageURL}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	// The service replies either {"body":"text"} or a bare JSON string.
	var wrapped response
	if err := json.Unmarshal(b, &wrapped); err == nil && wrapped.Body != "" {
		return strings.TrimSpace(wrapped.Body), nil
	}
	var plain string
	if err := json.Unmarshal(b, &plain); err == nil {
		return strings.TrimSpace(plain), nil
	}
	return "", fmt.Errorf("ocr response not understood: %s", strings.TrimSpace(string(b)))
}
