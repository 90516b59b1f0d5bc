// Package classifier is the client of the ML classifier service that backs
// the language, topics, sentiment, pii and toxicity evaluators.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrTimeout is returned when the classifier does not answer in time.
// Callers treat it as an unknown result.
var ErrTimeout = errors.New("classifier timed out")

// Classifier methods.
const (
	MethodLanguage  = "language"
	MethodTopics    = "topics"
	MethodSentiment = "sentiment"
	MethodPII       = "pii"
	MethodToxicity  = "toxicity"
)

// Classifier labels a batch of texts with one method.
type Classifier interface {
	Classify(ctx context.Context, method string, texts []string, params json.RawMessage) ([]json.RawMessage, error)
}

// Client calls the classifier over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client. A non-positive rps disables rate limiting.
func NewClient(baseURL string, timeout time.Duration, rps float64) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

type request struct {
	Texts  []string        `json:"texts"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	Results []json.RawMessage `json:"results"`
}

// Classify posts texts to {base}/{method} and returns one result per text.
func (c *Client) Classify(ctx context.Context, method string, texts []string, params json.RawMessage) ([]json.RawMessage, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(request{Texts: texts, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier error [%d]: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(out.Results) != len(texts) {
		return nil, fmt.Errorf("classifier returned %d results for %d texts", len(out.Results), len(texts))
	}
	return out.Results, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
