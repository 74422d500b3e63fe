package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
)

// HTTPClient talks to the session management API as an admin.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	token   string
}

// newHTTPClient creates a new HTTP client with timeout.
func newHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any, want int) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Get().Error(context.Background(), "failed to close response body", logger.Error(err))
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: %w %d: %s", method, path, ErrUnexpectedStatus, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health verifies the service is running.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, http.StatusOK)
}

// OpenSession creates a session and activates it.
func (c *HTTPClient) OpenSession(ctx context.Context, req types.SessionRequest) (model.Session, error) {
	var sess model.Session
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &sess, http.StatusCreated); err != nil {
		return model.Session{}, err
	}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+sess.ID+"/activate", nil, &sess, http.StatusOK); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// CompleteSession closes scoring for a session.
func (c *HTTPClient) CompleteSession(ctx context.Context, sessionID string) (model.Session, error) {
	var sess model.Session
	err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/complete", nil, &sess, http.StatusOK)
	return sess, err
}

// Standings returns the ranked team totals of a session.
func (c *HTTPClient) Standings(ctx context.Context, sessionID string) ([]aggregation.Standing, error) {
	var out []aggregation.Standing
	err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/standings", nil, &out, http.StatusOK)
	return out, err
}
