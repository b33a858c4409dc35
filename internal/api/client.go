package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

type iceConfigResponse struct {
	ICEServers []domain.ICEServer `json:"iceServers"`
}

// Client fetches ICE server configuration over HTTP.
type Client struct {
	http       *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewClient creates an API client. maxRetries counts retries after the
// first request.
func NewClient(maxRetries int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:       &http.Client{Timeout: 10 * time.Second},
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
		logger:     logger.Named("api"),
	}
}

// FetchICEServers GETs the ICE configuration, retrying transient failures.
// Client errors other than 429 are not retried.
func (c *Client) FetchICEServers(ctx context.Context, url, token string) ([]domain.ICEServer, error) {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = c.backoff
	ebo.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(c.maxRetries)), ctx)

	var servers []domain.ICEServer
	attempt := 0
	op := func() error {
		attempt++
		s, retry, err := c.fetch(ctx, url, token)
		if err != nil {
			c.logger.Warn("ice config fetch failed", zap.Int("attempt", attempt), zap.Error(err))
			if !retry {
				return backoff.Permanent(err)
			}
			return err
		}
		servers = s
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}

	c.logger.Info("ice config fetched", zap.Int("servers", len(servers)))
	return servers, nil
}

func (c *Client) fetch(ctx context.Context, url, token string) ([]domain.ICEServer, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var iceResp iceConfigResponse
	if err := json.Unmarshal(respBody, &iceResp); err != nil {
		return nil, false, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(iceResp.ICEServers) == 0 {
		return nil, false, fmt.Errorf("response lists no ice servers")
	}
	return iceResp.ICEServers, false, nil
}
