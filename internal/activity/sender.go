package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const activitiesPath = "/api/v1/collector/s2s"

// HTTPSender posts batches to the collector's activities endpoint.
type HTTPSender struct {
	endpoint  string
	authToken string
	client    *http.Client
}

// NewHTTPSender targets collectorURL with bearer authToken. A nil client
// gets a 10s timeout client.
func NewHTTPSender(collectorURL, authToken string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSender{
		endpoint:  strings.TrimSuffix(collectorURL, "/") + activitiesPath,
		authToken: authToken,
		client:    client,
	}
}

// Send posts batch as a JSON array. Client errors are permanent and not
// retried by the buffer.
func (s *HTTPSender) Send(ctx context.Context, batch []Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "encode activities"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "build activities request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.authToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send activities")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("collector activities failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
