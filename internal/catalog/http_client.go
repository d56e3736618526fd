package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/promosale/internal/observability/tracing"
)

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: tracing.NewTransport(nil, "catalog"),
		},
	}
}

// GetSnapshot calls GET {base}/skus/{id}/snapshot.
func (c *HTTPClient) GetSnapshot(ctx context.Context, skuID string) (Snapshot, error) {
	skuID = strings.TrimSpace(skuID)
	if skuID == "" {
		return Snapshot{}, ErrSKUNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/skus/"+url.PathEscape(skuID)+"/snapshot", nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Snapshot{}, ErrSKUNotFound
	case resp.StatusCode >= http.StatusBadRequest:
		return Snapshot{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var snapshot Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode snapshot: %w", ErrUnavailable, err)
	}
	if snapshot.SKUID == "" {
		snapshot.SKUID = skuID
	}
	return snapshot, nil
}
