package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// infoClient posts read-only queries to /info. Responses are decoded as
// loose JSON; callers pick the fields they need.
type infoClient struct {
	baseURL string
	http    *http.Client
}

func newInfoClient(baseURL string, timeout time.Duration) *infoClient {
	return &infoClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *infoClient) query(ctx context.Context, req map[string]any) (any, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *infoClient) queryMap(ctx context.Context, req map[string]any) (map[string]any, error) {
	data, err := c.query(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected info response shape for %v", req["type"])
	}
	return payload, nil
}
