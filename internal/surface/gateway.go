package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Gateway talks to a remote messaging gateway over HTTP.
type Gateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGateway creates a gateway client.
func NewGateway(baseURL, apiKey string) *Gateway {
	return &Gateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type statusResponse struct {
	Connected bool   `json:"connected"`
	State     string `json:"state,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Live queries the gateway connection status. Any transport or decode
// failure counts as not live.
func (g *Gateway) Live(ctx context.Context) bool {
	var status statusResponse
	if err := g.request(ctx, http.MethodGet, "/api/v1/status", nil, &status); err != nil {
		return false
	}
	return status.Connected
}

// Send delivers one message through the gateway.
func (g *Gateway) Send(ctx context.Context, phone, text string) error {
	return g.request(ctx, http.MethodPost, "/api/v1/messages", &sendRequest{To: phone, Text: text}, nil)
}

// request performs an HTTP request against the gateway API
func (g *Gateway) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			return fmt.Errorf("gateway HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("gateway error: %s", errResp.Error)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
