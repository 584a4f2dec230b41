package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/fluxy/internal/wire"
)

// HistoryFetcher reads paged history and rosters from the HTTP API.
type HistoryFetcher interface {
	FetchPage(ctx context.Context, channelID string, page, limit int) ([]json.RawMessage, error)
	FetchMembers(ctx context.Context, serverID string) ([]wire.Author, error)
}

// HTTPHistory is a HistoryFetcher against fluxyd's read-only API.
type HTTPHistory struct {
	base   string
	client *http.Client
}

// NewHTTPHistory creates a fetcher for the API rooted at base.
func NewHTTPHistory(base string) *HTTPHistory {
	return &HTTPHistory{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type apiResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

// FetchPage returns raw messages, oldest first. They are left raw so the
// normalizer sees exactly what the server sent.
func (h *HTTPHistory) FetchPage(ctx context.Context, channelID string, page, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	endpoint := h.base + "/api/channels/" + url.PathEscape(channelID) + "/messages?" + q.Encode()

	var out []json.RawMessage
	if err := h.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMembers returns a server roster.
func (h *HTTPHistory) FetchMembers(ctx context.Context, serverID string) ([]wire.Author, error) {
	var out []wire.Author
	if err := h.get(ctx, h.base+"/api/servers/"+url.PathEscape(serverID)+"/members", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPHistory) get(ctx context.Context, endpoint string, data any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var body apiResponse[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK || !body.Success {
		return fmt.Errorf("GET %s: %d %s", endpoint, resp.StatusCode, body.Error)
	}
	if len(body.Data) == 0 {
		return nil
	}
	return json.Unmarshal(body.Data, data)
}
