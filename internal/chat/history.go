package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HistoryPage is one page of the REST message history fallback
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// HistoryService is the paginated REST history endpoint, used as a
// complement to the join snapshot (e.g. scrolling past its horizon).
type HistoryService interface {
	Fetch(ctx context.Context, roomID string, before time.Time, limit int) (*HistoryPage, error)
}

// HTTPHistory fetches history pages over REST
type HTTPHistory struct {
	baseURL string
	creds   CredentialStore
	client  *http.Client
}

func NewHTTPHistory(baseURL string, creds CredentialStore) *HTTPHistory {
	return &HTTPHistory{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *HTTPHistory) Fetch(ctx context.Context, roomID string, before time.Time, limit int) (*HistoryPage, error) {
	token, err := h.creds.Token()
	if err != nil {
		return nil, err
	}
	userID, err := h.creds.UserID()
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		query.Set("before", before.UTC().Format(time.RFC3339Nano))
	}

	endpoint := fmt.Sprintf("%s/rooms/%s/messages", h.baseURL, url.PathEscape(roomID))
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read history response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: history rejected", ErrNotAuthenticated)
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(body, &errResp)
		return nil, fmt.Errorf("history failed with status %d: %s", resp.StatusCode, errResp.Error)
	}

	var page struct {
		Messages []WireMessage `json:"messages"`
		HasMore  bool          `json:"has_more"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}

	out := &HistoryPage{HasMore: page.HasMore}
	for _, rec := range page.Messages {
		out.Messages = append(out.Messages, fromWire(rec, userID))
	}
	return out, nil
}
