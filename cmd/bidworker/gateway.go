package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/bid"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/pool"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/worker"
)

// gatewayClient talks to the marketplace gateway, the collaborator that
// owns the actual scraping/submission machinery. Each pooled session is
// an authenticated HTTP session with its own cookie jar; the gateway
// binds server-side browser state to it.
type gatewayClient struct {
	baseURL string
}

func newGatewayClient(baseURL string) *gatewayClient {
	return &gatewayClient{baseURL: strings.TrimRight(baseURL, "/")}
}

type gatewaySession struct {
	baseURL   string
	http      *http.Client
	createdAt time.Time
}

func (c *gatewayClient) newSession(ctx context.Context) (pool.Handle, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &gatewaySession{
		baseURL:   c.baseURL,
		http:      &http.Client{Timeout: 30 * time.Second, Jar: jar},
		createdAt: time.Now(),
	}, nil
}

func (s *gatewaySession) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (s *gatewaySession) Close(ctx context.Context) error {
	s.http.CloseIdleConnections()
	return nil
}

type placeBidReq struct {
	MarketplaceID string `json:"marketplace_id"`
	PostingID     string `json:"posting_id"`
}

// PlaceBid submits the bid through the session's gateway. 409 means the
// target explicitly denied it.
func (c *gatewayClient) PlaceBid(ctx context.Context, h pool.Handle, p worker.Posting) error {
	s, ok := h.(*gatewaySession)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", h)
	}

	code, body, err := doJSON(ctx, s.http, s.baseURL+"/v1/bids", placeBidReq{
		MarketplaceID: p.MarketplaceID,
		PostingID:     p.PostingID,
	})
	if err != nil {
		return err
	}
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusConflict:
		return worker.ErrBidRejected
	default:
		return fmt.Errorf("gateway place bid: status=%d body=%q", code, body)
	}
}

type withdrawBidReq struct {
	MarketplaceID string `json:"marketplace_id"`
	PostingID     string `json:"posting_id"`
	Reason        string `json:"reason"`
}

// Withdraw confirms the withdrawal with the gateway. Runs outside the
// session pool; withdrawals are rare and do not compete with scanning.
func (c *gatewayClient) Withdraw(ctx context.Context, b *bid.Bid, reason string) error {
	hc := &http.Client{Timeout: 30 * time.Second}
	code, body, err := doJSON(ctx, hc, c.baseURL+"/v1/bids/withdraw", withdrawBidReq{
		MarketplaceID: b.MarketplaceID,
		PostingID:     b.PostingID,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("gateway withdraw: status=%d body=%q", code, body)
	}
	return nil
}

func doJSON(ctx context.Context, hc *http.Client, url string, payload interface{}) (int, string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}
