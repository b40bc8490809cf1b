package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/bid"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/pool"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/worker"
)

// Server exposes the coordination subsystem to the scanner fleet:
// posting evaluation, bid lookup, withdrawal.
type Server struct {
	worker      *worker.Worker
	bids        *bid.Store
	withdrawals *bid.WithdrawalService
	mux         *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewServer(wk *worker.Worker, bids *bid.Store, withdrawals *bid.WithdrawalService) *Server {
	s := &Server{worker: wk, bids: bids, withdrawals: withdrawals, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("/v1/postings/evaluate", s.handleEvaluate)

	// Bid endpoints (simple path parsing to avoid extra router deps)
	s.mux.HandleFunc("/v1/bids/", s.handleBids)
}

type evaluateReq struct {
	MarketplaceID string `json:"marketplace_id"`
	PostingID     string `json:"posting_id"`
	Target        string `json:"target"`
	CachedAtMS    int64  `json:"cached_at_ms"`
}

type evaluateResp struct {
	Outcome string `json:"outcome"`
	BidID   string `json:"bid_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req evaluateReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MarketplaceID == "" || req.PostingID == "" {
		writeErr(w, http.StatusBadRequest, "marketplace_id and posting_id required")
		return
	}
	if req.Target == "" {
		req.Target = req.MarketplaceID
	}
	if req.CachedAtMS <= 0 {
		writeErr(w, http.StatusBadRequest, "cached_at_ms required")
		return
	}

	res, err := s.worker.Evaluate(r.Context(), worker.Posting{
		MarketplaceID: req.MarketplaceID,
		PostingID:     req.PostingID,
		Target:        req.Target,
		CachedAt:      time.Unix(0, req.CachedAtMS*int64(time.Millisecond)),
	})
	if err != nil {
		var pe *pool.ExhaustedError
		if errors.As(err, &pe) {
			writeErr(w, http.StatusServiceUnavailable, pe.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := evaluateResp{Outcome: string(res.Outcome)}
	if res.Bid != nil {
		out.BidID = res.Bid.ID
		out.Status = string(res.Bid.Status)
	}
	writeJSON(w, http.StatusOK, out)
}

type bidResp struct {
	ID              string `json:"id"`
	MarketplaceID   string `json:"marketplace_id"`
	PostingID       string `json:"posting_id"`
	Status          string `json:"status"`
	WithdrawnReason string `json:"withdrawn_reason,omitempty"`
	WithdrawalMS    int64  `json:"withdrawal_ms,omitempty"`
	CreatedMS       int64  `json:"created_ms"`
}

type withdrawReq struct {
	Reason string `json:"reason"`
}

func (s *Server) handleBids(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// /v1/bids/{id}
	// /v1/bids/{id}/withdraw
	path := strings.TrimPrefix(r.URL.Path, "/v1/bids/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "bid id required")
		return
	}

	parts := strings.Split(path, "/")
	bidID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if action != "" {
			writeErr(w, http.StatusNotFound, "invalid path")
			return
		}
		s.handleGetBid(w, r, bidID)
		return

	case http.MethodPost:
		if action != "withdraw" {
			writeErr(w, http.StatusNotFound, "unknown action")
			return
		}
		s.handleWithdraw(w, r, bidID)
		return

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
}

func (s *Server) handleGetBid(w http.ResponseWriter, r *http.Request, bidID string) {
	b, err := s.bids.Get(r.Context(), bidID)
	if errors.Is(err, bid.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "bid not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toBidResp(b))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, bidID string) {
	var req withdrawReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		writeErr(w, http.StatusBadRequest, "reason required")
		return
	}

	err := s.withdrawals.Withdraw(r.Context(), bidID, req.Reason)
	switch {
	case err == nil:
	case errors.Is(err, bid.ErrNotFound):
		writeErr(w, http.StatusNotFound, "bid not found")
		return
	default:
		var it *bid.InvalidTransitionError
		if errors.As(err, &it) {
			writeErr(w, http.StatusConflict, it.Error())
			return
		}
		var wf *bid.WithdrawalFailedError
		if errors.As(err, &wf) {
			// bid is still ACTIVE; the operator retries later
			writeErr(w, http.StatusBadGateway, wf.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	b, err := s.bids.Get(r.Context(), bidID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toBidResp(b))
}

func toBidResp(b *bid.Bid) bidResp {
	out := bidResp{
		ID:            b.ID,
		MarketplaceID: b.MarketplaceID,
		PostingID:     b.PostingID,
		Status:        string(b.Status),
		CreatedMS:     b.CreatedAt.UnixNano() / int64(time.Millisecond),
	}
	if b.WithdrawnReason != "" {
		out.WithdrawnReason = b.WithdrawnReason
		out.WithdrawalMS = b.WithdrawalAt.UnixNano() / int64(time.Millisecond)
	}
	return out
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
