package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"levelx/internal/domain"
	"levelx/internal/engine"
	"levelx/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/levels/{contract}", s.handleLevels)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("DELETE /api/contracts/{contract}", s.handleUnsubscribe)
	mux.Handle("GET /metrics", promhttp.Handler())
	return corsMiddleware(mux)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string          `json:"status"`
	Halted     bool            `json:"halted"`
	Components map[string]bool `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Components: s.Components()}
	for _, ok := range resp.Components {
		if !ok {
			resp.Status = "degraded"
		}
	}
	if s.trading != nil {
		resp.Halted = s.trading.Status().Halted
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.trading.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.trading.Positions()
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, positions)
}

// handleOrders lists tracked orders. ?state= filters by lifecycle state,
// ?open=true keeps non-terminal orders and ?account= selects one account.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var account int64
	if v := q.Get("account"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid account")
			return
		}
		account = id
	}
	state := domain.OrderState(q.Get("state"))
	open := q.Get("open") == "true"

	out := []domain.Order{}
	for _, o := range s.trading.Orders() {
		if account != 0 && o.AccountID != account {
			continue
		}
		if state != "" && o.State != state {
			continue
		}
		if open && o.State.Terminal() {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, out)
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	contract := r.PathValue("contract")
	set, ok := s.trading.Levels(contract)
	if !ok {
		writeError(w, http.StatusNotFound, "no levels for "+contract)
		return
	}
	writeJSON(w, set)
}

// handleEvents queries the audit journal, newest first. Without a journal
// it falls back to the in-memory feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var events []domain.Event
	switch {
	case s.events != nil:
		events, err = s.events.ListEvents(r.Context(), q)
		if err != nil {
			s.log.Error("listing events", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read events")
			return
		}
	case s.feed != nil:
		events = filterFeed(s.feed.Since(q.Since), q)
	default:
		writeError(w, http.StatusServiceUnavailable, "no event source")
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, events)
}

func parseEventQuery(r *http.Request) (store.EventQuery, error) {
	v := r.URL.Query()
	q := store.EventQuery{
		Kind:     domain.EventKind(v.Get("kind")),
		Contract: v.Get("contract"),
		Limit:    defaultEventLimit,
	}
	if s := v.Get("account"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return q, errBadParam("account")
		}
		q.AccountID = id
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, errBadParam("since")
		}
		q.Since = t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, errBadParam("limit")
		}
		q.Limit = min(n, maxEventLimit)
	}
	return q, nil
}

type errBadParam string

func (e errBadParam) Error() string { return "invalid " + string(e) }

// filterFeed applies q to feed events (oldest first) and returns the newest
// matches first.
func filterFeed(events []domain.Event, q store.EventQuery) []domain.Event {
	var out []domain.Event
	for i := len(events) - 1; i >= 0 && len(out) < q.Limit; i-- {
		ev := events[i]
		if q.Kind != "" && ev.Kind != q.Kind {
			continue
		}
		if q.AccountID != 0 && ev.AccountID != q.AccountID {
			continue
		}
		if q.Contract != "" && ev.Contract != q.Contract {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// handleResume forces a fresh login, then lifts a trading halt.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil {
		if err := s.auth.Reauthenticate(r.Context()); err != nil {
			s.log.Warn("resume: re-authentication failed", "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	s.trading.Resume(r.Context())
	s.log.Info("trading resumed via api")
	writeJSON(w, s.trading.Status())
}

// UnsubscribeResponse is the body of DELETE /api/contracts/{contract}.
type UnsubscribeResponse struct {
	Contract string `json:"contract"`
}

// handleUnsubscribe stops trading a contract.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	contract := r.PathValue("contract")
	if err := s.trading.Unsubscribe(r.Context(), contract); err != nil {
		if errors.Is(err, engine.ErrNotSubscribed) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("unsubscribe", "contract", contract, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("contract unsubscribed via api", "contract", contract)
	writeJSON(w, UnsubscribeResponse{Contract: contract})
}

// --- helpers ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}
