// Package api serves the published P&L generations over HTTP.
//
// Every read is answered from one generation: the current one unless the
// caller pins an older, still retained generation with ?generation=.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/pnl-engine/internal/ident"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/pipeline"
	"github.com/atmx/pnl-engine/internal/settlement"
	"github.com/atmx/pnl-engine/internal/store"
)

// Rebuilder runs a synchronous rebuild. *pipeline.Engine implements it.
type Rebuilder interface {
	Rebuild(ctx context.Context) (*model.Generation, error)
}

// Service handles the query surface.
type Service struct {
	store     store.Store
	rebuilder Rebuilder
}

// NewService creates a new query service.
// Pass nil for rebuilder to disable POST /rebuild.
func NewService(st store.Store, rebuilder Rebuilder) *Service {
	return &Service{store: st, rebuilder: rebuilder}
}

// Routes mounts the handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/wallets/{wallet}/summary", s.GetSummary)
	r.Get("/wallets/{wallet}/positions", s.GetPositions)
	r.Get("/diagnostics", s.GetDiagnostics)
	r.Get("/generation", s.GetGeneration)
	r.Post("/rebuild", s.Rebuild)
}

// --- Response types ---

// GenerationInfo is the header of a published generation.
type GenerationInfo struct {
	ID            string       `json:"id"`
	Number        int64        `json:"number"`
	BuiltAt       time.Time    `json:"built_at"`
	DefaultPolicy model.Policy `json:"default_policy"`
	LowConfidence bool         `json:"low_confidence"`
	Warnings      int          `json:"warnings"`
}

func infoOf(g *model.Generation) GenerationInfo {
	return GenerationInfo{
		ID:            g.ID,
		Number:        g.Number,
		BuiltAt:       g.BuiltAt,
		DefaultPolicy: g.DefaultPolicy,
		LowConfidence: g.Diagnostics.LowConfidence,
		Warnings:      len(g.Diagnostics.Warnings),
	}
}

// PositionsResponse wraps a wallet's position details.
type PositionsResponse struct {
	GenerationID string                 `json:"generation_id"`
	Wallet       string                 `json:"wallet"`
	Policy       model.Policy           `json:"policy"`
	Positions    []model.PositionDetail `json:"positions"`
}

// RebuildFailure is returned when a rebuild was not published.
type RebuildFailure struct {
	Error       string            `json:"error"`
	Diagnostics model.Diagnostics `json:"diagnostics"`
}

// --- HTTP Handlers ---

// GetSummary handles GET /api/v1/wallets/{wallet}/summary
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	q, ok := s.walletQuery(w, r)
	if !ok {
		return
	}

	sum, err := s.store.GetSummary(r.Context(), q.generationID, q.policy, q.wallet)
	if err != nil {
		s.writeQueryError(w, q, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetPositions handles GET /api/v1/wallets/{wallet}/positions
// Optionally filtered by ?market=<marketID>.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	q, ok := s.walletQuery(w, r)
	if !ok {
		return
	}
	market := ident.MarketID(r.URL.Query().Get("market"))

	positions, err := s.store.GetPositions(r.Context(), q.generationID, q.policy, q.wallet, market)
	if err != nil {
		s.writeQueryError(w, q, err)
		return
	}
	if positions == nil {
		positions = []model.PositionDetail{}
	}
	writeJSON(w, http.StatusOK, PositionsResponse{
		GenerationID: q.generationID,
		Wallet:       q.wallet,
		Policy:       q.policy,
		Positions:    positions,
	})
}

// GetDiagnostics handles GET /api/v1/diagnostics
func (s *Service) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.CurrentGeneration(r.Context())
	if err != nil {
		s.writeLookupError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, g.Diagnostics)
}

// GetGeneration handles GET /api/v1/generation
func (s *Service) GetGeneration(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.CurrentGeneration(r.Context())
	if err != nil {
		s.writeLookupError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, infoOf(g))
}

// Rebuild handles POST /api/v1/rebuild
// Runs a rebuild synchronously; a rejected rebuild leaves the current
// generation live and returns 409 with the failed run's diagnostics.
func (s *Service) Rebuild(w http.ResponseWriter, r *http.Request) {
	if s.rebuilder == nil {
		writeError(w, "rebuild disabled", http.StatusNotImplemented)
		return
	}

	g, err := s.rebuilder.Rebuild(r.Context())
	if err != nil {
		var rerr *pipeline.RebuildError
		if errors.As(err, &rerr) {
			writeJSON(w, http.StatusConflict, RebuildFailure{Error: err.Error(), Diagnostics: rerr.Diagnostics})
			return
		}
		slog.Error("rebuild request failed", "err", err)
		writeError(w, "rebuild failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, infoOf(g))
}

type walletQuery struct {
	wallet       string
	policy       model.Policy
	generationID string
	pinned       bool // generation named by the caller
}

// walletQuery resolves the wallet, policy and generation of a request,
// writing the error response itself when it returns false.
func (s *Service) walletQuery(w http.ResponseWriter, r *http.Request) (walletQuery, bool) {
	var q walletQuery

	wallet, err := ident.Wallet(chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, "wallet is required", http.StatusBadRequest)
		return q, false
	}
	q.wallet = wallet

	q.generationID = r.URL.Query().Get("generation")
	q.pinned = q.generationID != ""
	policy := r.URL.Query().Get("policy")
	if q.generationID == "" || policy == "" {
		g, err := s.store.CurrentGeneration(r.Context())
		if err != nil {
			s.writeLookupError(w, err, "")
			return q, false
		}
		if q.generationID == "" {
			q.generationID = g.ID
		}
		if policy == "" {
			policy = string(g.DefaultPolicy)
		}
	}

	q.policy, err = settlement.ParsePolicy(policy)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return q, false
	}
	return q, true
}

func (s *Service) writeQueryError(w http.ResponseWriter, q walletQuery, err error) {
	if q.pinned && errors.Is(err, store.ErrNoGeneration) {
		writeError(w, "generation not retained: "+q.generationID, http.StatusNotFound)
		return
	}
	s.writeLookupError(w, err, "wallet not found")
}

// writeLookupError maps store errors to HTTP statuses.
func (s *Service) writeLookupError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNoGeneration):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, notFound, http.StatusNotFound)
	default:
		slog.Error("store lookup failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
