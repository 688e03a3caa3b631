package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/concord-mesh/concord/pkg/audit"
	"github.com/concord-mesh/concord/pkg/bus"
	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/deliberation"
	"github.com/concord-mesh/concord/pkg/maci"
)

// server exposes the submit API and the governance side channels:
// agent registration, deliberation votes and sign-offs, audit reads.
type server struct {
	bus      *bus.Bus
	engine   *deliberation.Engine
	ledger   *audit.Ledger
	registry *maci.Registry
	verifier *deliberation.ApprovalVerifier // nil when sign-off is not configured
	logger   *slog.Logger
}

func newServer(b *bus.Bus, engine *deliberation.Engine, ledger *audit.Ledger, registry *maci.Registry, verifier *deliberation.ApprovalVerifier) *server {
	return &server{
		bus:      b,
		engine:   engine,
		ledger:   ledger,
		registry: registry,
		verifier: verifier,
		logger:   slog.Default().With("component", "api"),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/messages", s.handleSubmit)
	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeregisterAgent)
	mux.HandleFunc("GET /v1/deliberations/{id}", s.handleGetItem)
	mux.HandleFunc("POST /v1/deliberations/{id}/votes", s.handleVote)
	mux.HandleFunc("POST /v1/deliberations/{id}/approval", s.handleApproval)
	mux.HandleFunc("GET /v1/audit/{tenant}/entries", s.handleAuditList)
	mux.HandleFunc("GET /v1/audit/{tenant}/verify", s.handleAuditVerify)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": s.engine.PendingCount(),
	})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var msg contracts.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed message body")
		return
	}

	receipt, err := s.bus.Submit(r.Context(), &msg)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *server) writeSubmitError(w http.ResponseWriter, err error) {
	var (
		valErr    *contracts.ValidationError
		authErr   *contracts.AuthorizationError
		throttled *contracts.ThrottledError
		depErr    *contracts.DependencyError
	)
	switch {
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusUnprocessableEntity, valErr)
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusForbidden, authErr)
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.Itoa(int(throttled.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, throttled)
	case errors.As(err, &depErr):
		writeError(w, http.StatusServiceUnavailable, depErr.Error())
	default:
		s.logger.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var reg contracts.AgentRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed registration body")
		return
	}
	if err := s.registry.Register(reg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agent_id": reg.AgentID})
}

func (s *server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	s.registry.Deregister(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, deliberation.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "deliberation item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *server) handleVote(w http.ResponseWriter, r *http.Request) {
	var vote contracts.Vote
	if err := json.NewDecoder(r.Body).Decode(&vote); err != nil {
		writeError(w, http.StatusBadRequest, "malformed vote body")
		return
	}

	item, err := s.engine.CastVote(r.Context(), r.PathValue("id"), vote)
	if err != nil {
		var authErr *contracts.AuthorizationError
		switch {
		case errors.Is(err, deliberation.ErrItemNotFound):
			writeError(w, http.StatusNotFound, "deliberation item not found")
		case errors.As(err, &authErr):
			writeJSON(w, http.StatusForbidden, authErr)
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, http.StatusNotImplemented, "human sign-off not configured")
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "approval token required")
		return
	}

	itemID := r.PathValue("id")
	approval, err := s.verifier.Verify(body.Token, itemID)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	item, err := s.engine.RecordHumanDecision(r.Context(), itemID, approval)
	if err != nil {
		if errors.Is(err, deliberation.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "deliberation item not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	from := uint64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from sequence")
			return
		}
		from = parsed
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.ledger.List(r.Context(), tenant, from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if err := s.ledger.VerifyChain(r.Context(), tenant); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
