package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	snap := s.deps.Orchestrator.Health(ctx)
	status := http.StatusOK
	if snap.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

type balanceEntry struct {
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	out := make(map[string][]balanceEntry, len(s.deps.Chains))
	for chain, adapter := range s.deps.Chains {
		entries := make([]balanceEntry, 0, len(s.deps.Tokens[chain]))
		for _, token := range s.deps.Tokens[chain] {
			bal, err := adapter.GetBalance(ctx, token, s.deps.Wallet)
			if err != nil {
				s.logger.Warn().Err(err).Str("chain", chain).Str("token", token).Msg("balance lookup failed")
				continue
			}
			entries = append(entries, balanceEntry{Token: token, Balance: bal.String()})
		}
		out[chain] = entries
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": s.deps.Wallet, "balances": out})
}

type executeRequest struct {
	ID string `json:"id"`
	// Force bypasses the risk gates (operator override).
	Force bool `json:"force"`
}

// handleExecute runs a held opportunity synchronously and returns its
// terminal result. An id that already executed gets 409 with the
// recorded state; an unknown or expired id gets 404.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"id\": \"<opportunity id>\"}")
		return
	}
	o, ok := s.deps.Holder.Lookup(req.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "no held opportunity with that id")
		return
	}
	run := s.deps.Executor.ExecuteNow
	if req.Force {
		s.logger.Warn().Str("opportunity", req.ID).Msg("forced execution requested")
		run = s.deps.Executor.Force
	}
	res, started := run(r.Context(), o)
	if !started {
		state, _ := s.deps.Executor.Executed(req.ID)
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "opportunity already executed or in flight",
			"state": string(state),
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type approveRequest struct {
	ID string `json:"id"`
}

// handleApprove is the operator approval path: the held opportunity is
// released into the normal queue instead of being executed inline.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"id\": \"<opportunity id>\"}")
		return
	}
	o, ok := s.deps.Holder.Lookup(req.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "no held opportunity with that id")
		return
	}
	if state, done := s.deps.Executor.Executed(req.ID); done {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "opportunity already executed",
			"state": string(state),
		})
		return
	}
	if !s.deps.Queue.Enqueue(o) {
		writeError(w, http.StatusServiceUnavailable, "queue full, approval not accepted")
		return
	}
	s.logger.Info().Str("opportunity", req.ID).Msg("opportunity approved and queued")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":          req.ID,
		"approved_at": time.Now().UTC().Format(time.RFC3339),
	})
}
