package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/logging"
	"github.com/solaceapp/solace-sync/internal/tier"
	"github.com/solaceapp/solace-sync/internal/tiersync"
)

const maxRequestBody = 16 * 1024

type handlers struct {
	deps *Deps
}

type errorResponse struct {
	Error string `json:"error"`
}

// SubscriptionResponse is returned by GET /api/subscription and the refresh
// endpoint.
type SubscriptionResponse struct {
	Identity string          `json:"identity,omitempty"`
	UserName string          `json:"user_name,omitempty"`
	Tier     tier.Tier       `json:"tier"`
	Sync     tiersync.Status `json:"sync"`
	Periodic *PeriodicInfo   `json:"periodic,omitempty"`
}

// PeriodicInfo describes the periodic check scheduler.
type PeriodicInfo struct {
	Schedule string     `json:"schedule"`
	Running  bool       `json:"running"`
	LastRun  *time.Time `json:"last_run,omitempty"`
}

// CachedTierResponse is returned by GET /api/subscription/cached.
type CachedTierResponse struct {
	Cached bool      `json:"cached"`
	Tier   tier.Tier `json:"tier,omitempty"`
}

type signInRequest struct {
	UserID string `json:"user_id"`
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.deps.Version})
}

func (h *handlers) subscriptionResponse(st tiersync.Status) SubscriptionResponse {
	snap := h.deps.State.Snapshot()
	resp := SubscriptionResponse{
		Identity: snap.Identity,
		UserName: snap.UserName,
		Tier:     snap.Tier,
		Sync:     st,
	}
	if p := h.deps.Periodic; p != nil {
		info := &PeriodicInfo{Schedule: p.Spec(), Running: p.Running()}
		if last := p.LastRun(); !last.IsZero() {
			info.LastRun = &last
		}
		resp.Periodic = info
	}
	return resp
}

func (h *handlers) subscription(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.subscriptionResponse(h.deps.Engine.Status()))
}

func (h *handlers) cachedTier(w http.ResponseWriter, r *http.Request) {
	t, ok := h.deps.Engine.GetCachedTier(r.Context())
	writeJSON(w, http.StatusOK, CachedTierResponse{Cached: ok, Tier: t})
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Sessions.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, serrors.ErrNoIdentity) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "not signed in"})
			return
		}
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Msg("Manual refresh did not complete")
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "refresh did not complete"})
		return
	}
	writeJSON(w, http.StatusOK, h.subscriptionResponse(st))
}

func (h *handlers) signIn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}
	var req signInRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}

	res, err := h.deps.Sessions.SignIn(r.Context(), req.UserID)
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Sign-in failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "sign-in failed"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) signOut(w http.ResponseWriter, r *http.Request) {
	h.deps.Sessions.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
