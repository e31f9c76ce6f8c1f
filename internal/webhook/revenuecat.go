package webhook

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solaceapp/solace-sync/internal/billing"
	"github.com/solaceapp/solace-sync/internal/metrics"
	"github.com/solaceapp/solace-sync/internal/tier"
	"github.com/solaceapp/solace-sync/internal/tiersync"
)

const revenueCatProvider = "revenuecat"

// RevenueCatHandler verifies the shared Authorization secret configured in
// the RevenueCat dashboard and requests a sync for the signed-in user.
type RevenueCatHandler struct {
	secret      string
	entitlement string
	identity    IdentitySource
	engine      Requester
	now         func() time.Time
}

func NewRevenueCatHandler(secret, entitlement string, identity IdentitySource, engine Requester) *RevenueCatHandler {
	if strings.TrimSpace(entitlement) == "" {
		entitlement = billing.DefaultEntitlement
	}
	return &RevenueCatHandler{
		secret:      strings.TrimSpace(secret),
		entitlement: entitlement,
		identity:    identity,
		engine:      engine,
		now:         time.Now,
	}
}

func (h *RevenueCatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.RecordWebhook(revenueCatProvider, eventType, status)
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}
	if h.secret == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}
	if !h.authorized(r.Header.Get("Authorization")) {
		status = http.StatusUnauthorized
		writeJSON(w, status, errorResponse{Error: "unauthorized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	event, err := DecodeRevenueCatEvent(payload)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	eventType = event.Type

	logger := log.With().
		Str("provider", revenueCatProvider).
		Str("event_id", event.ID).
		Str("type", event.Type).
		Logger()

	identity := ""
	if h.identity != nil {
		identity = h.identity.Identity()
	}
	if !event.Concerns(identity) {
		logger.Debug().Str("app_user_id", event.AppUserID).Msg("RevenueCat webhook ignored (not the signed-in user)")
		writeJSON(w, status, receivedResponse{Received: true, Action: actionOtherUser})
		return
	}

	decision := event.Decide(h.entitlement, h.now())
	if !decision.Sync {
		logger.Info().Msg("RevenueCat webhook ignored (unhandled type)")
		writeJSON(w, status, receivedResponse{Received: true, Action: actionIgnored})
		return
	}

	h.engine.Trigger(tiersync.Request{Source: tier.SourceBillingEvent, Forced: decision.Forced})
	action := actionSync
	if decision.Forced != nil {
		action = actionForced
	}
	logger.Info().Str("reason", decision.Reason).Str("action", action).Msg("RevenueCat webhook accepted")
	writeJSON(w, status, receivedResponse{Received: true, Action: action})
}

func (h *RevenueCatHandler) authorized(header string) bool {
	got := strings.TrimSpace(header)
	if after, ok := strings.CutPrefix(got, "Bearer "); ok {
		got = strings.TrimSpace(after)
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}
