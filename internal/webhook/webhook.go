// Package webhook receives billing-provider notifications and turns them into
// billing_event sync requests for the signed-in user.
package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/solaceapp/solace-sync/internal/tiersync"
)

const bodyLimit = 1024 * 1024 // 1 MiB

// Requester schedules a sync. *tiersync.Engine satisfies it.
type Requester interface {
	Trigger(req tiersync.Request) <-chan struct{}
}

// IdentitySource yields the signed-in user id.
type IdentitySource interface {
	Identity() string
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool   `json:"received"`
	Action   string `json:"action,omitempty"`
}

const (
	actionForced    = "sync_forced"
	actionSync      = "sync_requested"
	actionIgnored   = "ignored"
	actionOtherUser = "ignored_other_user"
)

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
