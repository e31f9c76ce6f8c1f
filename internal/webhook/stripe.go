package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/solaceapp/solace-sync/internal/billing"
	"github.com/solaceapp/solace-sync/internal/metrics"
	"github.com/solaceapp/solace-sync/internal/tier"
	"github.com/solaceapp/solace-sync/internal/tiersync"
)

const stripeProvider = "stripe"

// CustomerDirectory links Stripe customers to identities. The sqlite profile
// store implements it.
type CustomerDirectory interface {
	LinkStripeCustomer(ctx context.Context, identity, customerID string) error
	IdentityForCustomer(ctx context.Context, customerID string) (string, error)
}

// StripeHandler verifies the Stripe signature and dispatches the event.
type StripeHandler struct {
	secret    string
	customers CustomerDirectory
	identity  IdentitySource
	engine    Requester
}

func NewStripeHandler(secret string, customers CustomerDirectory, identity IdentitySource, engine Requester) *StripeHandler {
	return &StripeHandler{
		secret:    strings.TrimSpace(secret),
		customers: customers,
		identity:  identity,
		engine:    engine,
	}
}

// CheckoutSession is a minimal representation of a checkout.session object.
type CheckoutSession struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	Customer          string `json:"customer"`
	ClientReferenceID string `json:"client_reference_id"`
	Status            string `json:"status"`
}

// Subscription is a minimal representation of a subscription object.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

func (h *StripeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.RecordWebhook(stripeProvider, eventType, status)
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

	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, h.secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	action, err := h.handleEvent(r.Context(), &event)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, status, receivedResponse{Received: true, Action: action})
}

func (h *StripeHandler) handleEvent(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckout(ctx, session)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("decode subscription: %w", err)
		}
		return h.handleSubscription(ctx, string(event.Type), sub)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return actionIgnored, nil
	}
}

func (h *StripeHandler) handleCheckout(ctx context.Context, session CheckoutSession) (string, error) {
	identity := strings.TrimSpace(session.ClientReferenceID)
	customerID := strings.TrimSpace(session.Customer)
	if identity == "" || customerID == "" {
		log.Warn().Str("session_id", session.ID).Msg("checkout.session.completed without client_reference_id or customer")
		return actionIgnored, nil
	}
	if h.customers == nil {
		return "", fmt.Errorf("no customer directory configured")
	}
	if err := h.customers.LinkStripeCustomer(ctx, identity, customerID); err != nil {
		return "", fmt.Errorf("link customer: %w", err)
	}
	log.Info().Str("identity", identity).Str("customer_id", customerID).Msg("Linked Stripe customer to profile")

	if identity != h.currentIdentity() {
		return actionOtherUser, nil
	}
	// The subscription object may not be active yet; let the engine look it up.
	h.engine.Trigger(tiersync.Request{Source: tier.SourceBillingEvent})
	return actionSync, nil
}

func (h *StripeHandler) handleSubscription(ctx context.Context, eventType string, sub Subscription) (string, error) {
	customerID := strings.TrimSpace(sub.Customer)
	if customerID == "" {
		return actionIgnored, nil
	}
	if h.customers == nil {
		return "", fmt.Errorf("no customer directory configured")
	}
	identity, err := h.customers.IdentityForCustomer(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("lookup identity by customer: %w", err)
	}
	if identity == "" || identity != h.currentIdentity() {
		log.Debug().Str("customer_id", customerID).Str("type", eventType).Msg("Stripe subscription event ignored (not the signed-in user)")
		return actionOtherUser, nil
	}

	status := stripe.SubscriptionStatus(sub.Status)
	if eventType == "customer.subscription.deleted" {
		status = stripe.SubscriptionStatusCanceled
	}
	forced := billing.TierFromSubscriptionStatus(status)
	h.engine.Trigger(tiersync.Request{Source: tier.SourceBillingEvent, Forced: &forced})
	log.Info().
		Str("identity", identity).
		Str("subscription_id", sub.ID).
		Str("status", string(status)).
		Str("tier", forced.String()).
		Msg("Stripe subscription event accepted")
	return actionForced, nil
}

func (h *StripeHandler) currentIdentity() string {
	if h.identity == nil {
		return ""
	}
	return h.identity.Identity()
}
