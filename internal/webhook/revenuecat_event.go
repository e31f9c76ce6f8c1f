package webhook

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/solaceapp/solace-sync/internal/tier"
)

// RevenueCat event types.
const (
	RCInitialPurchase     = "INITIAL_PURCHASE"
	RCRenewal             = "RENEWAL"
	RCUncancellation      = "UNCANCELLATION"
	RCProductChange       = "PRODUCT_CHANGE"
	RCNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	RCCancellation        = "CANCELLATION"
	RCBillingIssue        = "BILLING_ISSUE"
	RCSubscriptionPaused  = "SUBSCRIPTION_PAUSED"
	RCExpiration          = "EXPIRATION"
	RCTransfer            = "TRANSFER"
	RCTest                = "TEST"
)

// RevenueCatEvent is the subset of a RevenueCat webhook we act on.
type RevenueCatEvent struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	AppUserID      string     `json:"app_user_id"`
	OriginalUserID string     `json:"original_app_user_id,omitempty"`
	Aliases        []string   `json:"aliases,omitempty"`
	EntitlementIDs []string   `json:"entitlement_ids,omitempty"`
	ProductID      string     `json:"product_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// DecodeRevenueCatEvent parses the {"api_version", "event": {...}} envelope.
func DecodeRevenueCatEvent(body []byte) (RevenueCatEvent, error) {
	if !gjson.ValidBytes(body) {
		return RevenueCatEvent{}, fmt.Errorf("invalid JSON payload")
	}
	ev := gjson.GetBytes(body, "event")
	if !ev.IsObject() {
		return RevenueCatEvent{}, fmt.Errorf("payload missing event object")
	}

	out := RevenueCatEvent{
		ID:             ev.Get("id").String(),
		Type:           strings.ToUpper(strings.TrimSpace(ev.Get("type").String())),
		AppUserID:      ev.Get("app_user_id").String(),
		OriginalUserID: ev.Get("original_app_user_id").String(),
		ProductID:      ev.Get("product_id").String(),
	}
	if out.Type == "" {
		return RevenueCatEvent{}, fmt.Errorf("event type is required")
	}
	for _, a := range ev.Get("aliases").Array() {
		if s := a.String(); s != "" {
			out.Aliases = append(out.Aliases, s)
		}
	}
	for _, e := range ev.Get("entitlement_ids").Array() {
		if s := e.String(); s != "" {
			out.EntitlementIDs = append(out.EntitlementIDs, s)
		}
	}
	// Older payloads carry a single entitlement_id.
	if single := ev.Get("entitlement_id").String(); single != "" && !slices.Contains(out.EntitlementIDs, single) {
		out.EntitlementIDs = append(out.EntitlementIDs, single)
	}
	if ms := ev.Get("expiration_at_ms"); ms.Exists() && ms.Type == gjson.Number {
		ts := time.UnixMilli(ms.Int()).UTC()
		out.ExpiresAt = &ts
	}
	return out, nil
}

// Concerns reports whether the event belongs to identity.
func (e RevenueCatEvent) Concerns(identity string) bool {
	if identity == "" {
		return false
	}
	if e.AppUserID == identity || e.OriginalUserID == identity {
		return true
	}
	return slices.Contains(e.Aliases, identity)
}

// Decision is what a webhook event asks the engine to do.
type Decision struct {
	Sync   bool       `json:"sync"`
	Forced *tier.Tier `json:"forced,omitempty"`
	Reason string     `json:"reason"`
}

// Decide maps an event onto a sync decision for the given premium
// entitlement. Events that grant access force premium only while the
// entitlement is unexpired; everything ambiguous becomes an unforced lookup.
func (e RevenueCatEvent) Decide(entitlement string, now time.Time) Decision {
	grants := len(e.EntitlementIDs) == 0 || slices.Contains(e.EntitlementIDs, entitlement)

	switch e.Type {
	case RCInitialPurchase, RCRenewal, RCUncancellation, RCProductChange, RCNonRenewingPurchase:
		if !grants {
			return Decision{Sync: true, Reason: "purchase without premium entitlement"}
		}
		if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			return Decision{Sync: true, Reason: "purchase already expired"}
		}
		return Decision{Sync: true, Forced: tier.Premium.Ptr(), Reason: "premium entitlement granted"}
	case RCExpiration:
		if !grants {
			return Decision{Sync: true, Reason: "non-premium entitlement expired"}
		}
		return Decision{Sync: true, Forced: tier.Free.Ptr(), Reason: "premium entitlement expired"}
	case RCCancellation, RCBillingIssue, RCSubscriptionPaused, RCTransfer:
		return Decision{Sync: true, Reason: "entitlement state may change"}
	default:
		return Decision{Reason: "unhandled event type"}
	}
}
