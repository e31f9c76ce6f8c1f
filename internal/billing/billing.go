// Package billing resolves the tier a user is entitled to from the billing
// provider of record.
package billing

import (
	"strings"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
)

// DefaultEntitlement is the entitlement that grants the premium tier.
const DefaultEntitlement = "premium"

// IdentitySource yields the signed-in user id, or "" when signed out.
// *state.Store satisfies it.
type IdentitySource interface {
	Identity() string
}

func currentIdentity(src IdentitySource, provider string) (string, error) {
	if src == nil {
		return "", serrors.WrapBilling("query_active_tier", provider, serrors.ErrNoIdentity)
	}
	id := strings.TrimSpace(src.Identity())
	if id == "" {
		return "", serrors.WrapBilling("query_active_tier", provider, serrors.ErrNoIdentity)
	}
	return id, nil
}
