// Package profile persists the reconciled tier on the user's remote profile
// record. Three backends share the profiles table layout: Supabase's REST
// gateway, a direct Postgres connection and a local SQLite database.
package profile

import (
	"context"
	"time"

	"github.com/solaceapp/solace-sync/internal/tier"
)

// Profile is one row of the profiles table.
type Profile struct {
	ID               string    `json:"id"`
	UserName         string    `json:"username,omitempty"`
	Tier             tier.Tier `json:"subscription_tier"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store is implemented by every backend.
type Store interface {
	WriteTier(ctx context.Context, identity string, t tier.Tier) error
	// FetchProfile returns (nil, nil) when the profile does not exist.
	FetchProfile(ctx context.Context, identity string) (*Profile, error)
}
