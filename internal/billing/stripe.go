package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	stripesub "github.com/stripe/stripe-go/v82/subscription"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
)

const stripeName = "stripe"

// CustomerLookup maps an identity to its Stripe customer id. It returns ""
// with a nil error when the identity has never checked out.
type CustomerLookup interface {
	StripeCustomerID(ctx context.Context, identity string) (string, error)
}

// Stripe derives the tier from the customer's subscriptions.
type Stripe struct {
	apiKey            string
	customers         CustomerLookup
	identity          IdentitySource
	listSubscriptions func(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

func NewStripe(apiKey string, customers CustomerLookup, identity IdentitySource) *Stripe {
	s := &Stripe{
		apiKey:    strings.TrimSpace(apiKey),
		customers: customers,
		identity:  identity,
	}
	s.listSubscriptions = s.listFromAPI
	return s
}

func (s *Stripe) Name() string { return stripeName }

// QueryActiveTier returns premium iff any subscription is active or trialing.
// A user without a linked customer is free.
func (s *Stripe) QueryActiveTier(ctx context.Context) (tier.Tier, error) {
	const op = "query_active_tier"

	userID, err := currentIdentity(s.identity, stripeName)
	if err != nil {
		return "", err
	}
	if s.customers == nil {
		return "", serrors.WrapBilling(op, stripeName, serrors.ErrInternal)
	}
	customerID, err := s.customers.StripeCustomerID(ctx, userID)
	if err != nil {
		return "", serrors.WrapBilling(op, stripeName, err)
	}
	if customerID == "" {
		log.Debug().Str("identity", userID).Msg("No Stripe customer linked; treating as free")
		return tier.Free, nil
	}

	subs, err := s.listSubscriptions(ctx, customerID)
	if err != nil {
		wrapped := serrors.WrapBilling(op, stripeName, err)
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode > 0 {
			wrapped = wrapped.WithStatusCode(se.HTTPStatusCode)
		}
		return "", wrapped
	}
	return TierFromSubscriptionStatus(activeStatuses(subs)...), nil
}

func (s *Stripe) listFromAPI(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	if s.apiKey == "" {
		return nil, serrors.ErrUnauthorized
	}
	stripe.Key = s.apiKey

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(20)

	var out []*stripe.Subscription
	iter := stripesub.List(params)
	for iter.Next() {
		out = append(out, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func activeStatuses(subs []*stripe.Subscription) []stripe.SubscriptionStatus {
	out := make([]stripe.SubscriptionStatus, 0, len(subs))
	for _, sub := range subs {
		if sub != nil {
			out = append(out, sub.Status)
		}
	}
	return out
}

// TierFromSubscriptionStatus maps Stripe subscription statuses to a tier.
func TierFromSubscriptionStatus(statuses ...stripe.SubscriptionStatus) tier.Tier {
	for _, st := range statuses {
		switch st {
		case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
			return tier.Premium
		}
	}
	return tier.Free
}
