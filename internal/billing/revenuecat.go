package billing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
)

const (
	DefaultRevenueCatURL = "https://api.revenuecat.com"
	revenueCatName       = "revenuecat"
	maxSubscriberBody    = 1 << 20
)

// RevenueCatConfig configures the REST subscriber lookup.
type RevenueCatConfig struct {
	BaseURL     string
	APIKey      string
	Entitlement string
}

// RevenueCat queries GET /v1/subscribers/{app_user_id}.
type RevenueCat struct {
	cfg      RevenueCatConfig
	client   *http.Client
	identity IdentitySource
	now      func() time.Time
}

func NewRevenueCat(cfg RevenueCatConfig, client *http.Client, identity IdentitySource) *RevenueCat {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultRevenueCatURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.Entitlement) == "" {
		cfg.Entitlement = DefaultEntitlement
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RevenueCat{
		cfg:      cfg,
		client:   client,
		identity: identity,
		now:      time.Now,
	}
}

func (r *RevenueCat) Name() string { return revenueCatName }

// QueryActiveTier returns premium iff the configured entitlement exists and
// has not expired. A null expires_date means lifetime access.
func (r *RevenueCat) QueryActiveTier(ctx context.Context) (tier.Tier, error) {
	const op = "query_active_tier"

	userID, err := currentIdentity(r.identity, revenueCatName)
	if err != nil {
		return "", err
	}

	endpoint := r.cfg.BaseURL + "/v1/subscribers/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", serrors.WrapBilling(op, revenueCatName, err)
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", serrors.WrapBilling(op, revenueCatName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSubscriberBody))
	if err != nil {
		return "", serrors.WrapBilling(op, revenueCatName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", serrors.WrapBilling(op, revenueCatName,
			fmt.Errorf("subscriber lookup returned %d: %s", resp.StatusCode, msg)).WithStatusCode(resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return "", serrors.WrapBilling(op, revenueCatName, fmt.Errorf("invalid subscriber payload"))
	}

	t, err := tierFromSubscriber(body, r.cfg.Entitlement, r.now())
	if err != nil {
		return "", serrors.WrapBilling(op, revenueCatName, err)
	}
	log.Debug().
		Str("provider", revenueCatName).
		Str("identity", userID).
		Str("tier", t.String()).
		Msg("Billing provider lookup complete")
	return t, nil
}

// tierFromSubscriber evaluates a /v1/subscribers payload.
func tierFromSubscriber(body []byte, entitlement string, now time.Time) (tier.Tier, error) {
	sub := gjson.GetBytes(body, "subscriber")
	if !sub.Exists() {
		return "", fmt.Errorf("subscriber payload missing subscriber object")
	}
	ent := sub.Get("entitlements." + gjson.Escape(entitlement))
	if !ent.Exists() {
		return tier.Free, nil
	}
	if EntitlementActive(ent.Get("expires_date"), now) {
		return tier.Premium, nil
	}
	return tier.Free, nil
}

// EntitlementActive reports whether an expires_date value grants access at
// now. Unparseable dates are treated as expired.
func EntitlementActive(expires gjson.Result, now time.Time) bool {
	if !expires.Exists() || expires.Type == gjson.Null {
		return true
	}
	if expires.Type == gjson.Number {
		return time.UnixMilli(expires.Int()).After(now)
	}
	ts, err := time.Parse(time.RFC3339, expires.String())
	if err != nil {
		log.Warn().Str("expires_date", expires.String()).Msg("Unparseable entitlement expiry")
		return false
	}
	return ts.After(now)
}
