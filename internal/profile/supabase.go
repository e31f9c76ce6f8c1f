package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
)

const (
	supabaseName    = "supabase"
	profilesTable   = "profiles"
	maxResponseBody = 1 << 20
)

// SupabaseConfig configures the PostgREST gateway.
type SupabaseConfig struct {
	ProjectURL string
	APIKey     string
}

// Supabase talks to {project}/rest/v1/profiles.
type Supabase struct {
	prefix string
	apiKey string
	client *http.Client
	now    func() time.Time
}

func NewSupabase(cfg SupabaseConfig, client *http.Client) (*Supabase, error) {
	if strings.TrimSpace(cfg.ProjectURL) == "" {
		return nil, fmt.Errorf("project URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	u, err := url.Parse(cfg.ProjectURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid project URL %q", cfg.ProjectURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Supabase{
		prefix: strings.TrimRight(cfg.ProjectURL, "/") + "/rest/v1",
		apiKey: cfg.APIKey,
		client: client,
		now:    time.Now,
	}, nil
}

type supabaseRow struct {
	ID               string    `json:"id"`
	UserName         *string   `json:"username"`
	Tier             string    `json:"subscription_tier"`
	StripeCustomerID *string   `json:"stripe_customer_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (r supabaseRow) toProfile() *Profile {
	p := &Profile{ID: r.ID, UpdatedAt: r.UpdatedAt}
	if r.UserName != nil {
		p.UserName = *r.UserName
	}
	if r.StripeCustomerID != nil {
		p.StripeCustomerID = *r.StripeCustomerID
	}
	if t, err := tier.ParseTier(r.Tier); err == nil {
		p.Tier = t
	} else {
		// Rows created before the tier column had a default.
		p.Tier = tier.Free
	}
	return p
}

// WriteTier PATCHes subscription_tier and updated_at. Zero rows updated means
// the profile does not exist.
func (s *Supabase) WriteTier(ctx context.Context, identity string, t tier.Tier) error {
	const op = "write_tier"
	if identity == "" {
		return serrors.WrapProfile(op, supabaseName, serrors.ErrNoIdentity)
	}
	if !t.Valid() {
		return serrors.WrapProfile(op, supabaseName, tier.ErrUnknownTier)
	}

	body, err := json.Marshal(map[string]any{
		"subscription_tier": t,
		"updated_at":        s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return serrors.WrapProfile(op, supabaseName, err)
	}

	q := url.Values{"id": {"eq." + identity}}
	rows, err := s.do(ctx, op, http.MethodPatch, q, body)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return serrors.New(serrors.KindNotFound, op, supabaseName, fmt.Errorf("profile %s: %w", identity, serrors.ErrNotFound))
	}
	log.Debug().Str("identity", identity).Str("tier", string(t)).Msg("Supabase profile tier updated")
	return nil
}

func (s *Supabase) FetchProfile(ctx context.Context, identity string) (*Profile, error) {
	const op = "fetch_profile"
	if identity == "" {
		return nil, serrors.WrapProfile(op, supabaseName, serrors.ErrNoIdentity)
	}
	q := url.Values{
		"id":     {"eq." + identity},
		"select": {"id,username,subscription_tier,stripe_customer_id,updated_at"},
		"limit":  {"1"},
	}
	rows, err := s.do(ctx, op, http.MethodGet, q, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toProfile(), nil
}

func (s *Supabase) do(ctx context.Context, op, method string, q url.Values, body []byte) ([]supabaseRow, error) {
	endpoint := s.prefix + "/" + url.PathEscape(profilesTable) + "?" + q.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, serrors.WrapProfile(op, supabaseName, err)
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, serrors.WrapProfile(op, supabaseName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, serrors.WrapProfile(op, supabaseName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, serrors.WrapProfile(op, supabaseName,
			fmt.Errorf("%s %s returned %d: %s", method, profilesTable, resp.StatusCode, strings.TrimSpace(string(data)))).
			WithStatusCode(resp.StatusCode)
	}

	var rows []supabaseRow
	if len(bytes.TrimSpace(data)) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, serrors.WrapProfile(op, supabaseName, fmt.Errorf("decode rows: %w", err))
	}
	return rows, nil
}
