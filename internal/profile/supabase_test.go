package profile

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   []byte
}

type gateway struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	response string
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.requests = append(g.requests, capturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	status, response := g.status, g.response
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, response)
}

func (g *gateway) last(t *testing.T) capturedRequest {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.requests)
	return g.requests[len(g.requests)-1]
}

func newTestSupabase(t *testing.T, status int, response string) (*Supabase, *gateway) {
	t.Helper()
	g := &gateway{status: status, response: response}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	s, err := NewSupabase(SupabaseConfig{ProjectURL: srv.URL + "/", APIKey: "service-key"}, srv.Client())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }
	return s, g
}

func TestNewSupabaseValidates(t *testing.T) {
	_, err := NewSupabase(SupabaseConfig{APIKey: "k"}, nil)
	assert.Error(t, err)
	_, err = NewSupabase(SupabaseConfig{ProjectURL: "https://x.supabase.co"}, nil)
	assert.Error(t, err)
	_, err = NewSupabase(SupabaseConfig{ProjectURL: "not a url", APIKey: "k"}, nil)
	assert.Error(t, err)
}

func TestSupabaseWriteTier(t *testing.T) {
	s, g := newTestSupabase(t, http.StatusOK, `[{"id":"user-1","subscription_tier":"premium"}]`)

	require.NoError(t, s.WriteTier(t.Context(), "user-1", tier.Premium))

	req := g.last(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "/rest/v1/profiles", req.Path)
	assert.Equal(t, []string{"eq.user-1"}, req.Query["id"])
	assert.Equal(t, "service-key", req.Header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", req.Header.Get("Authorization"))
	assert.Equal(t, "return=representation", req.Header.Get("Prefer"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "premium", body["subscription_tier"])
	assert.Equal(t, "2026-05-04T03:02:01Z", body["updated_at"])
}

func TestSupabaseWriteTierMissingProfile(t *testing.T) {
	s, _ := newTestSupabase(t, http.StatusOK, `[]`)
	err := s.WriteTier(t.Context(), "ghost", tier.Free)
	require.Error(t, err)
	assert.ErrorIs(t, err, serrors.ErrNotFound)
}

func TestSupabaseWriteTierRejectsBadInput(t *testing.T) {
	s, g := newTestSupabase(t, http.StatusOK, `[]`)
	assert.ErrorIs(t, s.WriteTier(t.Context(), "", tier.Free), serrors.ErrNoIdentity)
	assert.ErrorIs(t, s.WriteTier(t.Context(), "u", tier.Tier("gold")), tier.ErrUnknownTier)
	assert.Empty(t, g.requests)
}

func TestSupabaseServerError(t *testing.T) {
	s, _ := newTestSupabase(t, http.StatusInternalServerError, `{"message":"boom"}`)
	err := s.WriteTier(t.Context(), "user-1", tier.Free)
	require.Error(t, err)
	assert.ErrorIs(t, err, serrors.ErrProfileWrite)
	assert.True(t, serrors.IsRetryable(err))
}

func TestSupabaseFetchProfile(t *testing.T) {
	s, g := newTestSupabase(t, http.StatusOK,
		`[{"id":"user-1","username":"Avery","subscription_tier":"premium","stripe_customer_id":null,"updated_at":"2026-05-01T10:00:00Z"}]`)

	p, err := s.FetchProfile(t.Context(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "user-1", p.ID)
	assert.Equal(t, "Avery", p.UserName)
	assert.Equal(t, tier.Premium, p.Tier)
	assert.Empty(t, p.StripeCustomerID)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), p.UpdatedAt.UTC())

	req := g.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, []string{"1"}, req.Query["limit"])
	assert.Empty(t, req.Header.Get("Prefer"))
}

func TestSupabaseFetchProfileAbsentAndUnknownTier(t *testing.T) {
	s, _ := newTestSupabase(t, http.StatusOK, `[]`)
	p, err := s.FetchProfile(t.Context(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, p)

	s, _ = newTestSupabase(t, http.StatusOK, `[{"id":"u","subscription_tier":null,"updated_at":"2026-05-01T10:00:00Z"}]`)
	p, err = s.FetchProfile(t.Context(), "u")
	require.NoError(t, err)
	assert.Equal(t, tier.Free, p.Tier)
}
