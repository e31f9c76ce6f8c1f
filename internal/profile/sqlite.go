package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
)

const sqliteName = "sqlite"

// SQLite keeps profiles in a local database. It also records the Stripe
// customer linked to each identity, which the Stripe billing provider and
// webhook use for lookups.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) profiles.db in dir.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	dbPath := filepath.Join(dir, "profiles.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open profile db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id                 TEXT PRIMARY KEY,
		username           TEXT NOT NULL DEFAULT '',
		subscription_tier  TEXT NOT NULL DEFAULT 'free',
		stripe_customer_id TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_stripe_customer_id ON profiles(stripe_customer_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init profile schema: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WriteTier upserts: a missing local profile is created.
func (s *SQLite) WriteTier(ctx context.Context, identity string, t tier.Tier) error {
	const op = "write_tier"
	if identity == "" {
		return serrors.WrapProfile(op, sqliteName, serrors.ErrNoIdentity)
	}
	if !t.Valid() {
		return serrors.WrapProfile(op, sqliteName, tier.ErrUnknownTier)
	}
	now := s.now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, subscription_tier, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subscription_tier = excluded.subscription_tier,
			updated_at = excluded.updated_at`,
		identity, string(t), now, now)
	if err != nil {
		return serrors.WrapProfile(op, sqliteName, err)
	}
	return nil
}

func (s *SQLite) FetchProfile(ctx context.Context, identity string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, username, subscription_tier, stripe_customer_id, updated_at
		FROM profiles WHERE id = ?`, identity)
	return scanProfile(row)
}

// SetUserName upserts the display name.
func (s *SQLite) SetUserName(ctx context.Context, identity, name string) error {
	if identity == "" {
		return serrors.ErrNoIdentity
	}
	now := s.now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at`,
		identity, strings.TrimSpace(name), now, now)
	if err != nil {
		return fmt.Errorf("set username: %w", err)
	}
	return nil
}

// LinkStripeCustomer records which Stripe customer belongs to identity.
func (s *SQLite) LinkStripeCustomer(ctx context.Context, identity, customerID string) error {
	identity = strings.TrimSpace(identity)
	customerID = strings.TrimSpace(customerID)
	if identity == "" || customerID == "" {
		return fmt.Errorf("link stripe customer: %w", serrors.ErrInvalidInput)
	}
	now := s.now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, stripe_customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stripe_customer_id = excluded.stripe_customer_id,
			updated_at = excluded.updated_at`,
		identity, customerID, now, now)
	if err != nil {
		return fmt.Errorf("link stripe customer: %w", err)
	}
	return nil
}

// StripeCustomerID returns "" when no customer is linked.
func (s *SQLite) StripeCustomerID(ctx context.Context, identity string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT stripe_customer_id FROM profiles WHERE id = ?`, identity).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup stripe customer: %w", err)
	}
	return id, nil
}

// IdentityForCustomer is the reverse lookup used by the Stripe webhook.
func (s *SQLite) IdentityForCustomer(ctx context.Context, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", nil
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM profiles WHERE stripe_customer_id = ?`, customerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup identity for customer: %w", err)
	}
	return id, nil
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var (
		p         Profile
		tierValue string
		updatedAt int64
	)
	err := row.Scan(&p.ID, &p.UserName, &tierValue, &p.StripeCustomerID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, serrors.WrapProfile("fetch_profile", sqliteName, err)
	}
	p.Tier = tier.Free
	if t, err := tier.ParseTier(tierValue); err == nil {
		p.Tier = t
	}
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &p, nil
}
