package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
)

const postgresName = "postgres"

// Postgres writes to the profiles table over a direct connection.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects with lib/pq.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) WriteTier(ctx context.Context, identity string, t tier.Tier) error {
	const op = "write_tier"
	if identity == "" {
		return serrors.WrapProfile(op, postgresName, serrors.ErrNoIdentity)
	}
	if !t.Valid() {
		return serrors.WrapProfile(op, postgresName, tier.ErrUnknownTier)
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE profiles SET subscription_tier = $1, updated_at = $2 WHERE id = $3`,
		string(t), p.now().UTC(), identity)
	if err != nil {
		return serrors.WrapProfile(op, postgresName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return serrors.WrapProfile(op, postgresName, err)
	}
	if n == 0 {
		return serrors.New(serrors.KindNotFound, op, postgresName, fmt.Errorf("profile %s: %w", identity, serrors.ErrNotFound))
	}
	return nil
}

func (p *Postgres) FetchProfile(ctx context.Context, identity string) (*Profile, error) {
	const op = "fetch_profile"
	row := p.db.QueryRowContext(ctx,
		`SELECT id, username, subscription_tier, updated_at FROM profiles WHERE id = $1`, identity)

	var (
		prof      Profile
		userName  sql.NullString
		tierValue sql.NullString
		updatedAt sql.NullTime
	)
	if err := row.Scan(&prof.ID, &userName, &tierValue, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, serrors.WrapProfile(op, postgresName, err)
	}
	prof.UserName = userName.String
	prof.Tier = tier.Free
	if t, err := tier.ParseTier(tierValue.String); err == nil {
		prof.Tier = t
	}
	if updatedAt.Valid {
		prof.UpdatedAt = updatedAt.Time
	}
	return &prof, nil
}
