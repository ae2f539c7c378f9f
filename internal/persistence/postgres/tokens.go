package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/runpledge/internal/strava"
)

// Load retrieves the stored provider credential for a user, returning
// (nil, nil) when none exists.
func (r *Repository) Load(ctx context.Context, userID string) (*strava.Token, error) {
	const query = `SELECT access_token, refresh_token, expires_at FROM provider_tokens WHERE user_id = $1`

	row := r.pool.QueryRow(ctx, query, userID)
	var token strava.Token
	if err := row.Scan(&token.AccessToken, &token.RefreshToken, &token.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

// Save upserts the provider credential for a user. Called with refreshed
// token state before any fetch proceeds on it.
func (r *Repository) Save(ctx context.Context, userID string, token strava.Token) error {
	const stmt = `INSERT INTO provider_tokens (user_id, access_token, refresh_token, expires_at, updated_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (user_id) DO UPDATE
        SET access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            expires_at = EXCLUDED.expires_at,
            updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, stmt, userID, token.AccessToken, token.RefreshToken, token.ExpiresAt, time.Now().UTC())
	return err
}
