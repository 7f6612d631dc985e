package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore reads connections from the provider_connection table. Rows are
// provisioned out of band by the configuration subsystem; the engine loads
// them once at startup and only writes back health transitions.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const connColumns = `id, provider, base_url, encrypted_credentials,
	rate_limit_rps, rate_limit_burst, capabilities, healthy, last_health_check, created_at`

func (s *PGStore) List(ctx context.Context) ([]*Connection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+connColumns+` FROM provider_connection ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		var c Connection
		err := rows.Scan(&c.ID, &c.Provider, &c.BaseURL, &c.EncryptedCredentials,
			&c.RateLimitRPS, &c.RateLimitBurst, &c.Capabilities,
			&c.Healthy, &c.LastHealthCheck, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SetHealth persists the outcome of a health probe.
func (s *PGStore) SetHealth(ctx context.Context, id uuid.UUID, healthy bool, at time.Time) error {
	res, err := s.pool.Exec(ctx,
		`UPDATE provider_connection SET healthy = $2, last_health_check = $3 WHERE id = $1`,
		id, healthy, at.UTC())
	if err != nil {
		return fmt.Errorf("set connection health: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrUnknownConnection
	}
	return nil
}
