// Package store persists tenants, plans, the deployment configuration and
// usage samples in the control-plane Postgres database.
package store

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
)

const uniqueViolation = "23505"

var constraintFields = map[string]string{
	"tenants_handle_key":            "handle",
	"tenants_port_key":              "port",
	"tenants_database_name_key":     "database_name",
	"plans_name_key":                "name",
	"deployment_configs_active_key": "is_active",
}

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// mapError turns driver errors into the shared taxonomy. Unique violations
// become conflicts on the field the constraint guards.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound(op, "record not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		field, ok := constraintFields[pgErr.ConstraintName]
		if !ok {
			field = pgErr.ConstraintName
		}
		return apperrors.Conflict(field, err)
	}
	return errors.Wrap(err, op)
}

func nullInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
