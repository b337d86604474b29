package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/frostdev-ops/pma-hub/internal/database/models"
	"github.com/frostdev-ops/pma-hub/internal/database/repositories"
	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/jmoiron/sqlx"
)

const upsertState = `
	INSERT INTO states (entity_id, domain, state, attributes, last_changed, last_updated)
	VALUES (:entity_id, :domain, :state, :attributes, :last_changed, :last_updated)
	ON CONFLICT(entity_id) DO UPDATE SET
		domain = excluded.domain,
		state = excluded.state,
		attributes = excluded.attributes,
		last_changed = excluded.last_changed,
		last_updated = excluded.last_updated`

// StateRepository implements repositories.StateRepository
type StateRepository struct {
	db *sqlx.DB
}

// NewStateRepository creates a new StateRepository
func NewStateRepository(db *sqlx.DB) repositories.StateRepository {
	return &StateRepository{db: db}
}

// Get retrieves one stored state
func (r *StateRepository) Get(ctx context.Context, entityID string) (*models.StoredState, error) {
	var s models.StoredState
	err := r.db.GetContext(ctx, &s, `
		SELECT entity_id, domain, state, attributes, last_changed, last_updated
		FROM states WHERE entity_id = ?`, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.WithDetails(apperrors.ErrNotFound, "state not found: "+entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	return &s, nil
}

// GetAll retrieves every stored state ordered by entity id
func (r *StateRepository) GetAll(ctx context.Context) ([]*models.StoredState, error) {
	var out []*models.StoredState
	err := r.db.SelectContext(ctx, &out, `
		SELECT entity_id, domain, state, attributes, last_changed, last_updated
		FROM states ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get states: %w", err)
	}
	return out, nil
}

// Save upserts states and deletes removed
func (r *StateRepository) Save(ctx context.Context, states []*models.StoredState, removed []string) error {
	if len(states) == 0 && len(removed) == 0 {
		return nil
	}
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := upsertAll(ctx, tx, states); err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		query, args, err := sqlx.In(`DELETE FROM states WHERE entity_id IN (?)`, removed)
		if err != nil {
			return fmt.Errorf("failed to build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete states: %w", err)
		}
		return nil
	})
}

// Replace drops every stored state and stores states instead
func (r *StateRepository) Replace(ctx context.Context, states []*models.StoredState) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM states`); err != nil {
			return fmt.Errorf("failed to clear states: %w", err)
		}
		return upsertAll(ctx, tx, states)
	})
}

// Count returns the number of stored states
func (r *StateRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM states`); err != nil {
		return 0, fmt.Errorf("failed to count states: %w", err)
	}
	return n, nil
}

func (r *StateRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func upsertAll(ctx context.Context, tx *sqlx.Tx, states []*models.StoredState) error {
	if len(states) == 0 {
		return nil
	}
	stmt, err := tx.PrepareNamedContext(ctx, upsertState)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range states {
		if _, err := stmt.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to save state %s: %w", s.EntityID, err)
		}
	}
	return nil
}
