package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/database/models"
	"github.com/frostdev-ops/pma-hub/internal/database/repositories"
	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// TemplateSensorRepository implements repositories.TemplateSensorRepository
type TemplateSensorRepository struct {
	db *sqlx.DB
}

// NewTemplateSensorRepository creates a new TemplateSensorRepository
func NewTemplateSensorRepository(db *sqlx.DB) repositories.TemplateSensorRepository {
	return &TemplateSensorRepository{db: db}
}

// Create stores a new sensor. A duplicate id or entity id is a conflict.
func (r *TemplateSensorRepository) Create(ctx context.Context, sensor *models.TemplateSensor) error {
	now := time.Now().UTC()
	sensor.CreatedAt = now
	sensor.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO template_sensors
			(id, entity_id, name, state_template, availability_template, attribute_templates, created_at, updated_at)
		VALUES
			(:id, :entity_id, :name, :state_template, :availability_template, :attribute_templates, :created_at, :updated_at)`,
		sensor)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.WithDetails(apperrors.ErrConflict, "template sensor already exists: "+sensor.EntityID)
		}
		return fmt.Errorf("failed to create template sensor: %w", err)
	}
	return nil
}

// Get retrieves a sensor by id
func (r *TemplateSensorRepository) Get(ctx context.Context, id string) (*models.TemplateSensor, error) {
	var s models.TemplateSensor
	err := r.db.GetContext(ctx, &s, `SELECT * FROM template_sensors WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.WithDetails(apperrors.ErrNotFound, "template sensor not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template sensor: %w", err)
	}
	return &s, nil
}

// GetAll retrieves every sensor in creation order
func (r *TemplateSensorRepository) GetAll(ctx context.Context) ([]*models.TemplateSensor, error) {
	var out []*models.TemplateSensor
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM template_sensors ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("failed to get template sensors: %w", err)
	}
	return out, nil
}

// Update replaces the templates of an existing sensor
func (r *TemplateSensorRepository) Update(ctx context.Context, sensor *models.TemplateSensor) error {
	sensor.UpdatedAt = time.Now().UTC()
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE template_sensors SET
			entity_id = :entity_id,
			name = :name,
			state_template = :state_template,
			availability_template = :availability_template,
			attribute_templates = :attribute_templates,
			updated_at = :updated_at
		WHERE id = :id`, sensor)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.WithDetails(apperrors.ErrConflict, "entity id already used: "+sensor.EntityID)
		}
		return fmt.Errorf("failed to update template sensor: %w", err)
	}
	return expectRow(res, sensor.ID)
}

// Delete removes a sensor
func (r *TemplateSensorRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM template_sensors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template sensor: %w", err)
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperrors.WithDetails(apperrors.ErrNotFound, "template sensor not found: "+id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
