package repositories

import (
	"context"

	"github.com/frostdev-ops/pma-hub/internal/database/models"
)

// StateRepository persists entity states for restore on start-up.
type StateRepository interface {
	Get(ctx context.Context, entityID string) (*models.StoredState, error)
	GetAll(ctx context.Context) ([]*models.StoredState, error)
	// Save upserts the given states and deletes removed in one transaction.
	Save(ctx context.Context, states []*models.StoredState, removed []string) error
	// Replace drops every stored state and stores states instead.
	Replace(ctx context.Context, states []*models.StoredState) error
	Count(ctx context.Context) (int, error)
}

// TemplateSensorRepository persists template sensors created through the API.
type TemplateSensorRepository interface {
	Create(ctx context.Context, sensor *models.TemplateSensor) error
	Get(ctx context.Context, id string) (*models.TemplateSensor, error)
	GetAll(ctx context.Context) ([]*models.TemplateSensor, error)
	Update(ctx context.Context, sensor *models.TemplateSensor) error
	Delete(ctx context.Context, id string) error
}
