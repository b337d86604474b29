package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StoredState is the persisted form of an entity state.
type StoredState struct {
	EntityID    string    `json:"entity_id" db:"entity_id"`
	Domain      string    `json:"domain" db:"domain"`
	State       string    `json:"state" db:"state"`
	Attributes  JSONMap   `json:"attributes" db:"attributes"`
	LastChanged time.Time `json:"last_changed" db:"last_changed"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// TemplateSensor is a stored template sensor definition.
type TemplateSensor struct {
	ID                   string    `json:"id" db:"id"`
	EntityID             string    `json:"entity_id" db:"entity_id"`
	Name                 string    `json:"name" db:"name"`
	StateTemplate        string    `json:"state" db:"state_template"`
	AvailabilityTemplate string    `json:"availability,omitempty" db:"availability_template"`
	AttributeTemplates   StringMap `json:"attributes,omitempty" db:"attribute_templates"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// JSONMap is stored as a JSON object in a TEXT column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src interface{}) error {
	out := JSONMap{}
	if err := scanJSON(src, (*map[string]interface{})(&out)); err != nil {
		return err
	}
	*m = out
	return nil
}

// StringMap is stored as a JSON object of strings in a TEXT column.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, fmt.Errorf("failed to encode map: %w", err)
	}
	return string(b), nil
}

func (m *StringMap) Scan(src interface{}) error {
	out := StringMap{}
	if err := scanJSON(src, (*map[string]string)(&out)); err != nil {
		return err
	}
	*m = out
	return nil
}

func scanJSON(src interface{}, dst interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
