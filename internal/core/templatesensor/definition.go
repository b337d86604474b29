package templatesensor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/frostdev-ops/pma-hub/internal/core/template"
	"github.com/frostdev-ops/pma-hub/internal/database/models"
	"gopkg.in/yaml.v3"
)

// Source tells where a definition came from.
type Source string

const (
	SourceConfig Source = "config"
	SourceFile   Source = "file"
	SourceAPI    Source = "api"
)

// Definition describes one template sensor.
type Definition struct {
	UniqueID     string            `json:"unique_id" yaml:"unique_id"`
	EntityID     string            `json:"entity_id,omitempty" yaml:"entity_id"`
	Name         string            `json:"name,omitempty" yaml:"name"`
	State        string            `json:"state" yaml:"state"`
	Availability string            `json:"availability,omitempty" yaml:"availability"`
	Attributes   map[string]string `json:"attributes,omitempty" yaml:"attributes"`
	Source       Source            `json:"source" yaml:"-"`
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// Normalize fills the entity id from the name or unique id and checks that
// every template compiles.
func (d *Definition) Normalize() error {
	if d.UniqueID == "" {
		return errors.New("unique_id is required")
	}
	if d.EntityID == "" {
		base := d.Name
		if base == "" {
			base = d.UniqueID
		}
		d.EntityID = "sensor." + slugify(base)
	}
	if !states.ValidEntityID(d.EntityID) {
		return fmt.Errorf("invalid entity_id %q", d.EntityID)
	}
	if strings.TrimSpace(d.State) == "" {
		return errors.New("state template is required")
	}

	check := func(field, src string) error {
		if err := template.New(src).EnsureValid(); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		return nil
	}
	if err := check("state", d.State); err != nil {
		return err
	}
	if d.Availability != "" {
		if err := check("availability", d.Availability); err != nil {
			return err
		}
	}
	for _, name := range d.attributeNames() {
		if err := check("attributes."+name, d.Attributes[name]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) attributeNames() []string {
	names := make([]string, 0, len(d.Attributes))
	for name := range d.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig converts a configured sensor.
func FromConfig(c config.TemplateSensorConfig) Definition {
	return Definition{
		UniqueID:     c.UniqueID,
		EntityID:     c.EntityID,
		Name:         c.Name,
		State:        c.State,
		Availability: c.Availability,
		Attributes:   c.Attributes,
		Source:       SourceConfig,
	}
}

// FromModel converts a stored sensor.
func FromModel(m *models.TemplateSensor) Definition {
	return Definition{
		UniqueID:     m.ID,
		EntityID:     m.EntityID,
		Name:         m.Name,
		State:        m.StateTemplate,
		Availability: m.AvailabilityTemplate,
		Attributes:   map[string]string(m.AttributeTemplates),
		Source:       SourceAPI,
	}
}

// Model converts the definition to its stored form.
func (d Definition) Model() *models.TemplateSensor {
	return &models.TemplateSensor{
		ID:                   d.UniqueID,
		EntityID:             d.EntityID,
		Name:                 d.Name,
		StateTemplate:        d.State,
		AvailabilityTemplate: d.Availability,
		AttributeTemplates:   models.StringMap(d.Attributes),
	}
}

type fileLayout struct {
	TemplateSensors []Definition `yaml:"template_sensors"`
}

// LoadFile reads definitions from a YAML file holding either a list of
// sensors or a mapping with a template_sensors key.
func LoadFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template sensors file: %w", err)
	}
	defs, err := Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Decode parses YAML definitions. Unknown keys are rejected.
func Decode(r io.Reader) ([]Definition, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var defs []Definition
	switch doc.Content[0].Kind {
	case yaml.SequenceNode:
		if err := dec.Decode(&defs); err != nil {
			return nil, fmt.Errorf("invalid template sensors: %w", err)
		}
	case yaml.MappingNode:
		var layout fileLayout
		if err := dec.Decode(&layout); err != nil {
			return nil, fmt.Errorf("invalid template sensors: %w", err)
		}
		defs = layout.TemplateSensors
	default:
		return nil, errors.New("expected a list of template sensors")
	}

	for i := range defs {
		defs[i].Source = SourceFile
	}
	return defs, nil
}
