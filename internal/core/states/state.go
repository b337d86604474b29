package states

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// Sentinel state values.
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
	StateOn          = "on"
	StateOff         = "off"
)

// MaxStateLength is the longest state string the machine accepts.
const MaxStateLength = 255

var entityIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:_[a-z0-9]+)*\.[a-z0-9]+(?:_[a-z0-9]+)*$`)

// ValidEntityID reports whether id has the form <domain>.<object_id>.
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// SplitEntityID splits an entity id into domain and object id.
func SplitEntityID(id string) (domain, objectID string) {
	domain, objectID, _ = strings.Cut(id, ".")
	return domain, objectID
}

// State is an immutable snapshot of one entity. Never modify a State or its
// Attributes after it has been handed out by the Machine.
type State struct {
	EntityID    string                 `json:"entity_id" db:"entity_id"`
	State       string                 `json:"state" db:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed" db:"last_changed"`
	LastUpdated time.Time              `json:"last_updated" db:"last_updated"`
}

// Domain returns the part of the entity id before the dot.
func (s *State) Domain() string {
	d, _ := SplitEntityID(s.EntityID)
	return d
}

// ObjectID returns the part of the entity id after the dot.
func (s *State) ObjectID() string {
	_, o := SplitEntityID(s.EntityID)
	return o
}

// Name returns the friendly_name attribute, falling back to the object id.
func (s *State) Name() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return strings.ReplaceAll(s.ObjectID(), "_", " ")
}

// Attribute returns one attribute value.
func (s *State) Attribute(name string) (interface{}, bool) {
	v, ok := s.Attributes[name]
	return v, ok
}

func (s *State) String() string {
	return fmt.Sprintf("<state %s=%s>", s.EntityID, s.State)
}

// ChangedData is the payload of a state_changed event. OldState is nil when
// the entity was added and NewState is nil when it was removed.
type ChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// IsLifecycle reports whether the change added or removed the entity.
func (d ChangedData) IsLifecycle() bool {
	return d.OldState == nil || d.NewState == nil
}

func copyAttributes(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func sameAttributes(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}
