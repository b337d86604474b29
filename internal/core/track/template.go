package track

import (
	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/frostdev-ops/pma-hub/internal/core/template"
)

// ConditionAction is called when a tracked condition becomes true. entityID
// and the states are empty when the change was not caused by a state change.
type ConditionAction func(entityID string, from, to *states.State)

// TrackCondition calls action each time the result of tpl goes from false
// to true. A condition that is already true when tracking starts does not
// fire until it turns false and back. Failed renders are ignored, and a
// recovery from a failed render to a true result fires.
func TrackCondition(h *hub.Hub, tpl *template.Template, vars map[string]interface{}, action ConditionAction, opts ...Option) (*Tracker, error) {
	listener := func(event *bus.Event, updates []ResultUpdate) {
		u := updates[len(updates)-1]
		if _, failed := u.Result.(*template.Error); failed {
			return
		}
		_, lastFailed := u.LastResult.(*template.Error)
		if (!lastFailed && template.ResultAsBoolean(u.LastResult)) || !template.ResultAsBoolean(u.Result) {
			return
		}

		var (
			entityID string
			from, to *states.State
		)
		if data, ok := changedData(event); ok {
			entityID, from, to = data.EntityID, data.OldState, data.NewState
		}
		action(entityID, from, to)
	}
	return TrackTemplateResult(h, []TrackTemplate{{Template: tpl, Variables: vars}}, listener, opts...)
}

// StateChange calls action for every state change of entityIDs until the
// returned subscription is cancelled.
func StateChange(h *hub.Hub, entityIDs []string, action func(data states.ChangedData)) *bus.Subscription {
	return h.TrackEntities(entityIDs, func(e bus.Event) {
		if data, ok := e.Data.(states.ChangedData); ok {
			action(data)
		}
	})
}
