package track

import (
	"fmt"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/template"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// NoRateLimit disables rate limiting for a TrackTemplate, including the
// implicit limits of broad templates.
const NoRateLimit time.Duration = -1

// TrackTemplate is one template registered with a tracker. A zero RateLimit
// applies the implicit limit derived from what the template looks at.
type TrackTemplate struct {
	Template  *template.Template
	Variables map[string]interface{}
	RateLimit time.Duration
}

// ResultUpdate is one changed result delivered to a listener.
// LastResult and Result hold a *template.Error when the render failed.
type ResultUpdate struct {
	Template   *template.Template
	LastResult interface{}
	Result     interface{}
}

// Listener receives the changed results caused by one event. event is nil
// for refreshes, clock ticks and rate limit timers without a state change.
type Listener func(event *bus.Event, updates []ResultUpdate)

// Metrics receives tracker activity. The prometheus collector implements it.
type Metrics interface {
	ObserveRender(d time.Duration, failed bool)
	RateLimited()
	Delivered(updates int)
	TrackerStarted()
	TrackerStopped()
}

type nopMetrics struct{}

func (nopMetrics) ObserveRender(time.Duration, bool) {}
func (nopMetrics) RateLimited() {}
func (nopMetrics) Delivered(int) {}
func (nopMetrics) TrackerStarted() {}
func (nopMetrics) TrackerStopped() {}

type options struct {
	raise       bool
	strict      bool
	logger      *logrus.Logger
	metrics     Metrics
	limits      template.RateLimits
	location    *time.Location
	timePattern cron.Schedule
}

// Option configures TrackTemplateResult.
type Option func(*options)

// RaiseOnTemplateError makes registration fail when a template does not
// render on setup instead of delivering the error later.
func RaiseOnTemplateError() Option {
	return func(o *options) { o.raise = true }
}

// Strict renders with unknown names treated as errors.
func Strict() Option {
	return func(o *options) { o.strict = true }
}

// WithLogger sets the logger for render errors.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics reports renders and deliveries to m.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithDefaults overrides the implicit rate limits of broad templates.
func WithDefaults(limits template.RateLimits) Option {
	return func(o *options) { o.limits = limits }
}

// WithLocation sets the zone now() reports in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithTimePattern replaces the minute boundary used for templates that
// read the clock.
func WithTimePattern(s cron.Schedule) Option {
	return func(o *options) {
		if s != nil {
			o.timePattern = s
		}
	}
}

// Tracker re-renders a list of templates whenever something they looked at
// changes, and reports changed results to its listener once per event.
//
// All methods must run on the hub's loop, or while the loop is idle.
type Tracker struct {
	ID string

	hub       *hub.Hub
	templates []*TrackTemplate
	listener  Listener
	opts      options
	env       template.Env
	logger    *logrus.Entry

	info       map[*TrackTemplate]*template.RenderInfo
	lastResult map[*TrackTemplate]interface{}
	lastLogged map[*TrackTemplate]string

	rateLimit     *KeyedRateLimit[*TrackTemplate]
	filtered      *stateChangeFiltered
	timeListeners map[*TrackTemplate]*TimeListener

	lastSeq uint64
	renders int
	removed bool
}

// TrackTemplateResult renders every template once, installs the listeners
// the renders call for and returns the running tracker. The setup render
// sets each template's last result without calling listener.
func TrackTemplateResult(h *hub.Hub, templates []TrackTemplate, listener Listener, opts ...Option) (*Tracker, error) {
	o := options{
		logger:      h.Logger,
		metrics:     nopMetrics{},
		limits:      template.DefaultRateLimits(),
		timePattern: UTCMinuteBoundary,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}

	t := &Tracker{
		ID:            uuid.NewString(),
		hub:           h,
		listener:      listener,
		opts:          o,
		info:          make(map[*TrackTemplate]*template.RenderInfo, len(templates)),
		lastResult:    make(map[*TrackTemplate]interface{}, len(templates)),
		lastLogged:    make(map[*TrackTemplate]string),
		rateLimit:     NewKeyedRateLimit[*TrackTemplate](h.Loop),
		timeListeners: make(map[*TrackTemplate]*TimeListener),
	}
	t.env = template.Env{
		States:     h.States,
		Now:        h.Loop.Now,
		Location:   o.location,
		Strict:     o.strict,
		RateLimits: o.limits,
	}
	t.logger = o.logger.WithField("tracker_id", t.ID)

	for i := range templates {
		tt := templates[i]
		if tt.Template == nil {
			return nil, fmt.Errorf("template %d is nil", i)
		}
		if o.raise {
			if err := tt.Template.EnsureValid(); err != nil {
				return nil, fmt.Errorf("invalid template %q: %w", tt.Template.Source, err)
			}
		}
		t.templates = append(t.templates, &tt)
	}

	now := h.Loop.Now()
	for _, tt := range t.templates {
		info := t.render(tt)
		t.rateLimit.Triggered(tt, now)
		if info.Err != nil && o.raise {
			t.rateLimit.Remove()
			return nil, fmt.Errorf("error rendering template %q: %w", tt.Template.Source, info.Err)
		}
		t.lastResult[tt] = info.Value()
	}

	t.filtered = newStateChangeFiltered(h, t.scope(), t.onStateChanged)
	t.updateTimeListeners()
	o.metrics.TrackerStarted()
	return t, nil
}

// Refresh renders every template now, ignoring rate limits, and delivers
// the changes with a nil event.
func (t *Tracker) Refresh() {
	t.refresh(nil, nil, false)
}

// Remove stops tracking. Pending rate limit timers and clock listeners are
// cancelled. It is safe to call more than once and from the listener.
func (t *Tracker) Remove() {
	if t.removed {
		return
	}
	t.removed = true
	t.filtered.Cancel()
	t.rateLimit.Remove()
	for tt, tl := range t.timeListeners {
		tl.Cancel()
		delete(t.timeListeners, tt)
	}
	t.opts.metrics.TrackerStopped()
}

// Removed reports whether Remove was called.
func (t *Tracker) Removed() bool {
	return t.removed
}

// Listeners returns the scope of the listeners currently installed.
func (t *Tracker) Listeners() ListenerScope {
	scope := t.filtered.Scope()
	scope.Time = len(t.timeListeners) > 0
	return scope
}

// Results returns the last result of each template in registration order.
func (t *Tracker) Results() []interface{} {
	out := make([]interface{}, len(t.templates))
	for i, tt := range t.templates {
		out[i] = t.lastResult[tt]
	}
	return out
}

// RenderInfo returns the latest render of the i-th template.
func (t *Tracker) RenderInfo(i int) *template.RenderInfo {
	if i < 0 || i >= len(t.templates) {
		return nil
	}
	return t.info[t.templates[i]]
}

func (t *Tracker) onStateChanged(e bus.Event) {
	// The same event can arrive through an entity and a domain listener.
	if e.Seq != 0 && e.Seq == t.lastSeq {
		return
	}
	t.lastSeq = e.Seq
	t.refresh(&e, nil, false)
}

func (t *Tracker) refresh(event *bus.Event, only []*TrackTemplate, replayed bool) {
	if t.removed {
		return
	}
	now := t.hub.Loop.Now()
	if event != nil && !replayed {
		now = event.TimeFired
	}

	templates := only
	if templates == nil {
		templates = t.templates
	}

	var (
		updates     []ResultUpdate
		updated     []*TrackTemplate
		infoChanged bool
	)
	for _, tt := range templates {
		changed, update := t.renderIfReady(tt, now, event)
		if !changed {
			continue
		}
		infoChanged = true
		if update != nil {
			updates = append(updates, *update)
			updated = append(updated, tt)
		}
	}

	if infoChanged {
		t.filtered.Update(t.scope())
		t.updateTimeListeners()
	}
	if len(updates) == 0 {
		return
	}
	for i, tt := range updated {
		t.lastResult[tt] = updates[i].Result
	}
	t.opts.metrics.Delivered(len(updates))
	t.listener(event, updates)
}

// renderIfReady renders tt unless the event is irrelevant to it or the rate
// limit defers it. changed reports whether anything happened that may alter
// the listener scope; update is set when the result changed.
func (t *Tracker) renderIfReady(tt *TrackTemplate, now time.Time, event *bus.Event) (changed bool, update *ResultUpdate) {
	if event != nil {
		info := t.info[tt]
		if !triggersRerender(event, info) {
			return false, nil
		}
		hadTimer := t.rateLimit.HasTimer(tt)
		replay := *event
		if _, deferred := t.rateLimit.ScheduleAction(tt, t.rateLimitFor(event, info, tt), now, func() {
			t.refresh(&replay, []*TrackTemplate{tt}, true)
			if !t.removed {
				t.filtered.Update(t.scope())
			}
		}); deferred {
			t.opts.metrics.RateLimited()
			return !hadTimer, nil
		}
	}

	t.rateLimit.Triggered(tt, now)
	info := t.render(tt)
	result := info.Value()

	last := t.lastResult[tt]
	_, lastFailed := last.(*template.Error)
	if info.Err != nil && lastFailed {
		return true, nil
	}
	if template.ResultsEqual(result, last) {
		return true, nil
	}
	return true, &ResultUpdate{Template: tt.Template, LastResult: last, Result: result}
}

func (t *Tracker) render(tt *TrackTemplate) *template.RenderInfo {
	start := time.Now()
	info := tt.Template.RenderToInfo(&t.env, tt.Variables)
	t.renders++
	t.opts.metrics.ObserveRender(time.Since(start), info.Err != nil)
	t.info[tt] = info
	t.logRenderError(tt, info)
	return info
}

// logRenderError logs a failed render once until its message changes.
func (t *Tracker) logRenderError(tt *TrackTemplate, info *template.RenderInfo) {
	if info.Err == nil {
		delete(t.lastLogged, tt)
		return
	}
	if t.lastLogged[tt] == info.Err.Message {
		return
	}
	t.lastLogged[tt] = info.Err.Message
	t.logger.WithFields(logrus.Fields{
		"template":   tt.Template.Source,
		"error_type": string(info.Err.Kind),
		"line":       info.Err.Line,
	}).Error("Error while processing template: " + info.Err.Message)
}

func (t *Tracker) rateLimitFor(event *bus.Event, info *template.RenderInfo, tt *TrackTemplate) time.Duration {
	if data, ok := changedData(event); ok {
		if _, explicit := info.Entities[data.EntityID]; explicit {
			return 0
		}
	}
	switch {
	case tt.RateLimit == NoRateLimit:
		return 0
	case tt.RateLimit > 0:
		return tt.RateLimit
	}
	return info.RateLimit
}

// scope is the union of the latest renders. A template waiting on a rate
// limit timer only contributes its explicit entities.
func (t *Tracker) scope() ListenerScope {
	infos := make([]*template.RenderInfo, 0, len(t.templates))
	for _, tt := range t.templates {
		info := t.info[tt]
		if t.rateLimit.HasTimer(tt) {
			info = suppressBroad(info)
		}
		infos = append(infos, info)
	}
	return ScopeFor(infos)
}

func (t *Tracker) updateTimeListeners() {
	for _, tt := range t.templates {
		info := t.info[tt]
		tl, tracking := t.timeListeners[tt]
		switch {
		case tracking && !info.HasTime:
			tl.Cancel()
			delete(t.timeListeners, tt)
		case !tracking && info.HasTime:
			tt := tt
			t.timeListeners[tt] = TimeChange(t.hub.Loop, t.opts.timePattern, func(time.Time) {
				t.refresh(nil, []*TrackTemplate{tt}, false)
			})
		}
	}
}

func triggersRerender(event *bus.Event, info *template.RenderInfo) bool {
	data, ok := changedData(event)
	if !ok || info == nil {
		return false
	}
	if info.Filter(data.EntityID) {
		return true
	}
	if data.OldState != nil && data.NewState != nil {
		return false
	}
	return info.FilterLifecycle(data.EntityID)
}
