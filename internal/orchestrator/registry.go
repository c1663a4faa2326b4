package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/danmuck/zonectl/internal/alarm"
	"github.com/danmuck/zonectl/internal/zone"
)

var idPattern = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)

// ActionDefinition declares an action pinned to one zone kind.
type ActionDefinition[S, I, O any] struct {
	ID string
	// Zone is the kind that executes the action. Calls from any other zone
	// are routed to it.
	Zone zone.Kind
	// Concurrency caps simultaneous executions. Zero is unbounded.
	Concurrency int
	Execute     func(ctx context.Context, ec ExecContext[S], input I) (O, error)
}

// Handle is the typed reference returned by RegisterAction.
type Handle[I, O any] struct {
	id   string
	zone zone.Kind
}

func (h Handle[I, O]) ID() string {
	return h.id
}

func (h Handle[I, O]) Zone() zone.Kind {
	return h.zone
}

// ActionInfo describes one registered action.
type ActionInfo struct {
	ID          string    `json:"id"`
	Zone        zone.Kind `json:"zone"`
	Concurrency int       `json:"concurrency"`
}

type action[S any] struct {
	info   ActionInfo
	invoke func(ctx context.Context, ec ExecContext[S], payload []byte) ([]byte, error)
}

// AlarmDefinition is an alarm whose handler receives the background
// orchestrator.
type AlarmDefinition[S any] = alarm.Definition[*Orchestrator[S]]

// Registry is the ordered set of actions and alarms every zone boots with.
// It is sealed by the first Start.
type Registry[S any] struct {
	mu             sync.RWMutex
	actions        map[string]*action[S]
	order          []string
	alarms         []AlarmDefinition[S]
	alarmNames     map[string]struct{}
	minAlarmPeriod time.Duration
	sealed         bool
}

func NewRegistry[S any]() *Registry[S] {
	return &Registry[S]{
		actions:        make(map[string]*action[S]),
		alarmNames:     make(map[string]struct{}),
		minAlarmPeriod: alarm.DefaultMinPeriod,
	}
}

// SetMinAlarmPeriod lowers or raises the alarm period floor.
func (r *Registry[S]) SetMinAlarmPeriod(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minAlarmPeriod = d
}

// RegisterAction adds def to r and returns its handle.
func RegisterAction[S, I, O any](r *Registry[S], def ActionDefinition[S, I, O]) (Handle[I, O], error) {
	if !idPattern.MatchString(def.ID) {
		return Handle[I, O]{}, fmt.Errorf("%w: invalid id %q", ErrInvalidAction, def.ID)
	}
	if !def.Zone.Valid() {
		return Handle[I, O]{}, fmt.Errorf("%w: %s unknown zone %q", ErrInvalidAction, def.ID, def.Zone)
	}
	if def.Concurrency < 0 {
		return Handle[I, O]{}, fmt.Errorf("%w: %s negative concurrency %d", ErrInvalidAction, def.ID, def.Concurrency)
	}
	if def.Execute == nil {
		return Handle[I, O]{}, fmt.Errorf("%w: %s missing execute", ErrInvalidAction, def.ID)
	}

	execute := def.Execute
	a := &action[S]{
		info: ActionInfo{ID: def.ID, Zone: def.Zone, Concurrency: def.Concurrency},
		invoke: func(ctx context.Context, ec ExecContext[S], payload []byte) ([]byte, error) {
			var input I
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &input); err != nil {
					return nil, fmt.Errorf("decode input: %w", err)
				}
			}
			out, err := execute(ctx, ec, input)
			if err != nil {
				return nil, err
			}
			encoded, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("encode output: %w", err)
			}
			return encoded, nil
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return Handle[I, O]{}, fmt.Errorf("%w: action %s", ErrRegistrySealed, def.ID)
	}
	if _, exists := r.actions[def.ID]; exists {
		return Handle[I, O]{}, fmt.Errorf("%w: %s", ErrDuplicateAction, def.ID)
	}
	r.actions[def.ID] = a
	r.order = append(r.order, def.ID)
	return Handle[I, O]{id: def.ID, zone: def.Zone}, nil
}

// RegisterAlarm adds a periodic background task.
func (r *Registry[S]) RegisterAlarm(def AlarmDefinition[S]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: alarm %s", ErrRegistrySealed, def.Name)
	}
	if err := def.Validate(r.minAlarmPeriod); err != nil {
		return err
	}
	if _, exists := r.alarmNames[def.Name]; exists {
		return fmt.Errorf("%w: %s", alarm.ErrDuplicateAlarm, def.Name)
	}
	r.alarmNames[def.Name] = struct{}{}
	r.alarms = append(r.alarms, def)
	return nil
}

// Actions lists registered actions in registration order.
func (r *Registry[S]) Actions() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActionInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.actions[id].info)
	}
	return out
}

func (r *Registry[S]) Alarms() []AlarmDefinition[S] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AlarmDefinition[S], len(r.alarms))
	copy(out, r.alarms)
	return out
}

func (r *Registry[S]) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

func (r *Registry[S]) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry[S]) lookup(id string) (*action[S], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[id]
	return a, ok
}
