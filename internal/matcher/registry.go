package matcher

import (
	"encoding/json"
	"sync"

	"github.com/botflow-dev/botflow/pkg/schema"
)

// Trigger is the matchable unit owned by one event block: its pattern set and
// optional compound condition.
type Trigger struct {
	BlockID   string
	Patterns  []schema.Pattern
	Condition *schema.Condition
}

// CatchAll reports whether the trigger has nothing to match against, which
// makes it activate on any message as a fallback.
func (t *Trigger) CatchAll() bool {
	return len(t.Patterns) == 0 && t.Condition == nil
}

// Registry is the thread-safe trigger registry. Triggers are keyed by their
// owning event block and kept in registration order, which the runner uses as
// the tie-break when two triggers score the same confidence.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	triggers map[string]*Trigger
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		triggers: make(map[string]*Trigger),
	}
}

// Register upserts a trigger. A new block ID is appended to the registration
// order; re-registering an existing block replaces its patterns in place
// without changing its position.
func (r *Registry) Register(t Trigger) error {
	if t.BlockID == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger block id is empty")
	}
	for i := range t.Patterns {
		if err := validatePattern(&t.Patterns[i], t.BlockID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.triggers[t.BlockID]; !exists {
		r.order = append(r.order, t.BlockID)
	}
	r.triggers[t.BlockID] = &t
	return nil
}

// Remove deletes a trigger by block ID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(blockID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.triggers[blockID]; !exists {
		return
	}
	delete(r.triggers, blockID)
	for i, id := range r.order {
		if id == blockID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get retrieves a trigger by its owning block ID.
func (r *Registry) Get(blockID string) (*Trigger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.triggers[blockID]
	if !ok {
		return nil, false
	}
	c := *t
	return &c, true
}

// Triggers returns a snapshot of all triggers in registration order.
func (r *Registry) Triggers() []Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Trigger, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.triggers[id])
	}
	return out
}

// Len returns the number of registered triggers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// RebuildFromFlow resynchronizes the registry from a flow snapshot: all
// existing triggers are dropped and the flow's event blocks are registered in
// document order. The rebuild is all-or-nothing; a malformed event config
// leaves the previous registry contents untouched.
func (r *Registry) RebuildFromFlow(def *schema.FlowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}

	var order []string
	triggers := make(map[string]*Trigger)

	for i := range def.Blocks {
		b := &def.Blocks[i]
		if b.Kind != schema.BlockKindEvent {
			continue
		}
		if b.ID == "" {
			return schema.NewError(schema.ErrCodeStructural, "event block has empty id")
		}
		if _, dup := triggers[b.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeStructural, "duplicate event block id %q", b.ID).
				WithBlock(b.ID)
		}

		var cfg schema.EventConfig
		if len(b.Config) > 0 {
			if err := json.Unmarshal(b.Config, &cfg); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"invalid event config on block %q: %s", b.ID, err.Error()).
					WithBlock(b.ID).
					WithCause(err)
			}
		}

		t := &Trigger{BlockID: b.ID, Patterns: cfg.Patterns, Condition: cfg.Condition}
		for j := range t.Patterns {
			if t.Patterns[j].BlockID == "" {
				t.Patterns[j].BlockID = b.ID
			}
			if err := validatePattern(&t.Patterns[j], b.ID); err != nil {
				return err
			}
		}

		order = append(order, b.ID)
		triggers[b.ID] = t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = order
	r.triggers = triggers
	return nil
}

func validatePattern(p *schema.Pattern, blockID string) error {
	if p.Kind == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "pattern %q has no kind", p.ID).
			WithBlock(blockID)
	}
	if p.Weight < 0 || p.Weight > 1 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"pattern %q weight %.2f outside [0,1]", p.ID, p.Weight).
			WithBlock(blockID)
	}
	return nil
}
