// Package trace provides types for jump-target discovery event collection.
package trace

import "time"

// Tag represents a discovery event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for discovery events.
const (
	Direct    Tag = "direct"    // statically known branch target
	Indirect  Tag = "indirect"  // routed through the dispatcher
	SumJump   Tag = "sum-jump"  // speculative pc += offset continuation
	Harvested Tag = "harvested" // word found in data that looks like code
	Split     Tag = "split"     // block carved out of an existing one
	Reliable  Tag = "reliable"  // discovered by a validated direct edge
	Abort     Tag = "abort"     // unresolvable transfer, abort emitted
	Pending   Tag = "pending"   // placeholder awaiting decode
	Round     Tag = "round"     // harvest round boundary
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Raw returns tags as strings without # prefix.
func (t Tags) Raw() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for discovery events.
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) {
	a[k] = v
}

// Get retrieves an annotation value.
func (a Annotations) Get(k string) string {
	return a[k]
}

// Has returns true if the annotation exists.
func (a Annotations) Has(k string) bool {
	_, ok := a[k]
	return ok
}

// Event represents a single discovered jump target or pass action.
type Event struct {
	PC          uint64      // target program counter
	Tags        Tags        // multiple hashtags, first is primary
	Block       string      // name of the materialized block
	Detail      string      // additional detail (e.g., "fallthrough=0x400c")
	Annotations Annotations // key-value metadata
	Timestamp   time.Time   // when the event occurred
}

// NewEvent creates a new discovery event with the given parameters.
func NewEvent(pc uint64, category Tag, block, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{category},
		Block:       block,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations.Set(k, v)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Sink receives discovery events as the manager produces them.
type Sink func(e *Event)
