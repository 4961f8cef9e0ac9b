// Package crdt applies replicated model changes under per-model merge
// strategies and evicts expired records with cascading cleanup.
package crdt

import "time"

// Strategy selects how concurrent writes to the same record merge.
type Strategy int

const (
	// GSet is a grow-only set: add wins, existing records are never
	// overwritten, deletes happen only via TTL.
	GSet Strategy = iota

	// LWW is last-writer-wins by (timestamp desc, authorDeviceId desc).
	LWW
)

// TTLTrigger selects the moment the TTL countdown starts from.
type TTLTrigger int

const (
	TriggerCreation TTLTrigger = iota
	TriggerLastUpdate
)

// Relation is one belongs_to / has_many edge. Field names the foreign-key
// field on the child record.
type Relation struct {
	Model string
	Field string
}

// Descriptor declares one model's sync behavior. The generic engine is
// driven entirely by this table.
type Descriptor struct {
	Name        string
	Sync        Strategy
	Collectable bool
	TTL         time.Duration
	TTLTrigger  TTLTrigger

	// Private models sync only to the account's own devices, never to
	// friends.
	Private bool

	// BelongsTo names this model's parents; HasMany names child models
	// whose records are cascade-deleted when no surviving parent
	// references them.
	BelongsTo []Relation
	HasMany   []Relation
}

// Registry is the model-descriptor table consumed by the engine.
type Registry map[string]Descriptor

// DefaultRegistry declares the application's models.
func DefaultRegistry() Registry {
	return Registry{
		"story": {
			Name:        "story",
			Sync:        GSet,
			Collectable: true,
			TTL:         24 * time.Hour,
			TTLTrigger:  TriggerCreation,
			HasMany:     []Relation{{Model: "comment", Field: "storyId"}},
		},
		"comment": {
			Name:        "comment",
			Sync:        GSet,
			Collectable: true,
			BelongsTo:   []Relation{{Model: "story", Field: "storyId"}, {Model: "comment", Field: "parentId"}},
			HasMany:     []Relation{{Model: "comment", Field: "parentId"}},
		},
		"profile": {
			Name: "profile",
			Sync: LWW,
		},
		"settings": {
			Name:    "settings",
			Sync:    LWW,
			Private: true,
		},
		"pix_registry": {
			Name:    "pix_registry",
			Sync:    GSet,
			Private: true,
		},
	}
}
