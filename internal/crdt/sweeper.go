package crdt

import (
	"context"
	"encoding/json"
	"time"
)

type recordRef struct {
	model string
	id    string
}

// Sweep deletes every collectable record whose TTL has elapsed, cascading
// to belongs_to children left without a surviving parent and purging
// attachments referenced by deleted records. Relation cycles are resolved
// with a visited set: the candidate subtree is gathered first, then any
// candidate still anchored to a parent outside the doomed set is kept.
// Returns the number of records removed.
func (e *Engine) Sweep(ctx context.Context, purger AttachmentPurger, now int64) (int, error) {
	candidates := make(map[recordRef]*Record)
	roots := make(map[recordRef]bool)
	var order []recordRef

	var gather func(model string, rec *Record) error
	gather = func(model string, rec *Record) error {
		key := recordRef{model, rec.ID}
		if _, seen := candidates[key]; seen {
			return nil
		}
		candidates[key] = rec
		order = append(order, key)

		for _, rel := range e.registry[model].HasMany {
			children, err := e.List(ctx, rel.Model)
			if err != nil {
				return err
			}
			for i := range children {
				child := &children[i]
				if fieldString(child.Fields, rel.Field) != rec.ID {
					continue
				}
				if err := gather(rel.Model, child); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for name, desc := range e.registry {
		if !desc.Collectable || desc.TTL <= 0 {
			continue
		}
		records, err := e.List(ctx, name)
		if err != nil {
			return 0, err
		}
		for i := range records {
			r := &records[i]
			base := r.CreatedAt
			if desc.TTLTrigger == TriggerLastUpdate {
				base = r.UpdatedAt
			}
			if base+desc.TTL.Milliseconds() > now {
				continue
			}
			roots[recordRef{name, r.ID}] = true
			if err := gather(name, r); err != nil {
				return 0, err
			}
		}
	}

	// A candidate survives when some parent outside the doomed set still
	// lists it, directly or through another survivor. Expired roots are
	// removed unconditionally.
	kept := make(map[recordRef]bool)
	for changed := true; changed; {
		changed = false
		for key, rec := range candidates {
			if kept[key] || roots[key] {
				continue
			}
			anchored, err := e.hasSurvivingParent(ctx, key, rec, candidates, kept)
			if err != nil {
				return 0, err
			}
			if anchored {
				kept[key] = true
				changed = true
			}
		}
	}

	removed := 0
	for _, key := range order {
		if kept[key] {
			continue
		}
		if err := e.delete(ctx, key.model, key.id); err != nil {
			return removed, err
		}
		removed++

		if purger != nil {
			if mediaURL := fieldString(candidates[key].Fields, "mediaUrl"); mediaURL != "" {
				if err := purger.Delete(ctx, mediaURL); err != nil {
					e.logger.Printf("Warning: failed to purge attachment %s: %v", mediaURL, err)
				}
			}
		}
	}
	return removed, nil
}

func (e *Engine) hasSurvivingParent(ctx context.Context, key recordRef, rec *Record, candidates map[recordRef]*Record, kept map[recordRef]bool) (bool, error) {
	for _, rel := range e.registry[key.model].BelongsTo {
		parentID := fieldString(rec.Fields, rel.Field)
		if parentID == "" {
			continue
		}
		parentRef := recordRef{rel.Model, parentID}
		if _, doomed := candidates[parentRef]; doomed {
			if kept[parentRef] {
				return true, nil
			}
			continue
		}
		parent, err := e.Get(ctx, rel.Model, parentID)
		if err != nil {
			return false, err
		}
		if parent != nil {
			return true, nil
		}
	}
	return false, nil
}

func fieldString(fields json.RawMessage, name string) string {
	var m map[string]any
	if err := json.Unmarshal(fields, &m); err != nil {
		return ""
	}
	s, _ := m[name].(string)
	return s
}

// RunSweeper runs the TTL cleanup periodically until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, purger AttachmentPurger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := e.Sweep(ctx, purger, time.Now().UnixMilli())
			if err != nil {
				e.logger.Printf("Sweep failed: %v", err)
			} else if removed > 0 {
				e.logger.Printf("Sweep removed %d expired records", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}
