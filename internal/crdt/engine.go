package crdt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/rhelsing/obscura/internal/metrics"
	"github.com/rhelsing/obscura/internal/wire"
)

// Record is one stored model record.
type Record struct {
	Model          string          `json:"model"`
	ID             string          `json:"id"`
	Fields         json.RawMessage `json:"fields"`
	Timestamp      int64           `json:"timestamp"`
	AuthorDeviceID string          `json:"authorDeviceId"`
	CreatedAt      int64           `json:"createdAt"`
	UpdatedAt      int64           `json:"updatedAt"`
}

// ChangeListener observes applied record changes. model identifies which
// store changed; deleted marks TTL eviction.
type ChangeListener func(model, recordID string, deleted bool)

// AttachmentPurger removes cached attachment plaintext during cascade.
type AttachmentPurger interface {
	Delete(ctx context.Context, attachmentID string) error
}

// Engine is the generic sync engine: one sqlite-backed store driven by the
// model-descriptor table.
type Engine struct {
	db        *sql.DB
	namespace string
	registry  Registry
	logger    *log.Logger

	onChange ChangeListener
}

// Open creates the schema and returns the engine.
func Open(ctx context.Context, db *sql.DB, namespace string, registry Registry) (*Engine, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS crdt_records (
			namespace TEXT NOT NULL,
			model TEXT NOT NULL,
			record_id TEXT NOT NULL,
			fields TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			author_device_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, model, record_id)
		);
		CREATE INDEX IF NOT EXISTS idx_crdt_records_model
			ON crdt_records (namespace, model);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create crdt schema: %w", err)
	}
	return &Engine{
		db:        db,
		namespace: namespace,
		registry:  registry,
		logger:    log.New(os.Stdout, "[CRDT] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// SetChangeListener installs the change listener, replacing any previous
// one.
func (e *Engine) SetChangeListener(l ChangeListener) {
	e.onChange = l
}

// Registry returns the descriptor table.
func (e *Engine) Registry() Registry {
	return e.registry
}

// Descriptor returns the descriptor for a model.
func (e *Engine) Descriptor(model string) (Descriptor, bool) {
	d, ok := e.registry[model]
	return d, ok
}

func (e *Engine) emit(model, recordID string, deleted bool) {
	if e.onChange != nil {
		e.onChange(model, recordID, deleted)
	}
}

// Apply merges one replicated record change under the model's declared
// strategy, reporting whether the local store changed.
func (e *Engine) Apply(ctx context.Context, sync *wire.ModelSync, now int64) (bool, error) {
	desc, ok := e.registry[sync.Model]
	if !ok {
		return false, fmt.Errorf("unknown model %q", sync.Model)
	}

	existing, err := e.Get(ctx, sync.Model, sync.RecordID)
	if err != nil {
		return false, err
	}

	switch desc.Sync {
	case GSet:
		if existing != nil {
			metrics.ModelRecordsApplied.WithLabelValues(sync.Model, "superseded").Inc()
			return false, nil
		}
	case LWW:
		if existing != nil && !wins(sync.Timestamp, sync.AuthorDeviceID, existing.Timestamp, existing.AuthorDeviceID) {
			metrics.ModelRecordsApplied.WithLabelValues(sync.Model, "superseded").Inc()
			return false, nil
		}
	}

	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO crdt_records
			(namespace, model, record_id, fields, timestamp, author_device_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, model, record_id) DO UPDATE SET
			fields = excluded.fields,
			timestamp = excluded.timestamp,
			author_device_id = excluded.author_device_id,
			updated_at = excluded.updated_at`,
		e.namespace, sync.Model, sync.RecordID, string(sync.Record),
		sync.Timestamp, sync.AuthorDeviceID, createdAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to apply %s/%s: %w", sync.Model, sync.RecordID, err)
	}

	metrics.ModelRecordsApplied.WithLabelValues(sync.Model, "applied").Inc()
	e.emit(sync.Model, sync.RecordID, false)
	return true, nil
}

// wins implements the LWW order: lexicographic (timestamp desc,
// authorDeviceId desc).
func wins(ts int64, author string, otherTS int64, otherAuthor string) bool {
	if ts != otherTS {
		return ts > otherTS
	}
	return author > otherAuthor
}

// Put stores a local write and returns the ModelSync to fan out.
func (e *Engine) Put(ctx context.Context, model, recordID string, fields any, authorDeviceID string, now int64) (*wire.ModelSync, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	sync := &wire.ModelSync{
		Model:          model,
		RecordID:       recordID,
		Record:         raw,
		Timestamp:      now,
		AuthorDeviceID: authorDeviceID,
	}
	if _, err := e.Apply(ctx, sync, now); err != nil {
		return nil, err
	}
	return sync, nil
}

// Get returns one record, or nil when absent.
func (e *Engine) Get(ctx context.Context, model, recordID string) (*Record, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT model, record_id, fields, timestamp, author_device_id, created_at, updated_at
		FROM crdt_records WHERE namespace = ? AND model = ? AND record_id = ?`,
		e.namespace, model, recordID)

	var r Record
	var fields string
	err := row.Scan(&r.Model, &r.ID, &fields, &r.Timestamp, &r.AuthorDeviceID, &r.CreatedAt, &r.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	r.Fields = json.RawMessage(fields)
	return &r, nil
}

// List returns every record of one model.
func (e *Engine) List(ctx context.Context, model string) ([]Record, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT model, record_id, fields, timestamp, author_device_id, created_at, updated_at
		FROM crdt_records WHERE namespace = ? AND model = ?
		ORDER BY created_at ASC`,
		e.namespace, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var fields string
		if err := rows.Scan(&r.Model, &r.ID, &fields, &r.Timestamp, &r.AuthorDeviceID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Fields = json.RawMessage(fields)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAll returns every stored record, for the sync blob. When privateOnly
// is set, only private models are included.
func (e *Engine) ListAll(ctx context.Context, privateOnly bool) ([]Record, error) {
	var out []Record
	for name, desc := range e.registry {
		if privateOnly && !desc.Private {
			continue
		}
		records, err := e.List(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// delete removes one record and emits the deletion.
func (e *Engine) delete(ctx context.Context, model, recordID string) error {
	_, err := e.db.ExecContext(ctx, `
		DELETE FROM crdt_records WHERE namespace = ? AND model = ? AND record_id = ?`,
		e.namespace, model, recordID)
	if err != nil {
		return err
	}
	metrics.RecordsCollected.WithLabelValues(model).Inc()
	e.emit(model, recordID, true)
	return nil
}

// ClearAll purges the namespace. Only the unlink path calls this.
func (e *Engine) ClearAll(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx,
		`DELETE FROM crdt_records WHERE namespace = ?`, e.namespace)
	return err
}
