// Package reconcile merges task-update events from the external host into
// durable task and artifact state and broadcasts the resulting canonical
// snapshot. Events may arrive out of order or duplicated; reconciliation is
// an idempotent upsert keyed on the host-assigned task ID.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
)

var (
	// ErrInvalidEvent marks a malformed top-level event: nothing was stored
	// and nothing was broadcast.
	ErrInvalidEvent = errors.New("invalid task event")

	// ErrStore marks a persistence failure. The caller must retry the whole
	// reconciliation; no broadcast happened.
	ErrStore = errors.New("store failure")
)

// Event is one inbound task update from the host. ID, ContextID, and Status
// are mandatory.
type Event struct {
	ID           string           `json:"id"`
	ContextID    string           `json:"contextId"`
	Status       string           `json:"status"`
	StateDetails any              `json:"state_details,omitempty"`
	Artifacts    []ArtifactUpdate `json:"artifacts,omitempty"`
}

// ArtifactUpdate replaces one artifact slot wholesale. Entries missing the
// ref or content are skipped with a warning, never failing the whole event.
type ArtifactUpdate struct {
	ArtifactID string `json:"artifactId"`
	Content    any    `json:"content"`
}

// eventSchema validates the top-level shape of an inbound event. Artifact
// entries are deliberately loose: per-entry problems degrade to a skip.
const eventSchema = `{
	"type": "object",
	"required": ["id", "contextId", "status"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"contextId": {"type": "string", "minLength": 1},
		"status": {"type": "string", "minLength": 1},
		"state_details": {},
		"artifacts": {"type": "array", "items": {"type": "object"}}
	}
}`

// Reconciler applies host task events to the store and publishes the
// canonical snapshot for each successful reconciliation.
type Reconciler struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	schema  *jsonschema.Schema
}

// Config holds the reconciler's dependencies. Metrics may be nil.
type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// New compiles the event schema and returns a ready Reconciler.
func New(cfg Config) (*Reconciler, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(eventSchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task_event.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("task_event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: cfg.Metrics,
		schema:  schema,
	}, nil
}

// ReconcileRaw validates a raw JSON webhook body against the event schema
// and applies it. Schema violations return ErrInvalidEvent with detail.
func (r *Reconciler) ReconcileRaw(ctx context.Context, raw []byte) (persistence.TaskSnapshot, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		r.countInvalid(ctx)
		return persistence.TaskSnapshot{}, fmt.Errorf("%w: body is not JSON: %v", ErrInvalidEvent, err)
	}
	if err := r.schema.Validate(doc); err != nil {
		r.countInvalid(ctx)
		return persistence.TaskSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		r.countInvalid(ctx)
		return persistence.TaskSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return r.Reconcile(ctx, ev)
}

// Reconcile merges one event into stored task state and returns the
// canonical snapshot that was broadcast.
//
// The event's contextId overwrites any stored conversation_id without
// validation: the host assigns task identity and is trusted as
// authoritative, even when that "moves" a task between conversations.
// Concurrent events for the same task carry no sequencing token; the last
// store write to complete wins.
func (r *Reconciler) Reconcile(ctx context.Context, ev Event) (persistence.TaskSnapshot, error) {
	if ev.ID == "" || ev.ContextID == "" || ev.Status == "" {
		r.countInvalid(ctx)
		return persistence.TaskSnapshot{}, fmt.Errorf("%w: id, contextId, and status are required", ErrInvalidEvent)
	}

	// Absent state details still leave a minimal audit string.
	details := ev.StateDetails
	if details == nil {
		details = ev.Status
	}

	now := time.Now().UTC()
	existing, err := r.store.GetTask(ctx, ev.ID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		task := persistence.Task{
			ID:             ev.ID,
			ConversationID: ev.ContextID,
			Status:         ev.Status,
			StateDetails:   details,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := r.store.InsertTask(ctx, task); err != nil {
			return persistence.TaskSnapshot{}, r.storeErr(ctx, "insert task", err)
		}
	case err != nil:
		return persistence.TaskSnapshot{}, r.storeErr(ctx, "get task", err)
	default:
		// updated_at must strictly increase even under clock granularity.
		if !now.After(existing.UpdatedAt) {
			now = existing.UpdatedAt.Add(time.Microsecond)
		}
		task := persistence.Task{
			ID:             ev.ID,
			ConversationID: ev.ContextID,
			Status:         ev.Status,
			StateDetails:   details,
			UpdatedAt:      now,
		}
		if err := r.store.UpdateTask(ctx, task); err != nil {
			return persistence.TaskSnapshot{}, r.storeErr(ctx, "update task", err)
		}
	}

	for _, a := range ev.Artifacts {
		if a.ArtifactID == "" || a.Content == nil {
			r.logger.Warn("skipping malformed artifact entry",
				"task_id", ev.ID, "artifact_ref", a.ArtifactID)
			if r.metrics != nil {
				r.metrics.ArtifactsSkipped.Add(ctx, 1)
			}
			continue
		}
		if err := r.store.UpsertArtifact(ctx, ev.ID, a.ArtifactID, a.Content); err != nil {
			return persistence.TaskSnapshot{}, r.storeErr(ctx, "upsert artifact", err)
		}
	}

	snapshot, err := r.store.Snapshot(ctx, ev.ID)
	if err != nil {
		return persistence.TaskSnapshot{}, r.storeErr(ctx, "hydrate snapshot", err)
	}

	if r.metrics != nil {
		r.metrics.ReconcilesTotal.Add(ctx, 1)
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicTaskUpdated, snapshot)
		if r.metrics != nil {
			r.metrics.EventsPublished.Add(ctx, 1)
		}
	}
	r.logger.Debug("task reconciled",
		"task_id", ev.ID, "status", ev.Status, "artifacts", len(snapshot.Artifacts))
	return snapshot, nil
}

func (r *Reconciler) storeErr(ctx context.Context, op string, err error) error {
	if r.metrics != nil {
		r.metrics.StoreErrors.Add(ctx, 1)
	}
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

func (r *Reconciler) countInvalid(ctx context.Context) {
	if r.metrics != nil {
		r.metrics.InvalidEvents.Add(ctx, 1)
	}
}
