package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

// ChangeEventApplier converts raw change notifications into record store
// mutations. Notifications are not guaranteed to carry the denormalized
// join fields, so inserts and updates are resolved with a point fetch
// against the querier before they touch the store; only deletes apply the
// notification directly.
//
// Handlers run in arrival order but each one awaits its own fetch, so two
// handlers can interleave. Correctness comes from the store's idempotent
// upserts, not from sequencing.
type ChangeEventApplier struct {
	store   *RecordStore
	querier Querier
	ready   func() bool
	logger  *slog.Logger
}

// NewChangeEventApplier wires an applier. The ready func gates event
// processing on the first successful full load; events that arrive earlier
// are ignored so a partial, unordered cache is never built before a
// baseline snapshot exists.
func NewChangeEventApplier(store *RecordStore, querier Querier, ready func() bool, logger *slog.Logger) *ChangeEventApplier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeEventApplier{store: store, querier: querier, ready: ready, logger: logger}
}

// Apply processes a single change notification. Failures are absorbed:
// a fetch error or a vanished row drops the event as superseded, on the
// grounds that either a later event or the next reconciliation will carry
// the current truth.
func (a *ChangeEventApplier) Apply(ctx context.Context, ev schema.ChangeEvent) {
	if !a.ready() {
		a.logger.Debug("change event before baseline, ignored",
			slog.String("collection", ev.Collection),
			slog.String("kind", string(ev.Kind)),
			slog.Int64("id", ev.ID))
		return
	}

	switch ev.Collection {
	case schema.CollectionScans:
		a.applyScan(ctx, ev)
	case schema.CollectionValidations:
		a.applyValidation(ctx, ev)
	case schema.CollectionProfiles:
		a.applyProfile(ev)
	default:
		a.logger.Warn("change event for unknown collection",
			slog.String("collection", ev.Collection))
	}
}

func (a *ChangeEventApplier) applyScan(ctx context.Context, ev schema.ChangeEvent) {
	if ev.Kind == schema.EventDelete {
		// Deletes carry only the identity; there is nothing left to fetch.
		a.store.RemoveScan(ev.ID)
		return
	}

	sc, err := a.querier.FetchScan(ctx, ev.ID)
	if err != nil {
		a.dropEvent(ev, err)
		return
	}
	a.store.UpsertScan(sc)
}

func (a *ChangeEventApplier) applyValidation(ctx context.Context, ev schema.ChangeEvent) {
	if ev.Kind == schema.EventDelete {
		a.store.RemoveValidation(ev.ID)
		return
	}

	rec, err := a.querier.FetchValidation(ctx, ev.ID)
	if err != nil {
		a.dropEvent(ev, err)
		return
	}
	// UpsertValidation also re-derives the parent scan's status from the
	// fetched record; the scan itself is not re-queried.
	a.store.UpsertValidation(rec)
}

func (a *ChangeEventApplier) applyProfile(ev schema.ChangeEvent) {
	switch ev.Kind {
	case schema.EventInsert:
		a.store.AdjustExpertCount(1)
	case schema.EventDelete:
		a.store.AdjustExpertCount(-1)
	default:
		// Profile updates do not move the count.
	}
}

func (a *ChangeEventApplier) dropEvent(ev schema.ChangeEvent, err error) {
	if errors.Is(err, ErrNotFound) {
		// Stale read: the row is already gone. A delete event follows or
		// the next reconciliation settles it.
		a.logger.Debug("change event references missing row, dropped",
			slog.String("collection", ev.Collection),
			slog.Int64("id", ev.ID))
		return
	}
	a.logger.Warn("point fetch for change event failed, dropped",
		slog.String("collection", ev.Collection),
		slog.Int64("id", ev.ID),
		slog.String("error", err.Error()))
}
