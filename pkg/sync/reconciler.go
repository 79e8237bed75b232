package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

// Phase is the reconciliation lifecycle state.
type Phase int

const (
	// PhaseUninitialized means no baseline load has been attempted.
	PhaseUninitialized Phase = iota
	// PhaseLoading means a full load is in flight.
	PhaseLoading
	// PhaseReady means a baseline snapshot has been committed at least once.
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// ReconciliationScheduler performs full bulk reloads: on startup, on
// visibility regain, and as fallback when the change feed degrades. At most
// one reload is in flight at a time; a reload requested while one runs is
// dropped, not queued — the running one will land a snapshot at least as
// fresh as the dropped request would have.
type ReconciliationScheduler struct {
	store   *RecordStore
	querier Querier
	session SessionGate
	logger  *slog.Logger

	mu       stdsync.Mutex
	phase    Phase
	inFlight bool
	epoch    uint64 // bumped on purge; late results from an older epoch are discarded
}

// NewReconciliationScheduler wires a scheduler over the store and querier.
func NewReconciliationScheduler(store *RecordStore, querier Querier, session SessionGate, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{store: store, querier: querier, session: session, logger: logger}
}

// Phase returns the current lifecycle state.
func (r *ReconciliationScheduler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Ready reports whether a baseline snapshot exists. The change-event
// applier gates on this.
func (r *ReconciliationScheduler) Ready() bool {
	return r.Phase() == PhaseReady
}

// Reset drops the baseline and invalidates any reload still in flight.
// Called on sign-out, after the store purge.
func (r *ReconciliationScheduler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = PhaseUninitialized
	r.epoch++
}

// Reload performs one full fetch-and-replace cycle. Returns false when the
// request was dropped because another reload holds the flight slot. The
// fetch happens outside the scheduler lock; before committing, identity and
// epoch are re-checked so a reload that completes after a sign-out is
// simply not applied.
func (r *ReconciliationScheduler) Reload(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		r.logger.Debug("reload dropped, another is in flight")
		return false, nil
	}
	if _, ok := r.session.CurrentIdentity(); !ok {
		r.mu.Unlock()
		return false, ErrNoIdentity
	}
	r.inFlight = true
	if r.phase == PhaseUninitialized {
		r.phase = PhaseLoading
	}
	epoch := r.epoch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	scans, validations, count, err := r.fetchAll(ctx)
	if err != nil {
		r.mu.Lock()
		if r.phase == PhaseLoading && r.epoch == epoch {
			r.phase = PhaseUninitialized
		}
		r.mu.Unlock()
		return true, fmt.Errorf("reconciliation: %w", err)
	}

	r.mu.Lock()
	stale := r.epoch != epoch
	if !stale {
		if _, ok := r.session.CurrentIdentity(); !ok {
			stale = true
		}
	}
	r.mu.Unlock()
	if stale {
		r.logger.Info("reload completed after sign-out, discarded")
		return true, nil
	}

	// One atomic swap: no reader or sign-out can observe the baseline half
	// committed.
	r.store.ReplaceAll(scans, validations, count)

	// The swap notifies listeners, and a listener may end the session. When
	// the epoch moved during the commit the snapshot belongs to a dead
	// session; undo it instead of going ready.
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		r.store.Purge()
		r.logger.Info("reload committed during sign-out, purged")
		return true, nil
	}
	r.phase = PhaseReady
	r.mu.Unlock()

	r.logger.Info("reconciliation complete",
		slog.Int("scans", len(scans)),
		slog.Int("validations", len(validations)),
		slog.Int("experts", count))
	return true, nil
}

func (r *ReconciliationScheduler) fetchAll(ctx context.Context) ([]schema.Scan, []schema.ValidationRecord, int, error) {
	scans, err := r.querier.FetchScans(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("fetching scans: %w", err)
	}

	validations, err := r.querier.FetchValidations(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("fetching validations: %w", err)
	}

	if err := r.backfillExperts(ctx, validations); err != nil {
		// A failed backfill leaves display fields empty but the rows are
		// otherwise whole; not worth failing the reload over.
		r.logger.Warn("expert profile backfill failed", slog.String("error", err.Error()))
	}

	count, err := r.querier.CountProfiles(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("counting profiles: %w", err)
	}

	return scans, validations, count, nil
}

// backfillExperts resolves expert joins for rows created before the join
// was backfilled remotely: any record carrying an expert id but no display
// fields gets patched from one batched profile fetch.
func (r *ReconciliationScheduler) backfillExperts(ctx context.Context, recs []schema.ValidationRecord) error {
	missing := make(map[int64]struct{})
	for _, v := range recs {
		if v.ExpertID != 0 && !v.HasExpertJoin() {
			missing[v.ExpertID] = struct{}{}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}

	profiles, err := r.querier.FetchProfiles(ctx, ids)
	if err != nil {
		return err
	}

	byID := make(map[int64]schema.ExpertProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	for i := range recs {
		if recs[i].HasExpertJoin() {
			continue
		}
		if p, ok := byID[recs[i].ExpertID]; ok {
			recs[i].ApplyExpert(p)
		}
	}
	return nil
}
