package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

// Action is what the expert decided to do with a scan.
type Action string

const (
	// ActionConfirm accepts the automated prediction as-is.
	ActionConfirm Action = "confirm"
	// ActionCorrect replaces the automated prediction with the expert's value.
	ActionCorrect Action = "correct"
)

// SubmitRequest carries one validate-a-scan request.
type SubmitRequest struct {
	ScanID         int64  `validate:"required"`
	Action         Action `validate:"required,oneof=confirm correct"`
	Note           string
	CorrectedValue string `validate:"required_if=Action correct"`
}

// Draft is a locally held, not-yet-submitted decision for a scan. Drafts
// live in the coordinator, keyed by scan id, and are deleted on successful
// submit and on purge.
type Draft struct {
	Note     string
	Decision Action
}

// RepairNote records a rollback that itself failed: the scan's status
// transition went through but neither the audit record nor the compensating
// revert landed. The coordinator does not retry these; it surfaces them for
// manual reconciliation.
type RepairNote struct {
	ScanID     int64
	WantStatus schema.Status
	Err        error
	At         time.Time
}

// MutationCoordinator executes the confirm/correct workflow: a conditional
// status transition, an append-or-update of the audit record, and a
// compensating rollback of the transition when the audit step fails.
type MutationCoordinator struct {
	store    *RecordStore
	querier  Querier
	session  SessionGate
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	// onSettled is invoked after a successful submit so the owner can
	// trigger a reconciliation pass for denormalized fields.
	onSettled func()

	mu       stdsync.Mutex
	inFlight map[int64]bool
	drafts   map[int64]Draft
	repairs  []RepairNote
}

// NewMutationCoordinator wires a coordinator. onSettled may be nil; now
// defaults to time.Now.
func NewMutationCoordinator(store *RecordStore, querier Querier, session SessionGate, onSettled func(), logger *slog.Logger) *MutationCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &MutationCoordinator{
		store:     store,
		querier:   querier,
		session:   session,
		validate:  validator.New(),
		logger:    logger,
		now:       time.Now,
		onSettled: onSettled,
		inFlight:  make(map[int64]bool),
		drafts:    make(map[int64]Draft),
	}
}

// SetClock overrides the timestamp source. Intended for tests.
func (m *MutationCoordinator) SetClock(now func() time.Time) {
	m.now = now
}

// SetDraft stores a locally held note/decision for a scan.
func (m *MutationCoordinator) SetDraft(scanID int64, d Draft) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[scanID] = d
}

// Draft returns the draft for a scan, if one is held.
func (m *MutationCoordinator) Draft(scanID int64) (Draft, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[scanID]
	return d, ok
}

// ClearDrafts drops all held drafts. Called on sign-out.
func (m *MutationCoordinator) ClearDrafts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts = make(map[int64]Draft)
}

// PendingRepairs returns the rollback failures recorded so far.
func (m *MutationCoordinator) PendingRepairs() []RepairNote {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RepairNote, len(m.repairs))
	copy(out, m.repairs)
	return out
}

// Submit runs the full workflow for one scan. Preconditions are checked
// before any transport call; a violated precondition leaves both the store
// and the remote state untouched. At most one submit per scan may be in
// flight; submits for different scans proceed independently.
func (m *MutationCoordinator) Submit(ctx context.Context, req SubmitRequest) error {
	expertID, ok := m.session.CurrentIdentity()
	if !ok {
		return ErrNoIdentity
	}

	if err := m.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Field() == "CorrectedValue" {
					return ErrEmptyCorrection
				}
			}
		}
		return fmt.Errorf("invalid submit request: %w", err)
	}

	scan, ok := m.store.ScanByID(req.ScanID)
	if !ok {
		return ErrScanUnknown
	}

	if !m.acquire(req.ScanID) {
		return ErrSubmitInFlight
	}
	defer m.release(req.ScanID)

	targetStatus := schema.StatusValidated
	determination := scan.Prediction
	if req.Action == ActionCorrect {
		targetStatus = schema.StatusCorrected
		determination = req.CorrectedValue
	}
	prevStatus := scan.Status

	// Step 1: the conditional status transition. Failure here aborts with
	// no further steps and no local mutation.
	if err := m.querier.UpdateScanStatus(ctx, req.ScanID, targetStatus); err != nil {
		return fmt.Errorf("status transition for scan %d: %w", req.ScanID, err)
	}

	rec := schema.ValidationRecord{
		ScanID:        req.ScanID,
		ExpertID:      expertID,
		Prediction:    scan.Prediction,
		Determination: determination,
		Status:        targetStatus,
		ValidatedAt:   m.now().UTC(),
		Note:          req.Note,
	}

	// Step 2: append the audit record; a uniqueness conflict means this
	// expert already acted on this scan, so rewrite the existing record.
	stored, err := m.querier.InsertValidation(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		if uerr := m.querier.UpdateValidation(ctx, req.ScanID, expertID, rec); uerr != nil {
			m.rollback(ctx, req.ScanID, prevStatus, uerr)
			return fmt.Errorf("updating validation for scan %d: %w", req.ScanID, uerr)
		}
		stored = rec
		if existing, found := m.store.ValidationFor(req.ScanID, expertID); found {
			stored.ID = existing.ID
		}
	default:
		m.rollback(ctx, req.ScanID, prevStatus, err)
		return fmt.Errorf("inserting validation for scan %d: %w", req.ScanID, err)
	}

	// Settled: clear the draft and apply the optimistic local update. The
	// upsert also flips the scan's status, which removes it from the
	// pending subset in the same atomic step.
	m.mu.Lock()
	delete(m.drafts, req.ScanID)
	m.mu.Unlock()

	if stored.ID != 0 {
		m.store.UpsertValidation(stored)
	} else {
		// No identity for the record yet; at least reflect the scan
		// transition locally and let reconciliation bring the record.
		scan.Status = targetStatus
		m.store.UpsertScan(scan)
	}

	m.logger.Info("scan validated",
		slog.Int64("scan", req.ScanID),
		slog.String("action", string(req.Action)),
		slog.String("status", string(targetStatus)))

	if m.onSettled != nil {
		m.onSettled()
	}
	return nil
}

func (m *MutationCoordinator) acquire(scanID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[scanID] {
		return false
	}
	m.inFlight[scanID] = true
	return true
}

func (m *MutationCoordinator) release(scanID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, scanID)
}

// rollback reverts the status transition after a failed audit step. Best
// effort: a failed revert is logged and recorded for manual reconciliation,
// never retried automatically.
func (m *MutationCoordinator) rollback(ctx context.Context, scanID int64, prev schema.Status, cause error) {
	if err := m.querier.UpdateScanStatus(ctx, scanID, prev); err != nil {
		m.logger.Error("rollback of status transition failed",
			slog.Int64("scan", scanID),
			slog.String("want_status", string(prev)),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
		m.mu.Lock()
		m.repairs = append(m.repairs, RepairNote{
			ScanID:     scanID,
			WantStatus: prev,
			Err:        err,
			At:         m.now().UTC(),
		})
		m.mu.Unlock()
		return
	}
	m.logger.Warn("audit step failed, status transition rolled back",
		slog.Int64("scan", scanID),
		slog.String("cause", cause.Error()))
}
