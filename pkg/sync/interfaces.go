// Package sync implements the client-side synchronized cache for the expert
// review portal: an in-memory replica of the scan and validation collections,
// kept consistent with the remote source of truth through a change-event feed
// with full reconciliation as fallback, plus the optimistic validate-a-scan
// mutation workflow.
package sync

import (
	"context"
	"errors"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

var (
	// ErrUnavailable is returned by transports when the remote store cannot
	// be reached. The core reacts with fallback reconciliation, never by
	// surfacing it per event.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrConflict is returned by Insert when a uniqueness rule is violated.
	ErrConflict = errors.New("uniqueness conflict")
	// ErrNotFound is returned by point fetches when the row no longer exists.
	ErrNotFound = errors.New("record not found")

	// ErrNoIdentity rejects a mutation attempted without a signed-in expert.
	ErrNoIdentity = errors.New("no identity present")
	// ErrEmptyCorrection rejects a correct action with no corrected value.
	ErrEmptyCorrection = errors.New("corrected value must not be empty")
	// ErrSubmitInFlight rejects a second submit for a scan while one is
	// still outstanding.
	ErrSubmitInFlight = errors.New("submit already in flight for this scan")
	// ErrScanUnknown rejects a submit for a scan the store cannot resolve.
	ErrScanUnknown = errors.New("scan not present in store")
)

// Querier is the query/mutation side of the remote store. Implementations
// are fallible and asynchronous; every call is a suspension point.
type Querier interface {
	// FetchScans returns all scans with submitter joins, newest first.
	FetchScans(ctx context.Context) ([]schema.Scan, error)
	// FetchValidations returns all validation records with expert joins,
	// ordered by action time, newest first.
	FetchValidations(ctx context.Context) ([]schema.ValidationRecord, error)
	// FetchScan returns one scan with joins, or ErrNotFound.
	FetchScan(ctx context.Context, id int64) (schema.Scan, error)
	// FetchValidation returns one validation record with joins, or ErrNotFound.
	FetchValidation(ctx context.Context, id int64) (schema.ValidationRecord, error)
	// FetchProfiles resolves expert profiles by id in one batched call.
	FetchProfiles(ctx context.Context, ids []int64) ([]schema.ExpertProfile, error)
	// CountProfiles returns the total number of expert profiles.
	CountProfiles(ctx context.Context) (int, error)

	// UpdateScanStatus transitions a scan's lifecycle status.
	UpdateScanStatus(ctx context.Context, id int64, status schema.Status) error
	// InsertValidation creates a validation record. Returns ErrConflict when
	// the (scan, expert) pair already has one.
	InsertValidation(ctx context.Context, rec schema.ValidationRecord) (schema.ValidationRecord, error)
	// UpdateValidation rewrites the existing record for a (scan, expert) pair.
	UpdateValidation(ctx context.Context, scanID, expertID int64, rec schema.ValidationRecord) error
}

// Feed delivers change notifications. Events arrive in no particular order
// relative to commit order and may be delivered more than once.
type Feed interface {
	// Subscribe starts delivering events to handler and state transitions to
	// stateHandler. The returned cancel func detaches the subscription.
	Subscribe(ctx context.Context, handler func(schema.ChangeEvent), stateHandler func(schema.FeedState)) (cancel func(), err error)
}

// Transport bundles the two remote collaborators the core needs.
type Transport interface {
	Querier
	Feed
}

// SessionGate supplies the identity used to scope mutations. The core reacts
// to identity becoming present or absent by hydrating or purging state.
type SessionGate interface {
	// CurrentIdentity returns the signed-in expert id, if any.
	CurrentIdentity() (int64, bool)
	// OnChange registers a handler invoked after every sign-in or sign-out.
	// The returned cancel func unregisters it.
	OnChange(fn func()) (cancel func())
}
