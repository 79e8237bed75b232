package sync

import (
	"sort"
	stdsync "sync"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

// RecordStore is the in-memory replica of the scan and validation
// collections plus the derived expert count. It is the only mutable shared
// resource in the core; all mutations are synchronous, total, and atomic
// with respect to readers. Readers always get copies.
//
// The store is mutated from exactly three producers: the change-event
// applier, the reconciliation pass, and the mutation coordinator's
// optimistic step. Presentation code only reads snapshots.
type RecordStore struct {
	mu          stdsync.RWMutex
	scans       map[int64]schema.Scan
	validations map[int64]schema.ValidationRecord
	expertCount int

	listenerMu stdsync.Mutex
	listeners  map[int]func()
	nextToken  int
}

// NewRecordStore initializes an empty replica.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		scans:       make(map[int64]schema.Scan),
		validations: make(map[int64]schema.ValidationRecord),
		listeners:   make(map[int]func()),
	}
}

// Subscribe registers a change listener fired after every mutation, outside
// the store lock. Listeners receive no payload; they snapshot-read on demand.
func (s *RecordStore) Subscribe(fn func()) (cancel func()) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	token := s.nextToken
	s.nextToken++
	s.listeners[token] = fn

	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, token)
	}
}

func (s *RecordStore) notify() {
	s.listenerMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// --- Snapshot reads ---

// Scans returns a copy of the scan collection, newest first.
func (s *RecordStore) Scans() []schema.Scan {
	s.mu.RLock()
	out := make([]schema.Scan, 0, len(s.scans))
	for _, sc := range s.scans {
		out = append(out, sc)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// PendingScans returns the scans still awaiting review, newest first.
func (s *RecordStore) PendingScans() []schema.Scan {
	all := s.Scans()
	out := all[:0]
	for _, sc := range all {
		if sc.Status == schema.StatusPending {
			out = append(out, sc)
		}
	}
	return out
}

// Validations returns a copy of the validation collection ordered by action
// time, newest first.
func (s *RecordStore) Validations() []schema.ValidationRecord {
	s.mu.RLock()
	out := make([]schema.ValidationRecord, 0, len(s.validations))
	for _, v := range s.validations {
		out = append(out, v)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidatedAt.Equal(out[j].ValidatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ValidatedAt.After(out[j].ValidatedAt)
	})
	return out
}

// ScanByID returns one scan by identity.
func (s *RecordStore) ScanByID(id int64) (schema.Scan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scans[id]
	return sc, ok
}

// ValidationByID returns one validation record by identity.
func (s *RecordStore) ValidationByID(id int64) (schema.ValidationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validations[id]
	return v, ok
}

// ValidationFor returns the record a given expert holds for a scan, if any.
func (s *RecordStore) ValidationFor(scanID, expertID int64) (schema.ValidationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.validations {
		if v.ScanID == scanID && v.ExpertID == expertID {
			return v, true
		}
	}
	return schema.ValidationRecord{}, false
}

// ExpertCount returns the derived profile count.
func (s *RecordStore) ExpertCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expertCount
}

// --- Mutations ---

// UpsertScan overwrites the scan with the same identity, or inserts it.
// Upserts are idempotent and last-writer-wins, which is what makes
// duplicate and out-of-order change events safe to apply.
func (s *RecordStore) UpsertScan(sc schema.Scan) {
	s.mu.Lock()
	s.scans[sc.ID] = sc
	s.mu.Unlock()
	s.notify()
}

// UpsertValidation overwrites or inserts a validation record and, in the
// same atomic step, reflects its resulting status onto the parent scan.
// Readers never observe the record without the scan status that follows
// from it.
func (s *RecordStore) UpsertValidation(v schema.ValidationRecord) {
	s.mu.Lock()
	s.validations[v.ID] = v
	if sc, ok := s.scans[v.ScanID]; ok && sc.Status != v.Status {
		sc.Status = v.Status
		s.scans[v.ScanID] = sc
	}
	s.mu.Unlock()
	s.notify()
}

// RemoveScan deletes a scan by identity. Removing an absent identity is a
// no-op and fires no notification.
func (s *RecordStore) RemoveScan(id int64) {
	s.mu.Lock()
	_, ok := s.scans[id]
	if ok {
		delete(s.scans, id)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// RemoveValidation deletes a validation record by identity; no-op if absent.
func (s *RecordStore) RemoveValidation(id int64) {
	s.mu.Lock()
	_, ok := s.validations[id]
	if ok {
		delete(s.validations, id)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// ReplaceScans swaps in a full snapshot of the scan collection.
func (s *RecordStore) ReplaceScans(scans []schema.Scan) {
	next := make(map[int64]schema.Scan, len(scans))
	for _, sc := range scans {
		next[sc.ID] = sc
	}
	s.mu.Lock()
	s.scans = next
	s.mu.Unlock()
	s.notify()
}

// ReplaceValidations swaps in a full snapshot of the validation collection.
func (s *RecordStore) ReplaceValidations(recs []schema.ValidationRecord) {
	next := make(map[int64]schema.ValidationRecord, len(recs))
	for _, v := range recs {
		next[v.ID] = v
	}
	s.mu.Lock()
	s.validations = next
	s.mu.Unlock()
	s.notify()
}

// ReplaceAll swaps in a complete snapshot of both collections and the
// derived count in one lock hold, with a single notification. A reload
// commit uses this so readers never observe a half-swapped baseline.
func (s *RecordStore) ReplaceAll(scans []schema.Scan, recs []schema.ValidationRecord, expertCount int) {
	nextScans := make(map[int64]schema.Scan, len(scans))
	for _, sc := range scans {
		nextScans[sc.ID] = sc
	}
	nextRecs := make(map[int64]schema.ValidationRecord, len(recs))
	for _, v := range recs {
		nextRecs[v.ID] = v
	}

	s.mu.Lock()
	s.scans = nextScans
	s.validations = nextRecs
	s.expertCount = expertCount
	s.mu.Unlock()
	s.notify()
}

// SetExpertCount sets the derived count absolutely. Only a full reload may
// do this; incremental producers use AdjustExpertCount.
func (s *RecordStore) SetExpertCount(n int) {
	s.mu.Lock()
	s.expertCount = n
	s.mu.Unlock()
	s.notify()
}

// AdjustExpertCount shifts the derived count by delta, clamped at zero.
// Profile insert/delete events maintain the count this way instead of
// recounting the collection.
func (s *RecordStore) AdjustExpertCount(delta int) {
	s.mu.Lock()
	s.expertCount += delta
	if s.expertCount < 0 {
		s.expertCount = 0
	}
	s.mu.Unlock()
	s.notify()
}

// Purge clears all replicated state. Called when the session ends.
func (s *RecordStore) Purge() {
	s.mu.Lock()
	s.scans = make(map[int64]schema.Scan)
	s.validations = make(map[int64]schema.ValidationRecord)
	s.expertCount = 0
	s.mu.Unlock()
	s.notify()
}
