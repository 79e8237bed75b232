// Package server implements the reference backend the sync client talks to:
// an authoritative in-memory store with the remote database's rules, a REST
// API mirroring the query contract, and an SSE change feed.
package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	core "github.com/mikeangelocasono/expert-dashboard/pkg/sync"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

// profile is the server-side user row; the shared ExpertProfile is its
// public projection.
type profile struct {
	schema.ExpertProfile
	Expert bool
}

// Source is the authoritative store. It enforces what the hosted database
// would: sequential identities, the unique (scan, expert) index on
// validations, and read-time join materialization. Every committed mutation
// is announced through the emit callback.
type Source struct {
	mu            sync.Mutex
	profiles      map[int64]profile
	scans         map[int64]schema.Scan
	validations   map[int64]schema.ValidationRecord
	byPair        map[[2]int64]int64 // (scanID, expertID) -> validation id
	nextProfileID int64
	nextScanID    int64
	nextRecordID  int64
	emit          func(schema.ChangeEvent)
	suppressJoins bool
	now           func() time.Time
}

// NewSource creates an empty source. emit may be nil.
func NewSource(emit func(schema.ChangeEvent)) *Source {
	if emit == nil {
		emit = func(schema.ChangeEvent) {}
	}
	return &Source{
		profiles:      make(map[int64]profile),
		scans:         make(map[int64]schema.Scan),
		validations:   make(map[int64]schema.ValidationRecord),
		byPair:        make(map[[2]int64]int64),
		nextProfileID: 1,
		nextScanID:    1,
		nextRecordID:  1,
		emit:          emit,
		now:           time.Now,
	}
}

// SuppressExpertJoins makes validation reads omit the denormalized expert
// fields, imitating rows created before the join was backfilled. The sync
// client's profile backfill path depends on this for coverage.
func (s *Source) SuppressExpertJoins(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressJoins = on
}

// SetClock overrides the timestamp source. Intended for tests.
func (s *Source) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- Profiles ---

// AddProfile registers a user profile and returns its identity.
func (s *Source) AddProfile(p schema.ExpertProfile, expert bool) schema.ExpertProfile {
	s.mu.Lock()
	p.ID = s.nextProfileID
	s.nextProfileID++
	s.profiles[p.ID] = profile{ExpertProfile: p, Expert: expert}
	s.mu.Unlock()

	s.emit(schema.ChangeEvent{Kind: schema.EventInsert, Collection: schema.CollectionProfiles, ID: p.ID})
	return p
}

// RemoveProfile deletes a profile.
func (s *Source) RemoveProfile(id int64) {
	s.mu.Lock()
	_, ok := s.profiles[id]
	delete(s.profiles, id)
	s.mu.Unlock()

	if ok {
		s.emit(schema.ChangeEvent{Kind: schema.EventDelete, Collection: schema.CollectionProfiles, ID: id})
	}
}

// ProfileByHandle resolves a profile for login.
func (s *Source) ProfileByHandle(handle string) (schema.ExpertProfile, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.Handle == handle {
			return p.ExpertProfile, p.Expert, true
		}
	}
	return schema.ExpertProfile{}, false, false
}

// Profiles returns the profiles for the given ids, skipping unknown ones.
func (s *Source) Profiles(ids []int64) []schema.ExpertProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.ExpertProfile, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p.ExpertProfile)
		}
	}
	return out
}

// CountProfiles returns the profile cardinality.
func (s *Source) CountProfiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// --- Scans ---

// AddScan stores a submitted scan and returns it with identity, timestamps,
// and pending status applied.
func (s *Source) AddScan(sc schema.Scan) schema.Scan {
	s.mu.Lock()
	sc.ID = s.nextScanID
	s.nextScanID++
	sc.Status = schema.StatusPending
	sc.CreatedAt = s.now().UTC()
	sc.UpdatedAt = sc.CreatedAt
	s.scans[sc.ID] = sc
	s.mu.Unlock()

	s.emit(schema.ChangeEvent{Kind: schema.EventInsert, Collection: schema.CollectionScans, ID: sc.ID})
	return sc
}

// RemoveScan deletes a scan and its validation records.
func (s *Source) RemoveScan(id int64) {
	s.mu.Lock()
	_, ok := s.scans[id]
	delete(s.scans, id)
	var droppedRecs []int64
	for rid, v := range s.validations {
		if v.ScanID == id {
			droppedRecs = append(droppedRecs, rid)
			delete(s.validations, rid)
			delete(s.byPair, [2]int64{v.ScanID, v.ExpertID})
		}
	}
	s.mu.Unlock()

	if ok {
		s.emit(schema.ChangeEvent{Kind: schema.EventDelete, Collection: schema.CollectionScans, ID: id})
	}
	for _, rid := range droppedRecs {
		s.emit(schema.ChangeEvent{Kind: schema.EventDelete, Collection: schema.CollectionValidations, ID: rid})
	}
}

// Scan returns one scan with submitter joins.
func (s *Source) Scan(id int64) (schema.Scan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return schema.Scan{}, false
	}
	return s.joinScan(sc), true
}

// Scans returns every scan with joins, newest first.
func (s *Source) Scans() []schema.Scan {
	s.mu.Lock()
	out := make([]schema.Scan, 0, len(s.scans))
	for _, sc := range s.scans {
		out = append(out, s.joinScan(sc))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// UpdateScanStatus transitions a scan's lifecycle status.
func (s *Source) UpdateScanStatus(id int64, status schema.Status) error {
	s.mu.Lock()
	sc, ok := s.scans[id]
	if !ok {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	sc.Status = status
	sc.UpdatedAt = s.now().UTC()
	s.scans[id] = sc
	s.mu.Unlock()

	s.emit(schema.ChangeEvent{Kind: schema.EventUpdate, Collection: schema.CollectionScans, ID: id})
	return nil
}

// --- Validations ---

// InsertValidation appends an audit record, enforcing the unique
// (scan, expert) index. A second insert for the same pair fails with
// ErrConflict; callers are expected to switch to UpdateValidation.
func (s *Source) InsertValidation(rec schema.ValidationRecord) (schema.ValidationRecord, error) {
	s.mu.Lock()
	if _, ok := s.scans[rec.ScanID]; !ok {
		s.mu.Unlock()
		return schema.ValidationRecord{}, fmt.Errorf("scan %d: %w", rec.ScanID, core.ErrNotFound)
	}
	pair := [2]int64{rec.ScanID, rec.ExpertID}
	if _, dup := s.byPair[pair]; dup {
		s.mu.Unlock()
		return schema.ValidationRecord{}, core.ErrConflict
	}
	rec.ID = s.nextRecordID
	s.nextRecordID++
	if rec.ValidatedAt.IsZero() {
		rec.ValidatedAt = s.now().UTC()
	}
	s.validations[rec.ID] = rec
	s.byPair[pair] = rec.ID
	joined := s.joinValidation(rec)
	s.mu.Unlock()

	s.emit(schema.ChangeEvent{Kind: schema.EventInsert, Collection: schema.CollectionValidations, ID: rec.ID})
	return joined, nil
}

// UpdateValidation rewrites the record held by a (scan, expert) pair.
func (s *Source) UpdateValidation(scanID, expertID int64, rec schema.ValidationRecord) error {
	s.mu.Lock()
	id, ok := s.byPair[[2]int64{scanID, expertID}]
	if !ok {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	existing := s.validations[id]
	existing.Determination = rec.Determination
	existing.Status = rec.Status
	existing.Note = rec.Note
	existing.Prediction = rec.Prediction
	if !rec.ValidatedAt.IsZero() {
		existing.ValidatedAt = rec.ValidatedAt
	} else {
		existing.ValidatedAt = s.now().UTC()
	}
	s.validations[id] = existing
	s.mu.Unlock()

	s.emit(schema.ChangeEvent{Kind: schema.EventUpdate, Collection: schema.CollectionValidations, ID: id})
	return nil
}

// Validation returns one record with expert joins.
func (s *Source) Validation(id int64) (schema.ValidationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validations[id]
	if !ok {
		return schema.ValidationRecord{}, false
	}
	return s.joinValidation(v), true
}

// Validations returns every record with joins, newest action first.
func (s *Source) Validations() []schema.ValidationRecord {
	s.mu.Lock()
	out := make([]schema.ValidationRecord, 0, len(s.validations))
	for _, v := range s.validations {
		out = append(out, s.joinValidation(v))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidatedAt.Equal(out[j].ValidatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ValidatedAt.After(out[j].ValidatedAt)
	})
	return out
}

// joinScan materializes the submitter display fields. Callers hold s.mu.
func (s *Source) joinScan(sc schema.Scan) schema.Scan {
	if p, ok := s.profiles[sc.SubmitterID]; ok {
		sc.SubmitterName = p.Name
		sc.SubmitterHandle = p.Handle
		sc.SubmitterAvatar = p.Avatar
	}
	return sc
}

// joinValidation materializes the expert display fields. Callers hold s.mu.
func (s *Source) joinValidation(v schema.ValidationRecord) schema.ValidationRecord {
	if s.suppressJoins {
		return v
	}
	if p, ok := s.profiles[v.ExpertID]; ok {
		v.ApplyExpert(p.ExpertProfile)
	}
	return v
}
