package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

func scanFixture(id int64, status schema.Status) schema.Scan {
	return schema.Scan{
		ID:         id,
		Category:   schema.CategoryLeaf,
		Prediction: "Downy Mildew",
		Status:     status,
		CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
		UpdatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordStore_UpsertLastWriterWins(t *testing.T) {
	s := NewRecordStore()

	sc := scanFixture(1, schema.StatusPending)
	s.UpsertScan(sc)

	sc.Prediction = "Early Blight"
	s.UpsertScan(sc)

	sc.Prediction = "Leaf Rust"
	s.UpsertScan(sc)

	got := s.Scans()
	require.Len(t, got, 1, "same identity must never duplicate")
	assert.Equal(t, "Leaf Rust", got[0].Prediction, "final state equals the last upsert alone")
}

func TestRecordStore_RemoveAbsentIsNoOp(t *testing.T) {
	s := NewRecordStore()
	s.UpsertScan(scanFixture(1, schema.StatusPending))

	fired := 0
	cancel := s.Subscribe(func() { fired++ })
	defer cancel()

	s.RemoveScan(99)
	assert.Len(t, s.Scans(), 1)
	assert.Zero(t, fired, "no notification for a no-op remove")

	s.RemoveScan(1)
	assert.Empty(t, s.Scans())
	assert.Equal(t, 1, fired)
}

func TestRecordStore_ValidationReflectsOntoScan(t *testing.T) {
	s := NewRecordStore()
	s.UpsertScan(scanFixture(42, schema.StatusPending))

	s.UpsertValidation(schema.ValidationRecord{
		ID:            7,
		ScanID:        42,
		ExpertID:      3,
		Determination: "Downy Mildew",
		Status:        schema.StatusValidated,
		ValidatedAt:   time.Now().UTC(),
	})

	sc, ok := s.ScanByID(42)
	require.True(t, ok)
	assert.Equal(t, schema.StatusValidated, sc.Status,
		"scan status must track its most recent validation record")
	assert.Empty(t, s.PendingScans())
}

func TestRecordStore_DuplicateValidationEventIdempotent(t *testing.T) {
	s := NewRecordStore()

	rec := schema.ValidationRecord{ID: 7, ScanID: 42, ExpertID: 3, Status: schema.StatusValidated}
	s.UpsertValidation(rec)
	s.UpsertValidation(rec)

	assert.Len(t, s.Validations(), 1, "two identical inserts must collapse to one record")
}

func TestRecordStore_Ordering(t *testing.T) {
	s := NewRecordStore()
	s.UpsertScan(scanFixture(1, schema.StatusPending))
	s.UpsertScan(scanFixture(3, schema.StatusPending))
	s.UpsertScan(scanFixture(2, schema.StatusPending))

	got := s.Scans()
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].ID, "newest first")
	assert.Equal(t, int64(1), got[2].ID)
}

func TestRecordStore_ExpertCount(t *testing.T) {
	s := NewRecordStore()

	s.SetExpertCount(5)
	s.AdjustExpertCount(1)
	assert.Equal(t, 6, s.ExpertCount())

	s.AdjustExpertCount(-1)
	assert.Equal(t, 5, s.ExpertCount())

	s.SetExpertCount(0)
	s.AdjustExpertCount(-1)
	assert.Zero(t, s.ExpertCount(), "count never goes negative")
}

func TestRecordStore_ReplaceAndPurge(t *testing.T) {
	s := NewRecordStore()
	s.UpsertScan(scanFixture(1, schema.StatusPending))
	s.UpsertValidation(schema.ValidationRecord{ID: 9, ScanID: 1})
	s.SetExpertCount(4)

	s.ReplaceScans([]schema.Scan{scanFixture(5, schema.StatusPending), scanFixture(6, schema.StatusValidated)})
	got := s.Scans()
	require.Len(t, got, 2)
	_, ok := s.ScanByID(1)
	assert.False(t, ok, "replace drops rows missing from the snapshot")

	s.Purge()
	assert.Empty(t, s.Scans())
	assert.Empty(t, s.Validations())
	assert.Zero(t, s.ExpertCount())
}

func TestRecordStore_ReplaceAllIsOneStep(t *testing.T) {
	s := NewRecordStore()
	s.UpsertScan(scanFixture(1, schema.StatusPending))

	fired := 0
	cancel := s.Subscribe(func() { fired++ })
	defer cancel()

	s.ReplaceAll(
		[]schema.Scan{scanFixture(5, schema.StatusPending)},
		[]schema.ValidationRecord{{ID: 9, ScanID: 5, ExpertID: 3}},
		4,
	)

	assert.Equal(t, 1, fired, "a full snapshot swap notifies exactly once")
	assert.Len(t, s.Scans(), 1)
	assert.Len(t, s.Validations(), 1)
	assert.Equal(t, 4, s.ExpertCount())
	_, ok := s.ScanByID(1)
	assert.False(t, ok, "rows missing from the snapshot are gone")
}

func TestRecordStore_ValidationFor(t *testing.T) {
	s := NewRecordStore()
	s.UpsertValidation(schema.ValidationRecord{ID: 1, ScanID: 10, ExpertID: 3})
	s.UpsertValidation(schema.ValidationRecord{ID: 2, ScanID: 10, ExpertID: 4})

	v, ok := s.ValidationFor(10, 4)
	require.True(t, ok)
	assert.Equal(t, int64(2), v.ID)

	_, ok = s.ValidationFor(10, 99)
	assert.False(t, ok)
}

func TestRecordStore_UnsubscribeStopsNotifications(t *testing.T) {
	s := NewRecordStore()

	fired := 0
	cancel := s.Subscribe(func() { fired++ })

	s.UpsertScan(scanFixture(1, schema.StatusPending))
	cancel()
	s.UpsertScan(scanFixture(2, schema.StatusPending))

	assert.Equal(t, 1, fired)
}
