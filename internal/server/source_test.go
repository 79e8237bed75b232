package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
	core "github.com/mikeangelocasono/expert-dashboard/pkg/sync"
)

func newSourceFixture() (*Source, *[]schema.ChangeEvent) {
	events := &[]schema.ChangeEvent{}
	src := NewSource(func(ev schema.ChangeEvent) { *events = append(*events, ev) })
	src.SetClock(func() time.Time { return time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC) })
	return src, events
}

func TestSource_ScanLifecycle(t *testing.T) {
	src, events := newSourceFixture()
	farmer := src.AddProfile(schema.ExpertProfile{Name: "Rosa Diaz", Handle: "rosa"}, false)

	sc := src.AddScan(schema.Scan{
		SubmitterID: farmer.ID,
		Category:    schema.CategoryLeaf,
		Prediction:  "Downy Mildew",
		Confidence:  "91.2%",
	})
	assert.Equal(t, int64(1), sc.ID)
	assert.Equal(t, schema.StatusPending, sc.Status, "submissions always start pending")
	assert.False(t, sc.CreatedAt.IsZero())

	got, ok := src.Scan(sc.ID)
	require.True(t, ok)
	assert.Equal(t, "Rosa Diaz", got.SubmitterName, "reads materialize the submitter join")
	assert.Equal(t, "rosa", got.SubmitterHandle)

	require.NoError(t, src.UpdateScanStatus(sc.ID, schema.StatusValidated))
	got, _ = src.Scan(sc.ID)
	assert.Equal(t, schema.StatusValidated, got.Status)

	assert.ErrorIs(t, src.UpdateScanStatus(999, schema.StatusValidated), core.ErrNotFound)

	kinds := make([]schema.EventKind, 0, len(*events))
	for _, ev := range *events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []schema.EventKind{schema.EventInsert, schema.EventInsert, schema.EventUpdate}, kinds)
}

func TestSource_UniquePairIndex(t *testing.T) {
	src, _ := newSourceFixture()
	expert := src.AddProfile(schema.ExpertProfile{Name: "Dr. Okafor", Handle: "okafor"}, true)
	sc := src.AddScan(schema.Scan{Prediction: "Downy Mildew"})

	first, err := src.InsertValidation(schema.ValidationRecord{
		ScanID: sc.ID, ExpertID: expert.ID, Determination: "Downy Mildew", Status: schema.StatusValidated,
	})
	require.NoError(t, err)
	assert.Equal(t, "Dr. Okafor", first.ExpertName, "insert returns the joined row")

	_, err = src.InsertValidation(schema.ValidationRecord{ScanID: sc.ID, ExpertID: expert.ID})
	assert.ErrorIs(t, err, core.ErrConflict, "second record for the pair is rejected")

	// A different expert on the same scan is fine.
	other := src.AddProfile(schema.ExpertProfile{Name: "Dr. Banda", Handle: "banda"}, true)
	_, err = src.InsertValidation(schema.ValidationRecord{ScanID: sc.ID, ExpertID: other.ID})
	assert.NoError(t, err)
}

func TestSource_InsertValidationNeedsScan(t *testing.T) {
	src, _ := newSourceFixture()
	_, err := src.InsertValidation(schema.ValidationRecord{ScanID: 404, ExpertID: 1})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSource_UpdateValidationRewritesByPair(t *testing.T) {
	src, events := newSourceFixture()
	expert := src.AddProfile(schema.ExpertProfile{Handle: "okafor"}, true)
	sc := src.AddScan(schema.Scan{Prediction: "Downy Mildew"})
	rec, err := src.InsertValidation(schema.ValidationRecord{
		ScanID: sc.ID, ExpertID: expert.ID, Determination: "Downy Mildew", Status: schema.StatusValidated,
	})
	require.NoError(t, err)

	require.NoError(t, src.UpdateValidation(sc.ID, expert.ID, schema.ValidationRecord{
		Determination: "Leaf Rust", Status: schema.StatusCorrected, Note: "second look",
	}))

	got, ok := src.Validation(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "Leaf Rust", got.Determination)
	assert.Equal(t, schema.StatusCorrected, got.Status)
	assert.Equal(t, "second look", got.Note)

	last := (*events)[len(*events)-1]
	assert.Equal(t, schema.EventUpdate, last.Kind)
	assert.Equal(t, rec.ID, last.ID, "the update announces the existing record id")

	assert.ErrorIs(t, src.UpdateValidation(sc.ID, 999, schema.ValidationRecord{}), core.ErrNotFound)
}

func TestSource_RemoveScanCascades(t *testing.T) {
	src, events := newSourceFixture()
	expert := src.AddProfile(schema.ExpertProfile{Handle: "okafor"}, true)
	sc := src.AddScan(schema.Scan{Prediction: "Downy Mildew"})
	rec, err := src.InsertValidation(schema.ValidationRecord{ScanID: sc.ID, ExpertID: expert.ID})
	require.NoError(t, err)

	src.RemoveScan(sc.ID)

	_, ok := src.Scan(sc.ID)
	assert.False(t, ok)
	_, ok = src.Validation(rec.ID)
	assert.False(t, ok, "validation records do not outlive their scan")

	tail := (*events)[len(*events)-2:]
	assert.Equal(t, schema.CollectionScans, tail[0].Collection)
	assert.Equal(t, schema.EventDelete, tail[0].Kind)
	assert.Equal(t, schema.CollectionValidations, tail[1].Collection)
	assert.Equal(t, schema.EventDelete, tail[1].Kind)

	// After the cascade the pair index is free again.
	sc2 := src.AddScan(schema.Scan{Prediction: "Downy Mildew"})
	_, err = src.InsertValidation(schema.ValidationRecord{ScanID: sc2.ID, ExpertID: expert.ID})
	assert.NoError(t, err)
}

func TestSource_SuppressedJoins(t *testing.T) {
	src, _ := newSourceFixture()
	expert := src.AddProfile(schema.ExpertProfile{Name: "Dr. Okafor", Handle: "okafor"}, true)
	sc := src.AddScan(schema.Scan{Prediction: "Downy Mildew"})

	src.SuppressExpertJoins(true)
	rec, err := src.InsertValidation(schema.ValidationRecord{ScanID: sc.ID, ExpertID: expert.ID})
	require.NoError(t, err)
	assert.Empty(t, rec.ExpertName, "suppressed reads imitate rows without the denormalized join")

	src.SuppressExpertJoins(false)
	got, _ := src.Validation(rec.ID)
	assert.Equal(t, "Dr. Okafor", got.ExpertName)
}

func TestSource_ProfileLookups(t *testing.T) {
	src, events := newSourceFixture()
	a := src.AddProfile(schema.ExpertProfile{Name: "Dr. Okafor", Handle: "okafor"}, true)
	b := src.AddProfile(schema.ExpertProfile{Name: "Rosa Diaz", Handle: "rosa"}, false)

	p, isExpert, ok := src.ProfileByHandle("okafor")
	require.True(t, ok)
	assert.True(t, isExpert)
	assert.Equal(t, a.ID, p.ID)

	_, isExpert, ok = src.ProfileByHandle("rosa")
	require.True(t, ok)
	assert.False(t, isExpert)

	_, _, ok = src.ProfileByHandle("nobody")
	assert.False(t, ok)

	got := src.Profiles([]int64{a.ID, 999, b.ID})
	assert.Len(t, got, 2, "unknown ids are skipped, not errors")
	assert.Equal(t, 2, src.CountProfiles())

	src.RemoveProfile(b.ID)
	assert.Equal(t, 1, src.CountProfiles())
	last := (*events)[len(*events)-1]
	assert.Equal(t, schema.EventDelete, last.Kind)
	assert.Equal(t, schema.CollectionProfiles, last.Collection)

	before := len(*events)
	src.RemoveProfile(999)
	assert.Len(t, *events, before, "deleting a missing profile emits nothing")
}

func TestSource_ScansNewestFirst(t *testing.T) {
	src, _ := newSourceFixture()
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	src.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	src.AddScan(schema.Scan{Prediction: "Downy Mildew"})
	src.AddScan(schema.Scan{Prediction: "Leaf Rust"})
	src.AddScan(schema.Scan{Prediction: "Early Blight"})

	got := src.Scans()
	require.Len(t, got, 3)
	assert.Equal(t, "Early Blight", got[0].Prediction)
	assert.Equal(t, "Downy Mildew", got[2].Prediction)
}
