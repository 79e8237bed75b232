package sync

import (
	"context"
	"sort"
	stdsync "sync"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

// fakeTransport is a scripted in-memory Transport. Error fields inject
// failures; calls counts every method invocation by name.
type fakeTransport struct {
	mu          stdsync.Mutex
	scans       map[int64]schema.Scan
	validations map[int64]schema.ValidationRecord
	profiles    map[int64]schema.ExpertProfile
	nextRecID   int64
	calls       map[string]int

	// statusHistory records every status written per scan, including the
	// compensating write, so rollback ordering can be asserted.
	statusHistory map[int64][]schema.Status

	fetchScansErr   error
	fetchValsErr    error
	fetchScanErr    error
	fetchValErr     error
	insertErr       error
	updateValErr    error
	updateStatusErr func(id int64, status schema.Status) error
	subscribeErr    error

	// blockFetchScans, when non-nil, parks FetchScans until the channel
	// is closed. Used to hold a reload in flight.
	blockFetchScans chan struct{}

	handler      func(schema.ChangeEvent)
	stateHandler func(schema.FeedState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		scans:         make(map[int64]schema.Scan),
		validations:   make(map[int64]schema.ValidationRecord),
		profiles:      make(map[int64]schema.ExpertProfile),
		nextRecID:     1,
		calls:         make(map[string]int),
		statusHistory: make(map[int64][]schema.Status),
	}
}

func (f *fakeTransport) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTransport) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeTransport) FetchScans(ctx context.Context) ([]schema.Scan, error) {
	f.record("FetchScans")
	f.mu.Lock()
	block := f.blockFetchScans
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.fetchScansErr != nil {
		return nil, f.fetchScansErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.Scan, 0, len(f.scans))
	for _, sc := range f.scans {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeTransport) FetchValidations(ctx context.Context) ([]schema.ValidationRecord, error) {
	f.record("FetchValidations")
	if f.fetchValsErr != nil {
		return nil, f.fetchValsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.ValidationRecord, 0, len(f.validations))
	for _, v := range f.validations {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeTransport) FetchScan(ctx context.Context, id int64) (schema.Scan, error) {
	f.record("FetchScan")
	if f.fetchScanErr != nil {
		return schema.Scan{}, f.fetchScanErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scans[id]
	if !ok {
		return schema.Scan{}, ErrNotFound
	}
	return sc, nil
}

func (f *fakeTransport) FetchValidation(ctx context.Context, id int64) (schema.ValidationRecord, error) {
	f.record("FetchValidation")
	if f.fetchValErr != nil {
		return schema.ValidationRecord{}, f.fetchValErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.validations[id]
	if !ok {
		return schema.ValidationRecord{}, ErrNotFound
	}
	return v, nil
}

func (f *fakeTransport) FetchProfiles(ctx context.Context, ids []int64) ([]schema.ExpertProfile, error) {
	f.record("FetchProfiles")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.ExpertProfile, 0, len(ids))
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeTransport) CountProfiles(ctx context.Context) (int, error) {
	f.record("CountProfiles")
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.profiles), nil
}

func (f *fakeTransport) UpdateScanStatus(ctx context.Context, id int64, status schema.Status) error {
	f.record("UpdateScanStatus")
	if f.updateStatusErr != nil {
		if err := f.updateStatusErr(id, status); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scans[id]
	if !ok {
		return ErrNotFound
	}
	sc.Status = status
	f.scans[id] = sc
	f.statusHistory[id] = append(f.statusHistory[id], status)
	return nil
}

func (f *fakeTransport) InsertValidation(ctx context.Context, rec schema.ValidationRecord) (schema.ValidationRecord, error) {
	f.record("InsertValidation")
	if f.insertErr != nil {
		return schema.ValidationRecord{}, f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.validations {
		if existing.ScanID == rec.ScanID && existing.ExpertID == rec.ExpertID {
			return schema.ValidationRecord{}, ErrConflict
		}
	}
	rec.ID = f.nextRecID
	f.nextRecID++
	f.validations[rec.ID] = rec
	return rec, nil
}

func (f *fakeTransport) UpdateValidation(ctx context.Context, scanID, expertID int64, rec schema.ValidationRecord) error {
	f.record("UpdateValidation")
	if f.updateValErr != nil {
		return f.updateValErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.validations {
		if existing.ScanID == scanID && existing.ExpertID == expertID {
			rec.ID = id
			rec.ScanID = scanID
			rec.ExpertID = expertID
			f.validations[id] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeTransport) Subscribe(ctx context.Context, handler func(schema.ChangeEvent), stateHandler func(schema.FeedState)) (func(), error) {
	f.record("Subscribe")
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.mu.Lock()
	f.handler = handler
	f.stateHandler = stateHandler
	f.mu.Unlock()
	// Like the real subscriber, cancelling reports closed to whoever is
	// still listening.
	return func() {
		f.mu.Lock()
		closed := f.stateHandler
		f.handler = nil
		f.stateHandler = nil
		f.mu.Unlock()
		if closed != nil {
			closed(schema.FeedClosed)
		}
	}, nil
}

// emit pushes an event through the subscribed handler, as the feed would.
func (f *fakeTransport) emit(ev schema.ChangeEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// reportState pushes a feed health transition.
func (f *fakeTransport) reportState(state schema.FeedState) {
	f.mu.Lock()
	handler := f.stateHandler
	f.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

// fakeGate is a scripted SessionGate.
type fakeGate struct {
	mu      stdsync.Mutex
	id      int64
	present bool
	fns     map[int]func()
	next    int
}

func newFakeGate(id int64) *fakeGate {
	return &fakeGate{id: id, present: id != 0, fns: make(map[int]func())}
}

func (g *fakeGate) CurrentIdentity() (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.id, g.present
}

func (g *fakeGate) OnChange(fn func()) func() {
	g.mu.Lock()
	token := g.next
	g.next++
	g.fns[token] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.fns, token)
	}
}

func (g *fakeGate) set(id int64, present bool) {
	g.mu.Lock()
	g.id = id
	g.present = present
	fns := make([]func(), 0, len(g.fns))
	for _, fn := range g.fns {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
