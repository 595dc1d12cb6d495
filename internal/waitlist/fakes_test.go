package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/appointment"
	"github.com/hackgods/waitlist-fulfillment/internal/audit"
	"github.com/hackgods/waitlist-fulfillment/internal/directory"
	"github.com/hackgods/waitlist-fulfillment/internal/gateway"
	"github.com/hackgods/waitlist-fulfillment/internal/ratelimit"
	redisclient "github.com/hackgods/waitlist-fulfillment/internal/redis"
)

const testTenant = "clinic_a"

// memRepo is an in-memory Repository. It copies values in and out so callers
// cannot mutate stored rows, and it enforces the same uniqueness rules as the
// schema's partial indexes.
type memRepo struct {
	mu            sync.Mutex
	entries       map[uuid.UUID]WaitlistEntry
	holds         map[uuid.UUID]Hold
	notes         map[uuid.UUID]NotificationRecord
	seq           int
	createHoldErr map[uuid.UUID]error // keyed by waitlist id
	transitionErr map[uuid.UUID]error // keyed by waitlist id
}

func newMemRepo() *memRepo {
	return &memRepo{
		entries:       map[uuid.UUID]WaitlistEntry{},
		holds:         map[uuid.UUID]Hold{},
		notes:         map[uuid.UUID]NotificationRecord{},
		createHoldErr: map[uuid.UUID]error{},
		transitionErr: map[uuid.UUID]error{},
	}
}

type memSnapshot struct {
	entries map[uuid.UUID]WaitlistEntry
	holds   map[uuid.UUID]Hold
	notes   map[uuid.UUID]NotificationRecord
}

func (r *memRepo) snapshot() memSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := memSnapshot{
		entries: make(map[uuid.UUID]WaitlistEntry, len(r.entries)),
		holds:   make(map[uuid.UUID]Hold, len(r.holds)),
		notes:   make(map[uuid.UUID]NotificationRecord, len(r.notes)),
	}
	for k, v := range r.entries {
		s.entries[k] = v
	}
	for k, v := range r.holds {
		s.holds[k] = v
	}
	for k, v := range r.notes {
		s.notes[k] = v
	}
	return s
}

func (r *memRepo) restore(s memSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries, r.holds, r.notes = s.entries, s.holds, s.notes
}

func (r *memRepo) putEntry(e WaitlistEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
}

func (r *memRepo) entry(id uuid.UUID) WaitlistEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

func (r *memRepo) hold(id uuid.UUID) Hold {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holds[id]
}

func (r *memRepo) putHold(h Hold) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holds[h.ID] = h
}

func (r *memRepo) notifications() []NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NotificationRecord, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memRepo) GetEntry(_ context.Context, tenantID string, id uuid.UUID) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.TenantID != tenantID {
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

func (r *memRepo) GetEntryForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*WaitlistEntry, error) {
	return r.GetEntry(ctx, tenantID, id)
}

func (r *memRepo) ListMatchableEntries(_ context.Context, q MatchQuery) ([]WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// map order on purpose: ordering is the matcher's job
	var out []WaitlistEntry
	for _, e := range r.entries {
		if q.Matches(&e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) TransitionEntry(_ context.Context, tenantID string, id uuid.UUID, from []EntryStatus, to EntryStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionErr[id]; err != nil {
		return false, err
	}
	e, ok := r.entries[id]
	if !ok || e.TenantID != tenantID || !hasStatus(from, e.Status) {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = at
	r.entries[id] = e
	return true, nil
}

func (r *memRepo) MarkEntryContacted(_ context.Context, tenantID string, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.TenantID != tenantID || !hasStatus([]EntryStatus{EntryActive, EntryContacted}, e.Status) {
		return false, nil
	}
	e.Status = EntryContacted
	e.LastNotifiedAt = &at
	e.UpdatedAt = at
	r.entries[id] = e
	return true, nil
}

func (r *memRepo) MarkEntryScheduled(_ context.Context, tenantID string, id, appointmentID uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.TenantID != tenantID || !hasStatus([]EntryStatus{EntryActive, EntryContacted, EntryMatched}, e.Status) {
		return false, nil
	}
	e.Status = EntryScheduled
	e.ScheduledAppointmentID = &appointmentID
	e.ResolvedAt = &at
	e.UpdatedAt = at
	r.entries[id] = e
	return true, nil
}

func (r *memRepo) CreateHold(_ context.Context, h *Hold) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.createHoldErr[h.WaitlistID]; err != nil {
		return err
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	r.seq++
	h.Status = HoldActive
	h.CreatedAt = time.Unix(int64(r.seq), 0).UTC()
	h.UpdatedAt = h.CreatedAt
	r.holds[h.ID] = *h
	return nil
}

func (r *memRepo) GetHold(_ context.Context, tenantID string, id uuid.UUID) (*Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok || h.TenantID != tenantID {
		return nil, ErrHoldNotFound
	}
	return &h, nil
}

func (r *memRepo) GetHoldForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Hold, error) {
	return r.GetHold(ctx, tenantID, id)
}

func (r *memRepo) UpdateHoldStatus(_ context.Context, tenantID string, id uuid.UUID, from, to HoldStatus, at time.Time, appointmentID *uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok || h.TenantID != tenantID || h.Status != from {
		return false, nil
	}
	if to == HoldAccepted {
		for _, other := range r.holds {
			if other.ID != id && other.Status == HoldAccepted && sameSlot(other, h) {
				return false, ErrSlotClaimed
			}
		}
	}
	h.Status = to
	if appointmentID != nil {
		h.AppointmentID = appointmentID
	}
	h.ResolvedAt = &at
	h.UpdatedAt = at
	r.holds[id] = h
	return true, nil
}

func (r *memRepo) ListHolds(_ context.Context, tenantID string, f HoldFilter, now time.Time) ([]Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Hold
	for _, h := range r.holds {
		if h.TenantID != tenantID {
			continue
		}
		if f.WaitlistID != nil && h.WaitlistID != *f.WaitlistID {
			continue
		}
		if f.Status != nil && h.EffectiveStatus(now) != *f.Status {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) ListActiveHoldsForEntry(_ context.Context, tenantID string, waitlistID uuid.UUID) ([]Hold, error) {
	return r.filterHolds(func(h Hold) bool {
		return h.TenantID == tenantID && h.WaitlistID == waitlistID && h.Status == HoldActive
	}), nil
}

func (r *memRepo) ListActiveHoldsForSlot(_ context.Context, tenantID string, slot SlotDescriptor) ([]Hold, error) {
	return r.filterHolds(func(h Hold) bool {
		return h.TenantID == tenantID && h.Status == HoldActive && sameSlot(h, Hold{
			ProviderID: slot.ProviderID, LocationID: slot.LocationID, SlotStart: slot.Start,
		})
	}), nil
}

func (r *memRepo) HasAcceptedHoldForSlot(_ context.Context, tenantID string, slot SlotDescriptor) (bool, error) {
	hs := r.filterHolds(func(h Hold) bool {
		return h.TenantID == tenantID && h.Status == HoldAccepted && sameSlot(h, Hold{
			ProviderID: slot.ProviderID, LocationID: slot.LocationID, SlotStart: slot.Start,
		})
	})
	return len(hs) > 0, nil
}

func (r *memRepo) ListExpiredActiveHolds(_ context.Context, now time.Time, limit int) ([]Hold, error) {
	hs := r.filterHolds(func(h Hold) bool {
		return h.Status == HoldActive && !now.Before(h.HoldUntil)
	})
	if len(hs) > limit {
		hs = hs[:limit]
	}
	return hs, nil
}

func (r *memRepo) filterHolds(keep func(Hold) bool) []Hold {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Hold
	for _, h := range r.holds {
		if keep(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memRepo) CreateNotification(_ context.Context, n *NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.HoldID != nil {
		for _, other := range r.notes {
			if other.HoldID != nil && *other.HoldID == *n.HoldID && other.Status != NotificationFailed {
				return ErrAlreadyNotified
			}
		}
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.Status = NotificationSent
	r.notes[n.ID] = *n
	return nil
}

func (r *memRepo) SetDeliveryReference(_ context.Context, tenantID string, id uuid.UUID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok || n.TenantID != tenantID {
		return ErrNotificationNotFound
	}
	n.DeliveryReference = ref
	r.notes[id] = n
	return nil
}

func (r *memRepo) MarkNotificationFailed(_ context.Context, tenantID string, id uuid.UUID, msg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok || n.TenantID != tenantID || n.Status != NotificationSent {
		return false, nil
	}
	n.Status = NotificationFailed
	n.ErrorMessage = msg
	r.notes[id] = n
	return true, nil
}

func (r *memRepo) FindLiveNotificationForHold(_ context.Context, tenantID string, holdID uuid.UUID) (*NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n.TenantID == tenantID && n.HoldID != nil && *n.HoldID == holdID && n.Status != NotificationFailed {
			return &n, nil
		}
	}
	return nil, ErrNotificationNotFound
}

func (r *memRepo) LatestPendingNotification(_ context.Context, tenantID string, patientID uuid.UUID, since time.Time) (*NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *NotificationRecord
	for _, n := range r.notes {
		if n.TenantID != tenantID || n.PatientID != patientID || n.Status != NotificationSent ||
			n.PatientResponse != nil || n.CreatedAt.Before(since) {
			continue
		}
		if best == nil || n.CreatedAt.After(best.CreatedAt) {
			n := n
			best = &n
		}
	}
	if best == nil {
		return nil, ErrNotificationNotFound
	}
	return best, nil
}

func (r *memRepo) RecordResponse(_ context.Context, tenantID string, id uuid.UUID, resp Response, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok || n.TenantID != tenantID || n.Status != NotificationSent || n.PatientResponse != nil {
		return false, nil
	}
	n.Status = NotificationStatus(resp)
	n.PatientResponse = &resp
	n.RespondedAt = &at
	r.notes[id] = n
	return true, nil
}

func hasStatus(set []EntryStatus, s EntryStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func sameSlot(a, b Hold) bool {
	return a.ProviderID == b.ProviderID && a.LocationID == b.LocationID && a.SlotStart.Equal(b.SlotStart)
}

// memTx serializes transactions and restores the repository snapshot when fn fails.
type memTx struct {
	mu   sync.Mutex
	repo *memRepo
}

type memTxKey struct{}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.repo.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		t.repo.restore(snap)
		return err
	}
	return nil
}

// memLocker behaves like SETNX: a held key fails fast.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

type fakeBooker struct {
	mu       sync.Mutex
	requests []appointment.BookingRequest
	err      error
	delay    time.Duration
}

func (b *fakeBooker) Book(_ context.Context, req appointment.BookingRequest) (*appointment.Appointment, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.requests = append(b.requests, req)
	return &appointment.Appointment{
		ID:         uuid.New(),
		TenantID:   req.TenantID,
		PatientID:  req.PatientID,
		ProviderID: req.ProviderID,
		LocationID: req.LocationID,
		StartTime:  req.Start,
		EndTime:    req.End,
		Status:     appointment.StatusBooked,
		Source:     appointment.SourceWaitlist,
	}, nil
}

func (b *fakeBooker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

type fakeDirectory struct {
	mu        sync.Mutex
	patients  map[uuid.UUID]directory.Patient
	providers map[uuid.UUID]directory.Clinician
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		patients:  map[uuid.UUID]directory.Patient{},
		providers: map[uuid.UUID]directory.Clinician{},
	}
}

func (d *fakeDirectory) addPatient(p directory.Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[p.ID] = p
}

func (d *fakeDirectory) GetPatient(_ context.Context, tenantID string, id uuid.UUID) (*directory.Patient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.patients[id]
	if !ok || p.TenantID != tenantID {
		return nil, directory.ErrPatientNotFound
	}
	return &p, nil
}

func (d *fakeDirectory) FindPatientByContact(_ context.Context, tenantID, address string) (*directory.Patient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.patients {
		if p.TenantID != tenantID {
			continue
		}
		if p.Phone != nil && directory.NormalizeAddress(*p.Phone) == address {
			return &p, nil
		}
		if p.Email != nil && directory.NormalizeAddress(*p.Email) == address {
			return &p, nil
		}
	}
	return nil, directory.ErrPatientNotFound
}

func (d *fakeDirectory) GetProvider(_ context.Context, tenantID string, id uuid.UUID) (*directory.Clinician, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.providers[id]
	if !ok || c.TenantID != tenantID {
		return nil, directory.ErrProviderNotFound
	}
	return &c, nil
}

type fakeGateway struct {
	mu     sync.Mutex
	sent   []gateway.Message
	failTo map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failTo: map[string]error{}}
}

func (g *fakeGateway) Send(_ context.Context, msg gateway.Message) (gateway.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failTo[msg.To]; err != nil {
		return gateway.Receipt{}, err
	}
	g.sent = append(g.sent, msg)
	return gateway.Receipt{Reference: fmt.Sprintf("ref-%d", len(g.sent))}, nil
}

func (g *fakeGateway) messages() []gateway.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.Message(nil), g.sent...)
}

type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memSink) Record(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *memSink) last() audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return audit.Event{}
	}
	return s.events[len(s.events)-1]
}

type failingLimiter struct{}

func (failingLimiter) CheckAndRecord(context.Context, string, uuid.UUID) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// engine wires every component over the fakes.
type engine struct {
	repo     *memRepo
	dir      *fakeDirectory
	gw       *fakeGateway
	booker   *fakeBooker
	sink     *memSink
	clock    *testClock
	limiter  *ratelimit.Limiter
	dispatch *Dispatcher
	holds    *HoldManager
	replies  *ReplyResolver
	provider uuid.UUID
	location uuid.UUID
}

func newEngine(t *testing.T, rules ratelimit.Rules) *engine {
	t.Helper()

	e := &engine{
		repo:     newMemRepo(),
		dir:      newFakeDirectory(),
		gw:       newFakeGateway(),
		booker:   &fakeBooker{},
		sink:     &memSink{},
		clock:    &testClock{t: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)}, // Monday
		provider: uuid.New(),
		location: uuid.New(),
	}
	e.dir.providers[e.provider] = directory.Clinician{ID: e.provider, TenantID: testTenant, Name: "Dr. " + gofakeit.LastName()}

	log := zerolog.Nop()
	rec := audit.NewRecorder(e.sink, log)
	e.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), rules).WithClock(e.clock.now)
	e.dispatch = NewDispatcher(e.repo, e.dir, e.limiter, e.gw, rec, log, time.UTC).WithClock(e.clock.now)

	matcher := NewSlotMatcher(e.repo, time.UTC)
	tx := &memTx{repo: e.repo}
	e.holds = NewHoldManager(HoldManagerDeps{
		Repo:     e.repo,
		Tx:       tx,
		Locker:   newMemLocker(),
		Matcher:  matcher,
		Notifier: e.dispatch,
		Booker:   e.booker,
		Audit:    rec,
		Log:      log,
	}, 2*time.Hour).WithClock(e.clock.now)
	e.replies = NewReplyResolver(e.repo, e.dir, e.holds, tx, rec, log, 48*time.Hour).WithClock(e.clock.now)
	return e
}

func unlimited() ratelimit.Rules {
	return ratelimit.Rules{}
}

// addPatient registers a fake patient with a phone number and returns it.
func (e *engine) addPatient() directory.Patient {
	phone := "+1" + gofakeit.Numerify("##########")
	email := gofakeit.Email()
	p := directory.Patient{
		ID:       uuid.New(),
		TenantID: testTenant,
		Name:     gofakeit.Name(),
		Phone:    &phone,
		Email:    &email,
	}
	e.dir.addPatient(p)
	return p
}

// addEntry stores an active entry for a new patient. created offsets CreatedAt
// from the clock.
func (e *engine) addEntry(priority Priority, created time.Duration, mods ...func(*WaitlistEntry)) WaitlistEntry {
	p := e.addPatient()
	entry := WaitlistEntry{
		ID:                 uuid.New(),
		TenantID:           testTenant,
		PatientID:          p.ID,
		Reason:             "follow-up " + gofakeit.Word(),
		Priority:           priority,
		PreferredTimeOfDay: TimeAny,
		Status:             EntryActive,
		CreatedAt:          e.clock.now().Add(created),
	}
	for _, m := range mods {
		m(&entry)
	}
	e.repo.putEntry(entry)
	return entry
}

func (e *engine) slotAt(hour int) SlotDescriptor {
	start := time.Date(2026, 3, 4, hour, 0, 0, 0, time.UTC) // Wednesday
	return SlotDescriptor{
		ProviderID: e.provider,
		LocationID: e.location,
		Start:      start,
		End:        start.Add(30 * time.Minute),
	}
}

func (e *engine) phoneOf(entry WaitlistEntry) string {
	p, _ := e.dir.GetPatient(context.Background(), testTenant, entry.PatientID)
	return *p.Phone
}
