package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/presence/internal/display"
	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/repository"
	"github.com/and161185/presence/internal/rotation"
	"github.com/and161185/presence/internal/token"
)

// memStore is an in-memory repository.Store with injectable failures.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
	order    []uuid.UUID
	students map[uuid.UUID]model.Cohort
	marks    map[[2]uuid.UUID]model.AttendanceRecord

	getErr     error
	listErr    error
	cohortErr  error
	insertErr  error
	publishErr error
	endErr     error
	getCalls   int
}

var (
	_ repository.Store                = (*memStore)(nil)
	_ repository.SessionRepository    = (*memStore)(nil)
	_ repository.StudentRepository    = (*memStore)(nil)
	_ repository.AttendanceRepository = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		sessions: map[uuid.UUID]*model.Session{},
		students: map[uuid.UUID]model.Cohort{},
		marks:    map[[2]uuid.UUID]model.AttendanceRecord{},
	}
}

func (m *memStore) Sessions() repository.SessionRepository     { return m }
func (m *memStore) Students() repository.StudentRepository     { return m }
func (m *memStore) Attendance() repository.AttendanceRepository { return m }
func (m *memStore) Close() error                                { return nil }

func (m *memStore) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return errs.ErrAlreadyExists
	}
	c := *s
	m.sessions[s.ID] = &c
	m.order = append(m.order, s.ID)
	return nil
}

func (m *memStore) GetSession(_ context.Context, id uuid.UUID) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *memStore) ListActive(_ context.Context) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.Session
	for _, id := range m.order {
		if s := m.sessions[id]; s.IsActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ActiveForStaff(ctx context.Context, staffID uuid.UUID) ([]model.Session, error) {
	all, err := m.ListActive(ctx)
	var out []model.Session
	for _, s := range all {
		if s.StaffID == staffID {
			out = append(out, s)
		}
	}
	return out, err
}

func (m *memStore) Activate(_ context.Context, id uuid.UUID, at time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if s.Ended() {
		return nil, errs.ErrInvalidState
	}
	for _, o := range m.sessions {
		if o.ID != id && o.StaffID == s.StaffID && o.IsActive {
			return nil, errs.ErrConflict
		}
	}
	s.IsActive = true
	if s.StartedAt == nil {
		s.StartedAt = &at
	}
	c := *s
	return &c, nil
}

func (m *memStore) End(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endErr != nil {
		return m.endErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return errs.ErrNotFound
	}
	if !s.IsActive {
		return errs.ErrInvalidState
	}
	s.IsActive = false
	s.EndedAt = &at
	s.CurrentToken = nil
	s.RotationOwner = nil
	s.LeaseUntil = nil
	return nil
}

func (m *memStore) PublishCurrentToken(_ context.Context, id uuid.UUID, enc string, lease repository.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return errs.ErrNotFound
	}
	if !s.RotatableBy(lease.Owner, lease.Now) {
		return errs.ErrLeaseHeld
	}
	owner, until := lease.Owner, lease.Until
	s.CurrentToken = &enc
	s.RotationOwner = &owner
	s.LeaseUntil = &until
	return nil
}

func (m *memStore) StudentCohort(_ context.Context, id uuid.UUID) (model.Cohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cohortErr != nil {
		return model.Cohort{}, m.cohortErr
	}
	c, ok := m.students[id]
	if !ok {
		return model.Cohort{}, errs.ErrNotFound
	}
	return c, nil
}

func (m *memStore) UpsertStudent(_ context.Context, s *model.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.ID] = s.Cohort
	return nil
}

func (m *memStore) InsertIfAbsent(_ context.Context, rec model.AttendanceRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return false, m.insertErr
	}
	k := [2]uuid.UUID{rec.SessionID, rec.StudentID}
	if _, ok := m.marks[k]; ok {
		return false, nil
	}
	m.marks[k] = rec
	return true, nil
}

func (m *memStore) ListBySession(_ context.Context, sid uuid.UUID) ([]model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AttendanceRecord
	for k, r := range m.marks {
		if k[0] == sid {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListByStudent(_ context.Context, st uuid.UUID) ([]model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AttendanceRecord
	for k, r := range m.marks {
		if k[1] == st {
			out = append(out, r)
		}
	}
	return out, nil
}

// activeSession adds an active session and returns it.
func (m *memStore) activeSession(t *testing.T, subject string, c model.Cohort, mode model.Mode, startedAt time.Time) *model.Session {
	t.Helper()
	s := &model.Session{
		ID:        uuid.Must(uuid.NewV4()),
		StaffID:   uuid.Must(uuid.NewV4()),
		Subject:   subject,
		Cohort:    c,
		Mode:      mode,
		IsActive:  true,
		StartedAt: &startedAt,
		CreatedAt: startedAt,
	}
	if err := m.Create(context.Background(), s); err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func (m *memStore) student(c model.Cohort) uuid.UUID {
	id := uuid.Must(uuid.NewV4())
	_ = m.UpsertStudent(context.Background(), &model.Student{ID: id, Cohort: c})
	return id
}

// testLease is a lease held by the "test" replica from now on.
func testLease(now time.Time) repository.Lease {
	return repository.Lease{Owner: "test", Now: now, Until: now.Add(time.Minute)}
}

type fakeRotator struct {
	mu      sync.Mutex
	started []rotation.Target
	stopped []string
	err     error
}

func (r *fakeRotator) Start(t rotation.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, t)
	return nil
}

func (r *fakeRotator) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	running := false
	for _, t := range r.started {
		if t.SessionID == id {
			running = true
		}
	}
	for _, s := range r.stopped {
		if s == id {
			running = false
		}
	}
	return running
}

func (r *fakeRotator) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
}

type fakeSink struct {
	mu     sync.Mutex
	frames []display.Frame
	closed []string
	err    error
}

func (s *fakeSink) Send(_ context.Context, f display.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSink) CloseSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, id)
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	allowCalls   int
	failureCalls int
	successCalls int
}

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	l.allowCalls++
	return l.allowOK, time.Minute, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return nil
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, time.Minute, l.failErr
}

var (
	codecOnce sync.Once
	codec     *token.Codec
)

func testCodec(t *testing.T) *token.Codec {
	t.Helper()
	codecOnce.Do(func() {
		c, err := token.NewCodec([]byte("service-test-secret"))
		if err != nil {
			panic(err)
		}
		codec = c
	})
	return codec
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}
