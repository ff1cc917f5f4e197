package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/token"
)

var (
	t0     = time.UnixMilli(1_700_000_000_000)
	cohort = model.Cohort{Year: 2, Semester: 3}
)

type commitFixture struct {
	store *memStore
	clk   *clock
	p     *CommitProtocol
	gen   *token.Generator
	codec *token.Codec
}

func newCommitFixture(t *testing.T, w token.Windows) *commitFixture {
	t.Helper()
	store := newMemStore()
	clk := &clock{t: t0}
	c := testCodec(t)
	return &commitFixture{
		store: store,
		clk:   clk,
		codec: c,
		p:     NewCommitProtocol(store, c, token.NewValidator(w), zaptest.NewLogger(t), WithCommitClock(clk.now)),
		gen:   token.NewGenerator(token.WithClock(clk.now)),
	}
}

func (f *commitFixture) qr(t *testing.T, s *model.Session) string {
	t.Helper()
	enc, err := f.codec.Encode(f.gen.QR(s.ID.String(), s.Subject, s.Cohort.Year, s.Cohort.Semester))
	require.NoError(t, err)
	return enc
}

// publishOTP mints an OTP with the given code and stores it as s's current token.
func (f *commitFixture) publishOTP(t *testing.T, s *model.Session, code string) {
	t.Helper()
	g := token.NewGenerator(token.WithClock(f.clk.now), token.WithCodeSource(func() (string, error) { return code, nil }))
	tok, err := g.OTP(s.ID.String(), s.Subject, s.Cohort.Year, s.Cohort.Semester)
	require.NoError(t, err)
	enc, err := f.codec.Encode(tok)
	require.NoError(t, err)
	require.NoError(t, f.store.PublishCurrentToken(context.Background(), s.ID, enc, testLease(f.clk.now())))
}

func TestOutcome_Strings(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for o := OutcomeMarked; o <= OutcomeRateLimited; o++ {
		s := o.String()
		require.False(t, seen[s], s)
		seen[s] = true
	}
	require.Equal(t, "outcome(99)", Outcome(99).String())
	require.True(t, OutcomeCohortMismatch.ProofFailure())
	require.False(t, OutcomeAlreadyMarked.ProofFailure())
	require.False(t, OutcomeNotEligible.ProofFailure())
	require.False(t, OutcomeStorageError.ProofFailure())
}

func TestSubmitQR_Marked(t *testing.T) {
	t.Parallel()
	f := newCommitFixture(t, token.DefaultWindows)
	s := f.store.activeSession(t, "DSA", cohort, model.ModeQR, t0)
	st := f.store.student(cohort)

	res, err := f.p.SubmitQR(context.Background(), st, f.qr(t, s))
	require.NoError(t, err)
	require.Equal(t, OutcomeMarked, res.Outcome)
	require.Equal(t, s.ID, res.SessionID)
	require.NotNil(t, res.Record)
	require.Equal(t, st, res.Record.StudentID)

	res, err = f.p.SubmitQR(context.Background(), st, f.qr(t, s))
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyMarked, res.Outcome)
}

func TestSubmitQR_Failures(t *testing.T) {
	t.Parallel()
	f := newCommitFixture(t, token.DefaultWindows)
	ctx := context.Background()
	s := f.store.activeSession(t, "DSA", cohort, model.ModeQR, t0)
	st := f.store.student(cohort)

	res, err := f.p.SubmitQR(ctx, st, "garbage")
	require.NoError(t, err)
	require.Equal(t, OutcomeInvalidProof, res.Outcome)

	// an OTP-kind ciphertext is no QR proof
	otp, err := token.NewGenerator(token.WithClock(f.clk.now)).OTP(s.ID.String(), "DSA", 2, 3)
	require.NoError(t, err)
	enc, err := f.codec.Encode(otp)
	require.NoError(t, err)
	res, _ = f.p.SubmitQR(ctx, st, enc)
	require.Equal(t, OutcomeInvalidProof, res.Outcome)

	ghost := &model.Session{ID: uuid.Must(uuid.NewV4()), Subject: "DSA", Cohort: cohort}
	res, _ = f.p.SubmitQR(ctx, st, f.qr(t, ghost))
	require.Equal(t, OutcomeSessionNotFound, res.Outcome)

	notUUID, err := f.codec.Encode(token.QR{Claims: token.Claims{SessionID: "S1", IssuedAtMs: t0.UnixMilli(), Subject: "DSA", CohortYear: 2, CohortSemester: 3}})
	require.NoError(t, err)
	res, _ = f.p.SubmitQR(ctx, st, notUUID)
	require.Equal(t, OutcomeSessionNotFound, res.Outcome)

	stale := f.qr(t, s)
	f.clk.set(t0.Add(5*time.Second + time.Millisecond))
	res, _ = f.p.SubmitQR(ctx, st, stale)
	require.Equal(t, OutcomeExpiredProof, res.Outcome)
	f.clk.set(t0)

	renamed := *s
	renamed.Subject = "Databases"
	res, _ = f.p.SubmitQR(ctx, st, f.qr(t, &renamed))
	require.Equal(t, OutcomeSubjectMismatch, res.Outcome)

	otherCohort := *s
	otherCohort.Cohort = model.Cohort{Year: 2, Semester: 4}
	res, _ = f.p.SubmitQR(ctx, st, f.qr(t, &otherCohort))
	require.Equal(t, OutcomeCohortMismatch, res.Outcome)

	stranger := uuid.Must(uuid.NewV4())
	res, _ = f.p.SubmitQR(ctx, stranger, f.qr(t, s))
	require.Equal(t, OutcomeNotEligible, res.Outcome)

	require.NoError(t, f.store.End(ctx, s.ID, t0))
	res, _ = f.p.SubmitQR(ctx, st, f.qr(t, s))
	require.Equal(t, OutcomeSessionInactive, res.Outcome)
	require.Empty(t, f.store.marks)
}

func TestSubmitQR_CohortIsolation(t *testing.T) {
	t.Parallel()
	f := newCommitFixture(t, token.DefaultWindows)
	s := f.store.activeSession(t, "DSA", model.Cohort{Year: 2, Semester: 3}, model.ModeQR, t0)
	sem4 := f.store.student(model.Cohort{Year: 2, Semester: 4})

	res, err := f.p.SubmitQR(context.Background(), sem4, f.qr(t, s))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotEligible, res.Outcome)

	// the token itself minted for sem 3 against a session now recorded as sem 4
	tok := f.qr(t, s)
	f.store.sessions[s.ID].Cohort = model.Cohort{Year: 2, Semester: 4}
	res, err = f.p.SubmitQR(context.Background(), sem4, tok)
	require.NoError(t, err)
	require.Equal(t, OutcomeCohortMismatch, res.Outcome)
}

func TestSubmitQR_StorageErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("db down")
	ctx := context.Background()

	f := newCommitFixture(t, token.DefaultWindows)
	s := f.store.activeSession(t, "DSA", cohort, model.ModeQR, t0)
	st := f.store.student(cohort)
	payload := f.qr(t, s)

	f.store.getErr = boom
	res, err := f.p.SubmitQR(ctx, st, payload)
	require.ErrorIs(t, err, boom)
	require.Equal(t, OutcomeStorageError, res.Outcome)
	f.store.getErr = nil

	f.store.cohortErr = boom
	res, err = f.p.SubmitQR(ctx, st, payload)
	require.ErrorIs(t, err, boom)
	require.Equal(t, OutcomeStorageError, res.Outcome)
	f.store.cohortErr = nil

	f.store.insertErr = boom
	res, err = f.p.SubmitQR(ctx, st, payload)
	require.ErrorIs(t, err, boom)
	require.Equal(t, OutcomeStorageError, res.Outcome)
}

func TestSubmitOTP_ScansActiveSessions(t *testing.T) {
	t.Parallel()
	f := newCommitFixture(t, token.DefaultWindows)
	ctx := context.Background()
	a := f.store.activeSession(t, "DSA", cohort, model.ModeOTP, t0)
	b := f.store.activeSession(t, "OS", cohort, model.ModeOTP, t0.Add(time.Second))
	f.store.activeSession(t, "Idle", cohort, model.ModeOTP, t0.Add(2*time.Second)) // nothing published yet
	f.publishOTP(t, a, "111111")
	f.publishOTP(t, b, "222222")
	st := f.store.student(cohort)

	res, err := f.p.SubmitOTP(ctx, st, "222222")
	require.NoError(t, err)
	require.Equal(t, OutcomeMarked, res.Outcome)
	require.Equal(t, b.ID, res.SessionID)

	res, _ = f.p.SubmitOTP(ctx, st, "333333")
	require.Equal(t, OutcomeSessionNotFound, res.Outcome)

	for _, bad := range []string{"", "12345", "1234567", "12a456"} {
		res, _ = f.p.SubmitOTP(ctx, st, bad)
		require.Equal(t, OutcomeInvalidProof, res.Outcome, bad)
	}

	f.clk.set(t0.Add(15*time.Second + time.Millisecond))
	res, _ = f.p.SubmitOTP(ctx, st, "111111")
	require.Equal(t, OutcomeExpiredProof, res.Outcome)
}

func TestSubmitOTP_FirstMatchWinsAndSkipsUndecodable(t *testing.T) {
	t.Parallel()
	f := newCommitFixture(t, token.DefaultWindows)
	ctx := context.Background()
	junk := f.store.activeSession(t, "Junk", cohort, model.ModeOTP, t0)
	first := f.store.activeSession(t, "DSA", cohort, model.ModeOTP, t0.Add(time.Second))
	second := f.store.activeSession(t, "OS", cohort, model.ModeOTP, t0.Add(2*time.Second))
	require.NoError(t, f.store.PublishCurrentToken(ctx, junk.ID, "not-a-token", testLease(f.clk.now())))
	f.publishOTP(t, first, "424242")
	f.publishOTP(t, second, "424242")

	res, err := f.p.SubmitOTP(ctx, f.store.student(cohort), "424242")
	require.NoError(t, err)
	require.Equal(t, OutcomeMarked, res.Outcome)
	require.Equal(t, first.ID, res.SessionID)
}

func TestSubmitOTP_RefetchesLiveSession(t *testing.T) {
	t.Parallel()
	f := newCommitFixture(t, token.DefaultWindows)
	ctx := context.Background()
	s := f.store.activeSession(t, "DSA", cohort, model.ModeOTP, t0)
	f.publishOTP(t, s, "777777")
	before := f.store.getCalls

	res, err := f.p.SubmitOTP(ctx, f.store.student(cohort), "777777")
	require.NoError(t, err)
	require.Equal(t, OutcomeMarked, res.Outcome)
	require.Equal(t, before+1, f.store.getCalls)

	f.store.listErr = errors.New("db down")
	res, err = f.p.SubmitOTP(ctx, f.store.student(cohort), "777777")
	require.Error(t, err)
	require.Equal(t, OutcomeStorageError, res.Outcome)
}

func TestCommit_ConcurrentSameStudentOneWinner(t *testing.T) {
	t.Parallel()
	f := newCommitFixture(t, token.DefaultWindows)
	s := f.store.activeSession(t, "DSA", cohort, model.ModeQR, t0)
	st := f.store.student(cohort)
	payload := f.qr(t, s)

	const n = 32
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.p.SubmitQR(context.Background(), st, payload)
			if err == nil {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	counts := map[Outcome]int{}
	for _, o := range outcomes {
		counts[o]++
	}
	require.Equal(t, 1, counts[OutcomeMarked])
	require.Equal(t, n-1, counts[OutcomeAlreadyMarked])
}

// Session "DSA" (2, 3) rotating every 8s; T0 minted at t=0 and validated with a
// 15s window.
func TestScenario_ReplayAcrossTime(t *testing.T) {
	t.Parallel()
	f := newCommitFixture(t, token.Windows{QR: 15 * time.Second, OTP: 15 * time.Second})
	ctx := context.Background()
	s := f.store.activeSession(t, "DSA", cohort, model.ModeQR, t0)
	first := f.store.student(cohort)
	second := f.store.student(cohort)
	t0tok := f.qr(t, s)

	f.clk.set(t0.Add(6 * time.Second))
	res, err := f.p.SubmitQR(ctx, first, t0tok)
	require.NoError(t, err)
	require.Equal(t, OutcomeMarked, res.Outcome)

	f.clk.set(t0.Add(10 * time.Second))
	res, err = f.p.SubmitQR(ctx, first, t0tok)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyMarked, res.Outcome)

	f.clk.set(t0.Add(20 * time.Second))
	res, err = f.p.SubmitQR(ctx, second, t0tok)
	require.NoError(t, err)
	require.Equal(t, OutcomeExpiredProof, res.Outcome)

	marks, err := f.store.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, marks, 1)
}
