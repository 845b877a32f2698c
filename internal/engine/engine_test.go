package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/certification/internal/completion"
	"github.com/ILLUVRSE/certification/internal/grading"
	"github.com/ILLUVRSE/certification/internal/issuer"
	"github.com/ILLUVRSE/certification/internal/models"
	"github.com/ILLUVRSE/certification/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var (
	opens  = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	closes = time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
)

type harness struct {
	store   *store.MemoryStore
	clock   *clock
	engine  *Engine
	user    uuid.UUID
	course  models.Course
	reading models.Resource
	quiz    models.Resource
	exam    models.Evaluation
	graded  []grading.Request
}

// newHarness builds a course with a required reading and a required quiz page
// whose evaluation passes at 70 and allows two attempts.
func newHarness(t *testing.T, audit bool) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		clock: &clock{t: opens.Add(time.Hour)},
		user:  uuid.New(),
	}
	h.exam = models.Evaluation{ID: uuid.New(), PassingScore: 70, MaxAttempts: 2, OpensAt: &opens, ClosesAt: &closes}
	h.reading = models.Resource{ID: uuid.New(), Kind: models.RequirementRequired, Title: "Reading"}
	h.quiz = models.Resource{ID: uuid.New(), Kind: models.RequirementRequired, Title: "Quiz", EvaluationOnly: true, Evaluation: &h.exam}
	h.course = models.Course{ID: uuid.New(), Sections: []models.Section{{ID: uuid.New(), Resources: []models.Resource{h.reading, h.quiz}}}}
	h.store.AddCourse(h.course)
	h.store.AddEnrollment(models.Enrollment{UserID: h.user, CourseID: h.course.ID, AuditMode: audit, EnrolledAt: opens})

	var mu sync.Mutex
	grader := grading.Func(func(ctx context.Context, req grading.Request) (float64, error) {
		mu.Lock()
		h.graded = append(h.graded, req)
		mu.Unlock()
		return grading.Pregraded(ctx, req)
	})
	iss := issuer.New(h.store, issuer.Config{Now: h.clock.Now})
	h.engine = New(h.store, iss, grader, Config{Now: h.clock.Now})
	return h
}

func score(v float64) json.RawMessage {
	b, _ := json.Marshal(map[string]float64{"score": v})
	return b
}

func TestMarkResourceCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	first, err := h.engine.MarkResourceComplete(ctx, h.user, h.reading.ID)
	require.NoError(t, err)
	assert.True(t, first.Created)
	require.NotNil(t, first.Course)
	assert.Equal(t, issuer.NotEligible, first.Course.Outcome)

	h.clock.Set(opens.Add(2 * time.Hour))
	second, err := h.engine.MarkResourceComplete(ctx, h.user, h.reading.ID)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Nil(t, second.Course, "repeat marks do not re-run the check")
	assert.Equal(t, first.Progress.CompletedAt, second.Progress.CompletedAt)
	assert.Equal(t, first.Progress.ID, second.Progress.ID)
}

func TestMarkResourceCompleteRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	_, err := h.engine.MarkResourceComplete(ctx, h.user, h.quiz.ID)
	assert.ErrorIs(t, err, ErrEvaluationOnlyResource)

	_, err = h.engine.MarkResourceComplete(ctx, h.user, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.engine.MarkResourceComplete(ctx, uuid.New(), h.reading.ID)
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestSubmitAttemptWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	h.clock.Set(opens.Add(-time.Second))
	_, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(90))
	assert.ErrorIs(t, err, ErrEvaluationWindowClosed)

	h.clock.Set(closes)
	_, err = h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(90))
	assert.ErrorIs(t, err, ErrEvaluationWindowClosed)

	attempts, err := h.store.ListAttempts(ctx, h.user, h.course.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
	assert.Empty(t, h.graded, "closed windows are rejected before grading")

	h.clock.Set(closes.Add(-time.Nanosecond))
	res, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(90))
	require.NoError(t, err)
	assert.True(t, res.Attempt.Passed)
}

func TestWindowClosedErrorRendersZone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.exam.Timezone = "Asia/Jakarta"
	h.quiz.Evaluation = &h.exam
	h.store.AddCourse(models.Course{ID: h.course.ID, Sections: []models.Section{{ID: h.course.Sections[0].ID, Resources: []models.Resource{h.reading, h.quiz}}}})

	h.clock.Set(closes.Add(time.Minute))
	_, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(90))
	var closed *WindowClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, h.exam.ID, closed.EvaluationID)
	assert.Equal(t, "closed", closed.State.String())
	assert.Equal(t, "Asia/Jakarta", closed.Timezone)
	require.NotNil(t, closed.Window.ClosesAt)
	assert.True(t, closes.Equal(*closed.Window.ClosesAt))
	assert.Equal(t, 16, closed.Window.ClosesAt.Hour())
}

func TestRescheduledWindowKeepsRecordedPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	res, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(90))
	require.NoError(t, err)
	require.True(t, res.Attempt.Passed)

	moved := h.exam
	movedOpens := opens.Add(30 * 24 * time.Hour)
	movedCloses := movedOpens.Add(7 * 24 * time.Hour)
	moved.OpensAt, moved.ClosesAt = &movedOpens, &movedCloses
	quiz := h.quiz
	quiz.Evaluation = &moved
	h.store.AddCourse(models.Course{ID: h.course.ID, Sections: []models.Section{{ID: h.course.Sections[0].ID, Resources: []models.Resource{h.reading, quiz}}}})

	mark, err := h.engine.MarkResourceComplete(ctx, h.user, h.reading.ID)
	require.NoError(t, err)
	require.NotNil(t, mark.Course)
	assert.Equal(t, issuer.Issued, mark.Course.Outcome, "unmet: %+v", mark.Course.Unmet)
}

func TestSubmitAttemptLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	for i := 1; i <= 2; i++ {
		res, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(10))
		require.NoError(t, err)
		assert.Equal(t, i, res.Attempt.AttemptNumber)
		assert.False(t, res.Attempt.Passed)
	}
	_, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(100))
	assert.ErrorIs(t, err, ErrAttemptLimitExceeded)

	n, err := h.store.CountAttempts(ctx, h.user, h.exam.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAuditModeForbidsAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	_, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(100))
	assert.ErrorIs(t, err, ErrAuditModeForbidden)

	res, err := h.engine.MarkResourceComplete(ctx, h.user, h.reading.ID)
	require.NoError(t, err, "audit learners may still record progress")
	require.NotNil(t, res.Course)
	assert.Equal(t, issuer.NotEligible, res.Course.Outcome)
	assert.Equal(t, completion.ReasonAuditMode, res.Course.Unmet[0].Reason)
}

func TestSubmitAttemptNotEnrolled(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.SubmitAttempt(context.Background(), uuid.New(), h.exam.ID, score(100))
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestSubmitAttemptInvalidScore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	_, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(101))
	assert.ErrorIs(t, err, ErrInvalidScore)
	_, err = h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(-1))
	assert.ErrorIs(t, err, ErrInvalidScore)

	_, err = h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, grading.ErrNoScore)

	n, _ := h.store.CountAttempts(ctx, h.user, h.exam.ID)
	assert.Zero(t, n)
}

func TestPassingAttemptIssuesCertificate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	_, err := h.engine.MarkResourceComplete(ctx, h.user, h.reading.ID)
	require.NoError(t, err)

	res, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(75))
	require.NoError(t, err)
	require.NotNil(t, res.Course)
	assert.Equal(t, issuer.Issued, res.Course.Outcome)
	assert.Equal(t, 1, h.graded[0].AttemptNumber)

	st, err := h.engine.CourseStatus(ctx, h.user, h.course.ID)
	require.NoError(t, err)
	assert.True(t, st.Complete)
	require.NotNil(t, st.Certificate)
	assert.Equal(t, res.Course.Certificate.ID, st.Certificate.ID)
}

func TestCourseStatusNeverIssues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	_, err := h.store.InsertAttempt(ctx, store.AttemptInput{
		UserID: h.user, EvaluationID: h.exam.ID, CourseID: h.course.ID,
		AttemptNumber: 1, Score: 99, Passed: true, SubmittedAt: opens.Add(time.Minute),
	})
	require.NoError(t, err)
	_, _, err = h.store.InsertProgress(ctx, store.ProgressInput{UserID: h.user, ResourceID: h.reading.ID, CourseID: h.course.ID})
	require.NoError(t, err)

	st, err := h.engine.CourseStatus(ctx, h.user, h.course.ID)
	require.NoError(t, err)
	assert.True(t, st.Complete)
	assert.Nil(t, st.Certificate)
	assert.Empty(t, h.store.Events())

	_, err = h.engine.CourseStatus(ctx, uuid.New(), h.course.ID)
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestCourseCertificateFansOutToPrograms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	single := models.Program{ID: uuid.New(), CourseIDs: []uuid.UUID{h.course.ID}}
	pair := models.Program{ID: uuid.New(), CourseIDs: []uuid.UUID{h.course.ID, uuid.New()}}
	h.store.AddProgram(single)
	h.store.AddProgram(pair)

	_, err := h.engine.MarkResourceComplete(ctx, h.user, h.reading.ID)
	require.NoError(t, err)
	res, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(70))
	require.NoError(t, err)
	require.Len(t, res.Programs, 2)

	byID := map[uuid.UUID]ProgramOutcome{}
	for _, p := range res.Programs {
		byID[p.ProgramID] = p
	}
	assert.Equal(t, issuer.Issued, byID[single.ID].Result.Outcome)
	assert.Equal(t, issuer.NotEligible, byID[pair.ID].Result.Outcome)

	st, err := h.engine.ProgramStatus(ctx, h.user, single.ID)
	require.NoError(t, err)
	assert.True(t, st.Complete)
	assert.NotNil(t, st.Certificate)
}

type failingPrograms struct {
	*store.MemoryStore
}

func (failingPrograms) ListProgramsForCourse(context.Context, uuid.UUID) ([]models.Program, error) {
	return nil, errors.New("connection reset")
}

func TestRecheckFailureKeepsAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	s := failingPrograms{h.store}
	eng := New(s, issuer.New(s, issuer.Config{Now: h.clock.Now}), grading.Pregraded, Config{Now: h.clock.Now})

	_, err := eng.MarkResourceComplete(ctx, h.user, h.reading.ID)
	require.NoError(t, err)

	res, err := eng.SubmitAttempt(ctx, h.user, h.exam.ID, score(95))
	assert.ErrorIs(t, err, ErrCompletionRecheckFailed)
	assert.Equal(t, 1, res.Attempt.AttemptNumber)
	n, _ := h.store.CountAttempts(ctx, h.user, h.exam.ID)
	assert.Equal(t, 1, n, "the attempt is never rolled back")

	_, err = h.store.GetActiveCertificate(ctx, h.user, models.TargetCourse, h.course.ID)
	assert.NoError(t, err, "the course certificate stands")
}

type racingAttempts struct {
	*store.MemoryStore
}

type duplicateInsert struct {
	store.Queries
}

func (duplicateInsert) InsertAttempt(context.Context, store.AttemptInput) (models.EvaluationAttempt, error) {
	return models.EvaluationAttempt{}, store.ErrDuplicate
}

func (r racingAttempts) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	return r.MemoryStore.InTx(ctx, func(q store.Queries) error { return fn(duplicateInsert{q}) })
}

func TestAttemptNumberRace(t *testing.T) {
	h := newHarness(t, false)
	s := racingAttempts{h.store}
	eng := New(s, issuer.New(s, issuer.Config{}), grading.Pregraded, Config{Now: h.clock.Now})

	_, err := eng.SubmitAttempt(context.Background(), h.user, h.exam.ID, score(95))
	assert.ErrorIs(t, err, ErrAttemptConflict)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	_, err := h.engine.MarkResourceComplete(ctx, h.user, h.reading.ID)
	require.NoError(t, err)
	res, err := h.engine.SubmitAttempt(ctx, h.user, h.exam.ID, score(88))
	require.NoError(t, err)
	certID := res.Course.Certificate.ID

	cert, err := h.engine.Revoke(ctx, certID, "academic misconduct")
	require.NoError(t, err)
	assert.True(t, cert.Revoked)
	assert.Equal(t, "academic misconduct", cert.RevokedReason)

	events := h.store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventCertificateRevoked, events[1].EventType)

	_, err = h.engine.Revoke(ctx, certID, "again")
	assert.ErrorIs(t, err, store.ErrAlreadyRevoked)
	_, err = h.engine.Revoke(ctx, uuid.New(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	st, err := h.engine.CourseStatus(ctx, h.user, h.course.ID)
	require.NoError(t, err)
	assert.True(t, st.Complete)
	assert.Nil(t, st.Certificate, "revoked certificates are not active")
}

func TestExplicitIssueFansOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	prog := models.Program{ID: uuid.New(), CourseIDs: []uuid.UUID{h.course.ID}}
	h.store.AddProgram(prog)
	_, _, err := h.store.InsertProgress(ctx, store.ProgressInput{UserID: h.user, ResourceID: h.reading.ID, CourseID: h.course.ID})
	require.NoError(t, err)
	_, err = h.store.InsertAttempt(ctx, store.AttemptInput{
		UserID: h.user, EvaluationID: h.exam.ID, CourseID: h.course.ID,
		AttemptNumber: 1, Score: 80, Passed: true, SubmittedAt: opens.Add(time.Minute),
	})
	require.NoError(t, err)

	res, err := h.engine.IssueIfEligible(ctx, h.user, models.TargetCourse, h.course.ID)
	require.NoError(t, err)
	assert.Equal(t, issuer.Issued, res.Outcome)
	require.Len(t, res.Programs, 1)
	assert.Equal(t, issuer.Issued, res.Programs[0].Result.Outcome)

	again, err := h.engine.IssueIfEligible(ctx, h.user, models.TargetCourse, h.course.ID)
	require.NoError(t, err)
	assert.Equal(t, issuer.AlreadyIssued, again.Outcome)
	assert.Empty(t, again.Programs)
}
