// Package engine is the entry point for completion triggers. Marking a
// resource complete and submitting an evaluation attempt both record the
// learner's work first and then synchronously re-check completion, issuing the
// course certificate and any program certificates it unlocks.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/certification/internal/completion"
	"github.com/ILLUVRSE/certification/internal/grading"
	"github.com/ILLUVRSE/certification/internal/issuer"
	"github.com/ILLUVRSE/certification/internal/models"
	"github.com/ILLUVRSE/certification/internal/program"
	"github.com/ILLUVRSE/certification/internal/store"
	"github.com/ILLUVRSE/certification/internal/window"
)

var (
	ErrEvaluationWindowClosed = errors.New("evaluation is not open for submissions")
	ErrAttemptLimitExceeded   = errors.New("attempt limit reached")
	ErrAuditModeForbidden     = errors.New("audit-mode enrollments cannot submit evaluations")
	ErrNotEnrolled            = completion.ErrNotEnrolled
	ErrAttemptConflict        = errors.New("concurrent attempt submission, retry")
	ErrInvalidScore           = errors.New("grader returned a score outside 0-100")
	ErrEvaluationOnlyResource = errors.New("resource is completed by passing its evaluation")
	// ErrCompletionRecheckFailed wraps failures that happen after the learner's
	// work was committed. The recorded row stands and is returned alongside.
	ErrCompletionRecheckFailed = errors.New("completion re-check failed")
)

// WindowClosedError is returned when a submission falls outside the
// evaluation's window. Bounds are rendered in the evaluation's time zone.
type WindowClosedError struct {
	EvaluationID uuid.UUID
	State        window.State
	Window       window.Window
	Timezone     string
}

func (e *WindowClosedError) Error() string {
	return fmt.Sprintf("%s: evaluation %s is %s", ErrEvaluationWindowClosed, e.EvaluationID, e.State)
}

func (e *WindowClosedError) Unwrap() error { return ErrEvaluationWindowClosed }

type Config struct {
	// FanoutConcurrency bounds concurrent program issuance after a course
	// certificate is issued.
	FanoutConcurrency int
	Now               func() time.Time
}

type Engine struct {
	store  store.Store
	issuer *issuer.Issuer
	grader grading.Grader
	cfg    Config
}

func New(s store.Store, iss *issuer.Issuer, grader grading.Grader, cfg Config) *Engine {
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{store: s, issuer: iss, grader: grader, cfg: cfg}
}

// Followup reports what the synchronous re-check did after a trigger.
type Followup struct {
	Course   *issuer.Result   `json:"course,omitempty"`
	Programs []ProgramOutcome `json:"programs,omitempty"`
}

type ProgramOutcome struct {
	ProgramID uuid.UUID      `json:"programId"`
	Result    *issuer.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type MarkResult struct {
	Progress models.ResourceProgress `json:"progress"`
	Created  bool                    `json:"created"`
	Followup
}

type SubmitResult struct {
	Attempt models.EvaluationAttempt `json:"attempt"`
	Followup
}

type IssueResult struct {
	issuer.Result
	Programs []ProgramOutcome `json:"programs,omitempty"`
}

type Status struct {
	completion.Result
	Certificate *models.Certificate `json:"certificate,omitempty"`
}

func (e *Engine) now() time.Time {
	return e.cfg.Now().UTC()
}

// MarkResourceComplete records progress idempotently. Only the call that
// creates the row runs the completion re-check; repeats return the original
// row.
func (e *Engine) MarkResourceComplete(ctx context.Context, userID, resourceID uuid.UUID) (MarkResult, error) {
	res, err := e.store.GetResource(ctx, resourceID)
	if err != nil {
		return MarkResult{}, fmt.Errorf("load resource: %w", err)
	}
	if res.EvaluationOnly {
		return MarkResult{}, ErrEvaluationOnlyResource
	}
	if _, err := e.store.GetEnrollment(ctx, userID, res.CourseID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return MarkResult{}, ErrNotEnrolled
		}
		return MarkResult{}, fmt.Errorf("load enrollment: %w", err)
	}

	p, created, err := e.store.InsertProgress(ctx, store.ProgressInput{
		UserID:      userID,
		ResourceID:  resourceID,
		CourseID:    res.CourseID,
		CompletedAt: e.now(),
	})
	if err != nil {
		return MarkResult{}, fmt.Errorf("record progress: %w", err)
	}
	out := MarkResult{Progress: p, Created: created}
	if !created {
		return out, nil
	}

	out.Followup, err = e.recheck(ctx, userID, res.CourseID)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrCompletionRecheckFailed, err)
	}
	return out, nil
}

// SubmitAttempt gates, grades and records one evaluation attempt. Rejected
// submissions leave no trace.
func (e *Engine) SubmitAttempt(ctx context.Context, userID, evaluationID uuid.UUID, answers json.RawMessage) (SubmitResult, error) {
	eval, err := e.store.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("load evaluation: %w", err)
	}
	submittedAt := e.now()
	w := window.ForEvaluation(eval)
	if st := w.State(submittedAt); st != window.Open {
		loc := window.LoadLocation(eval.Timezone)
		return SubmitResult{}, &WindowClosedError{
			EvaluationID: eval.ID,
			State:        st,
			Window:       w.In(loc),
			Timezone:     loc.String(),
		}
	}
	count, err := e.store.CountAttempts(ctx, userID, evaluationID)
	if err != nil {
		return SubmitResult{}, err
	}
	if eval.MaxAttempts > 0 && count >= eval.MaxAttempts {
		return SubmitResult{}, ErrAttemptLimitExceeded
	}
	enrollment, err := e.store.GetEnrollment(ctx, userID, eval.CourseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SubmitResult{}, ErrNotEnrolled
		}
		return SubmitResult{}, fmt.Errorf("load enrollment: %w", err)
	}
	if enrollment.AuditMode {
		return SubmitResult{}, ErrAuditModeForbidden
	}

	score, err := e.grader.Grade(ctx, grading.Request{
		UserID:        userID,
		EvaluationID:  evaluationID,
		AttemptNumber: count + 1,
		Answers:       answers,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("grade attempt: %w", err)
	}
	if math.IsNaN(score) || score < 0 || score > 100 {
		return SubmitResult{}, ErrInvalidScore
	}

	var attempt models.EvaluationAttempt
	err = e.store.InTx(ctx, func(q store.Queries) error {
		n, err := q.CountAttempts(ctx, userID, evaluationID)
		if err != nil {
			return err
		}
		if eval.MaxAttempts > 0 && n >= eval.MaxAttempts {
			return ErrAttemptLimitExceeded
		}
		attempt, err = q.InsertAttempt(ctx, store.AttemptInput{
			UserID:        userID,
			EvaluationID:  evaluationID,
			CourseID:      eval.CourseID,
			AttemptNumber: n + 1,
			Score:         score,
			Passed:        eval.Passes(score),
			SubmittedAt:   submittedAt,
		})
		return err
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return SubmitResult{}, ErrAttemptConflict
	case errors.Is(err, ErrAttemptLimitExceeded):
		return SubmitResult{}, err
	case err != nil:
		return SubmitResult{}, fmt.Errorf("record attempt: %w", err)
	}

	out := SubmitResult{Attempt: attempt}
	out.Followup, err = e.recheck(ctx, userID, eval.CourseID)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrCompletionRecheckFailed, err)
	}
	return out, nil
}

// IssueIfEligible is the explicit issuance trigger. A newly issued course
// certificate fans out to the programs containing the course.
func (e *Engine) IssueIfEligible(ctx context.Context, userID uuid.UUID, kind models.TargetKind, targetID uuid.UUID) (IssueResult, error) {
	res, err := e.issuer.IssueIfEligible(ctx, userID, kind, targetID)
	if err != nil {
		return IssueResult{}, err
	}
	out := IssueResult{Result: res}
	if kind == models.TargetCourse && res.Outcome == issuer.Issued {
		out.Programs, err = e.fanOut(ctx, userID, targetID)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (e *Engine) recheck(ctx context.Context, userID, courseID uuid.UUID) (Followup, error) {
	res, err := e.IssueIfEligible(ctx, userID, models.TargetCourse, courseID)
	if err != nil {
		return Followup{}, err
	}
	course := res.Result
	return Followup{Course: &course, Programs: res.Programs}, nil
}

// fanOut tries every program containing the course. Individual failures are
// logged and reported; they never undo the course certificate.
func (e *Engine) fanOut(ctx context.Context, userID, courseID uuid.UUID) ([]ProgramOutcome, error) {
	programs, err := e.store.ListProgramsForCourse(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("list programs for course: %w", err)
	}
	outcomes := make([]ProgramOutcome, len(programs))
	var g errgroup.Group
	g.SetLimit(e.cfg.FanoutConcurrency)
	for i, p := range programs {
		g.Go(func() error {
			outcomes[i].ProgramID = p.ID
			res, err := e.issuer.IssueIfEligible(ctx, userID, models.TargetProgram, p.ID)
			if err != nil {
				log.Printf("[engine] program fan-out user=%s program=%s: %v", userID, p.ID, err)
				outcomes[i].Error = err.Error()
				return nil
			}
			outcomes[i].Result = &res
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func (e *Engine) EvaluateProgram(ctx context.Context, userID, programID uuid.UUID) (completion.Result, error) {
	return program.Evaluate(ctx, e.store, userID, programID)
}

// CourseStatus is read-only; it never issues.
func (e *Engine) CourseStatus(ctx context.Context, userID, courseID uuid.UUID) (Status, error) {
	res, err := completion.Check(ctx, e.store, userID, courseID)
	if err != nil {
		return Status{}, err
	}
	return e.withCertificate(ctx, res, userID, models.TargetCourse, courseID)
}

func (e *Engine) ProgramStatus(ctx context.Context, userID, programID uuid.UUID) (Status, error) {
	res, err := e.EvaluateProgram(ctx, userID, programID)
	if err != nil {
		return Status{}, err
	}
	return e.withCertificate(ctx, res, userID, models.TargetProgram, programID)
}

func (e *Engine) withCertificate(ctx context.Context, res completion.Result, userID uuid.UUID, kind models.TargetKind, targetID uuid.UUID) (Status, error) {
	st := Status{Result: res}
	cert, err := e.store.GetActiveCertificate(ctx, userID, kind, targetID)
	switch {
	case err == nil:
		st.Certificate = &cert
	case !errors.Is(err, store.ErrNotFound):
		return Status{}, fmt.Errorf("load certificate: %w", err)
	}
	return st, nil
}

// Revoke flips a certificate to revoked and queues the revocation event in
// the same transaction.
func (e *Engine) Revoke(ctx context.Context, certificateID uuid.UUID, reason string) (models.Certificate, error) {
	var cert models.Certificate
	err := e.store.InTx(ctx, func(q store.Queries) error {
		var err error
		cert, err = q.RevokeCertificate(ctx, certificateID, reason, e.now())
		if err != nil {
			return err
		}
		payload, err := issuer.EventPayload(cert, e.issuer.ValidationURL(cert.ValidationCode))
		if err != nil {
			return err
		}
		_, err = q.EnqueueCertificateEvent(ctx, store.EventInput{
			CertificateID: cert.ID,
			EventType:     models.EventCertificateRevoked,
			Payload:       payload,
			CreatedAt:     e.now(),
		})
		return err
	})
	if err != nil {
		return models.Certificate{}, fmt.Errorf("revoke certificate: %w", err)
	}
	log.Printf("[engine] revoked certificate %s reason=%q", cert.ID, reason)
	return cert, nil
}
