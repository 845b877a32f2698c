package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/certification/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("duplicate record")
	ErrAlreadyRevoked = errors.New("certificate already revoked")
)

// Queries is the surface shared by a Store and an open transaction.
type Queries interface {
	GetCourse(ctx context.Context, courseID uuid.UUID) (models.Course, error)
	GetResource(ctx context.Context, resourceID uuid.UUID) (models.Resource, error)
	GetEvaluation(ctx context.Context, evaluationID uuid.UUID) (models.Evaluation, error)
	GetEnrollment(ctx context.Context, userID, courseID uuid.UUID) (models.Enrollment, error)

	ListProgress(ctx context.Context, userID, courseID uuid.UUID) ([]models.ResourceProgress, error)
	// InsertProgress is idempotent; created is false when the row already
	// existed and the stored row is returned unchanged.
	InsertProgress(ctx context.Context, in ProgressInput) (p models.ResourceProgress, created bool, err error)

	ListAttempts(ctx context.Context, userID, courseID uuid.UUID) ([]models.EvaluationAttempt, error)
	CountAttempts(ctx context.Context, userID, evaluationID uuid.UUID) (int, error)
	InsertAttempt(ctx context.Context, in AttemptInput) (models.EvaluationAttempt, error)

	GetProgram(ctx context.Context, programID uuid.UUID) (models.Program, error)
	ListProgramsForCourse(ctx context.Context, courseID uuid.UUID) ([]models.Program, error)

	GetCertificate(ctx context.Context, id uuid.UUID) (models.Certificate, error)
	GetActiveCertificate(ctx context.Context, userID uuid.UUID, kind models.TargetKind, targetID uuid.UUID) (models.Certificate, error)
	InsertCertificate(ctx context.Context, in CertificateInput) (models.Certificate, error)
	RevokeCertificate(ctx context.Context, id uuid.UUID, reason string, at time.Time) (models.Certificate, error)

	EnqueueCertificateEvent(ctx context.Context, in EventInput) (models.CertificateEvent, error)
}

type Store interface {
	Queries
	// InTx runs fn inside one transaction. Any error from fn rolls back.
	InTx(ctx context.Context, fn func(q Queries) error) error
	GetCertificateByCode(ctx context.Context, code string) (models.Certificate, error)
	// FetchPendingEvents claims up to limit undelivered outbox rows. Rows left
	// in_progress since before staleBefore are reclaimed.
	FetchPendingEvents(ctx context.Context, limit, maxAttempts int, staleBefore time.Time) ([]models.CertificateEvent, error)
	MarkEventResult(ctx context.Context, id uuid.UUID, archivedKey string, success bool, errMsg string) error
	Ping(ctx context.Context) error
}

type ProgressInput struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	ResourceID  uuid.UUID
	CourseID    uuid.UUID
	CompletedAt time.Time
}

type AttemptInput struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	EvaluationID  uuid.UUID
	CourseID      uuid.UUID
	AttemptNumber int
	Score         float64
	Passed        bool
	SubmittedAt   time.Time
}

type CertificateInput struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	TargetKind     models.TargetKind
	TargetID       uuid.UUID
	TemplateID     string
	ValidationCode string
	IssuedAt       time.Time
}

type EventInput struct {
	ID            uuid.UUID
	CertificateID uuid.UUID
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func (in ProgressInput) record() models.ResourceProgress {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	return models.ResourceProgress{
		ID:          in.ID,
		UserID:      in.UserID,
		ResourceID:  in.ResourceID,
		CourseID:    in.CourseID,
		CompletedAt: in.CompletedAt,
	}
}

func (in AttemptInput) record() models.EvaluationAttempt {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	return models.EvaluationAttempt{
		ID:            in.ID,
		UserID:        in.UserID,
		EvaluationID:  in.EvaluationID,
		CourseID:      in.CourseID,
		AttemptNumber: in.AttemptNumber,
		Score:         in.Score,
		Passed:        in.Passed,
		SubmittedAt:   in.SubmittedAt,
	}
}

func (in CertificateInput) record() models.Certificate {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	return models.Certificate{
		ID:             in.ID,
		UserID:         in.UserID,
		TargetKind:     in.TargetKind,
		TargetID:       in.TargetID,
		TemplateID:     in.TemplateID,
		ValidationCode: in.ValidationCode,
		IssuedAt:       in.IssuedAt,
	}
}

func (in EventInput) record() models.CertificateEvent {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	return models.CertificateEvent{
		ID:            in.ID,
		CertificateID: in.CertificateID,
		EventType:     in.EventType,
		Payload:       ensureJSON(in.Payload),
		StreamStatus:  models.StreamPending,
		CreatedAt:     in.CreatedAt,
	}
}
