package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequirementKind is the closed set of ways a resource can count toward completion.
type RequirementKind string

const (
	RequirementRequired    RequirementKind = "required"
	RequirementOptional    RequirementKind = "optional"
	RequirementAlternative RequirementKind = "alternative"
)

func (k RequirementKind) Valid() bool {
	switch k {
	case RequirementRequired, RequirementOptional, RequirementAlternative:
		return true
	}
	return false
}

type TargetKind string

const (
	TargetCourse  TargetKind = "course"
	TargetProgram TargetKind = "program"
)

func (k TargetKind) Valid() bool {
	return k == TargetCourse || k == TargetProgram
}

func ParseTargetKind(s string) (TargetKind, error) {
	k := TargetKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown target kind %q", s)
	}
	return k, nil
}

var (
	ErrMissingGroup    = errors.New("alternative resource requires a group id")
	ErrUnexpectedGroup = errors.New("group id is only valid for alternative resources")
	ErrUnknownKind     = errors.New("unknown requirement kind")
	ErrInvertedWindow  = errors.New("evaluation opens after it closes")
	ErrPassingScore    = errors.New("passing score must be within 0-100")
	ErrMaxAttempts     = errors.New("max attempts must not be negative")
	ErrNoEvaluation    = errors.New("evaluation-only resource has no evaluation")
)

type Course struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

// Resources flattens sections in display order.
func (c Course) Resources() []Resource {
	var out []Resource
	for _, s := range c.Sections {
		out = append(out, s.Resources...)
	}
	return out
}

type Section struct {
	ID        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	Position  int        `json:"position"`
	Resources []Resource `json:"resources"`
}

type Resource struct {
	ID        uuid.UUID       `json:"id"`
	CourseID  uuid.UUID       `json:"courseId"`
	SectionID uuid.UUID       `json:"sectionId"`
	Position  int             `json:"position"`
	Title     string          `json:"title"`
	Kind      RequirementKind `json:"kind"`
	GroupID   string          `json:"groupId,omitempty"`
	// EvaluationOnly resources are satisfied by a passing attempt alone; no
	// progress row is ever written for them.
	EvaluationOnly bool        `json:"evaluationOnly"`
	Evaluation     *Evaluation `json:"evaluation,omitempty"`
}

func (r Resource) Validate() error {
	switch r.Kind {
	case RequirementAlternative:
		if r.GroupID == "" {
			return ErrMissingGroup
		}
	case RequirementRequired, RequirementOptional:
		if r.GroupID != "" {
			return ErrUnexpectedGroup
		}
	default:
		return ErrUnknownKind
	}
	if r.Evaluation == nil {
		if r.EvaluationOnly {
			return ErrNoEvaluation
		}
		return nil
	}
	return r.Evaluation.Validate()
}

// Evaluation gates exactly one resource. A standalone quiz is modelled as an
// evaluation-only resource so it always counts toward completion.
type Evaluation struct {
	ID           uuid.UUID  `json:"id"`
	CourseID     uuid.UUID  `json:"courseId"`
	ResourceID   uuid.UUID  `json:"resourceId"`
	Title        string     `json:"title"`
	OpensAt      *time.Time `json:"opensAt,omitempty"`
	ClosesAt     *time.Time `json:"closesAt,omitempty"`
	PassingScore float64    `json:"passingScore"`
	MaxAttempts  int        `json:"maxAttempts"`
	Timezone     string     `json:"timezone,omitempty"`
}

func (e Evaluation) Validate() error {
	if e.OpensAt != nil && e.ClosesAt != nil && e.OpensAt.After(*e.ClosesAt) {
		return ErrInvertedWindow
	}
	if e.PassingScore < 0 || e.PassingScore > 100 {
		return ErrPassingScore
	}
	if e.MaxAttempts < 0 {
		return ErrMaxAttempts
	}
	return nil
}

func (e Evaluation) Passes(score float64) bool {
	return score >= e.PassingScore
}

type EvaluationAttempt struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"userId"`
	EvaluationID  uuid.UUID `json:"evaluationId"`
	CourseID      uuid.UUID `json:"courseId"`
	AttemptNumber int       `json:"attemptNumber"`
	Score         float64   `json:"score"`
	Passed        bool      `json:"passed"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

type ResourceProgress struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"userId"`
	ResourceID  uuid.UUID `json:"resourceId"`
	CourseID    uuid.UUID `json:"courseId"`
	CompletedAt time.Time `json:"completedAt"`
}

type Enrollment struct {
	UserID     uuid.UUID `json:"userId"`
	CourseID   uuid.UUID `json:"courseId"`
	AuditMode  bool      `json:"auditMode"`
	EnrolledAt time.Time `json:"enrolledAt"`
}

type Program struct {
	ID        uuid.UUID   `json:"id"`
	Title     string      `json:"title"`
	CourseIDs []uuid.UUID `json:"courseIds"`
}

type Certificate struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"userId"`
	TargetKind     TargetKind `json:"targetKind"`
	TargetID       uuid.UUID  `json:"targetId"`
	TemplateID     string     `json:"templateId"`
	ValidationCode string     `json:"validationCode"`
	IssuedAt       time.Time  `json:"issuedAt"`
	Revoked        bool       `json:"revoked"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	RevokedReason  string     `json:"revokedReason,omitempty"`
}

const (
	EventCertificateIssued  = "certificate.issued"
	EventCertificateRevoked = "certificate.revoked"
)

const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamDone       = "done"
	StreamFailed     = "failed"
)

// CertificateEvent is an outbox row written alongside certificate changes and
// delivered later by the outbox streamer.
type CertificateEvent struct {
	ID            uuid.UUID       `json:"id"`
	CertificateID uuid.UUID       `json:"certificateId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	StreamStatus  string          `json:"streamStatus"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	ArchivedKey   string          `json:"archivedKey,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}
