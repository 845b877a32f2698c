// Package completion holds the pure completion predicate: given a course
// structure, the learner's enrollment and a point-in-time progress snapshot it
// reports whether the course is complete and, if not, what is missing.
package completion

import (
	"github.com/google/uuid"

	"github.com/ILLUVRSE/certification/internal/models"
)

type Reason string

const (
	ReasonResourceIncomplete  Reason = "ResourceIncomplete"
	ReasonEvaluationNotPassed Reason = "EvaluationNotPassed"
	ReasonGroupUnsatisfied    Reason = "AlternativeGroupUnsatisfied"
	ReasonInvalidRequirement  Reason = "InvalidRequirement"
	ReasonAuditMode           Reason = "AuditModeBlocksCertification"
	ReasonCourseNotCertified  Reason = "CourseNotCertified"
	ReasonProgramHasNoCourses Reason = "ProgramHasNoCourses"
	ReasonNotEnrolled         Reason = "NotEnrolled"
)

type Unmet struct {
	Reason       Reason     `json:"reason"`
	ResourceID   *uuid.UUID `json:"resourceId,omitempty"`
	EvaluationID *uuid.UUID `json:"evaluationId,omitempty"`
	GroupID      string     `json:"groupId,omitempty"`
	CourseID     *uuid.UUID `json:"courseId,omitempty"`
}

type Result struct {
	Complete bool    `json:"complete"`
	Unmet    []Unmet `json:"unmet"`
	// Satisfied and Total count requirement units (required resources plus
	// alternative groups) for progress display.
	Satisfied int `json:"satisfied"`
	Total     int `json:"total"`
}

// Snapshot is the learner's recorded work for one course.
type Snapshot struct {
	Progress map[uuid.UUID]models.ResourceProgress
	Attempts map[uuid.UUID][]models.EvaluationAttempt
}

func NewSnapshot(progress []models.ResourceProgress, attempts []models.EvaluationAttempt) Snapshot {
	s := Snapshot{
		Progress: make(map[uuid.UUID]models.ResourceProgress, len(progress)),
		Attempts: make(map[uuid.UUID][]models.EvaluationAttempt),
	}
	for _, p := range progress {
		s.Progress[p.ResourceID] = p
	}
	for _, a := range attempts {
		s.Attempts[a.EvaluationID] = append(s.Attempts[a.EvaluationID], a)
	}
	return s
}

// Passed reports whether any recorded attempt passed. Windows are enforced
// when an attempt is submitted, so a later reschedule never invalidates a
// recorded pass.
func (s Snapshot) Passed(e models.Evaluation) bool {
	for _, a := range s.Attempts[e.ID] {
		if a.Passed {
			return true
		}
	}
	return false
}

// Evaluate is deterministic and free of side effects; callers may invoke it
// speculatively for progress rendering.
func Evaluate(course models.Course, enrollment models.Enrollment, snap Snapshot) Result {
	var (
		result Result
		// groups maps each alternative group to whether a member is satisfied.
		// The group's unmet entry is placed at its first member.
		groups = map[string]bool{}
	)

	for _, r := range course.Resources() {
		if err := r.Validate(); err != nil {
			if r.Kind == models.RequirementOptional {
				continue
			}
			id := r.ID
			result.Total++
			result.Unmet = append(result.Unmet, Unmet{Reason: ReasonInvalidRequirement, ResourceID: &id, GroupID: r.GroupID})
			continue
		}
		switch r.Kind {
		case models.RequirementOptional:
		case models.RequirementRequired:
			result.Total++
			if miss, ok := check(r, snap); ok {
				result.Satisfied++
			} else {
				result.Unmet = append(result.Unmet, miss)
			}
		case models.RequirementAlternative:
			if _, seen := groups[r.GroupID]; !seen {
				groups[r.GroupID] = false
				result.Total++
				result.Unmet = append(result.Unmet, Unmet{Reason: ReasonGroupUnsatisfied, GroupID: r.GroupID})
			}
			if _, ok := check(r, snap); ok {
				groups[r.GroupID] = true
			}
		}
	}

	unmet := result.Unmet[:0]
	for _, u := range result.Unmet {
		if u.Reason == ReasonGroupUnsatisfied && groups[u.GroupID] {
			continue
		}
		unmet = append(unmet, u)
	}
	result.Unmet = unmet
	for _, ok := range groups {
		if ok {
			result.Satisfied++
		}
	}

	if enrollment.AuditMode {
		result.Unmet = []Unmet{{Reason: ReasonAuditMode}}
		result.Complete = false
		return result
	}
	result.Complete = len(result.Unmet) == 0
	return result
}

func check(r models.Resource, snap Snapshot) (Unmet, bool) {
	id := r.ID
	if !r.EvaluationOnly {
		if _, ok := snap.Progress[r.ID]; !ok {
			return Unmet{Reason: ReasonResourceIncomplete, ResourceID: &id}, false
		}
	}
	if r.Evaluation != nil && !snap.Passed(*r.Evaluation) {
		evalID := r.Evaluation.ID
		return Unmet{Reason: ReasonEvaluationNotPassed, ResourceID: &id, EvaluationID: &evalID}, false
	}
	return Unmet{}, true
}
