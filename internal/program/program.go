// Package program aggregates course certificates into program completion.
package program

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/certification/internal/completion"
	"github.com/ILLUVRSE/certification/internal/models"
	"github.com/ILLUVRSE/certification/internal/store"
)

// Evaluate loads the program and reports whether the learner holds an active
// course certificate for every member course.
func Evaluate(ctx context.Context, q store.Queries, userID, programID uuid.UUID) (completion.Result, error) {
	prog, err := q.GetProgram(ctx, programID)
	if err != nil {
		return completion.Result{}, fmt.Errorf("load program: %w", err)
	}
	return EvaluateProgram(ctx, q, userID, prog)
}

// EvaluateProgram is Evaluate for an already loaded program. A program with no
// courses is never complete.
func EvaluateProgram(ctx context.Context, q store.Queries, userID uuid.UUID, prog models.Program) (completion.Result, error) {
	if len(prog.CourseIDs) == 0 {
		return completion.Result{Unmet: []completion.Unmet{{Reason: completion.ReasonProgramHasNoCourses}}}, nil
	}

	var result completion.Result
	seen := make(map[uuid.UUID]bool, len(prog.CourseIDs))
	for _, courseID := range prog.CourseIDs {
		if seen[courseID] {
			continue
		}
		seen[courseID] = true
		result.Total++

		_, err := q.GetActiveCertificate(ctx, userID, models.TargetCourse, courseID)
		switch {
		case err == nil:
			result.Satisfied++
		case errors.Is(err, store.ErrNotFound):
			id := courseID
			result.Unmet = append(result.Unmet, completion.Unmet{Reason: completion.ReasonCourseNotCertified, CourseID: &id})
		default:
			return completion.Result{}, fmt.Errorf("check course certificate: %w", err)
		}
	}
	result.Complete = len(result.Unmet) == 0
	return result, nil
}
