package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/certification/internal/store"
)

// ErrNotEnrolled is returned by Check when the learner has no enrollment in
// the course.
var ErrNotEnrolled = errors.New("learner is not enrolled in course")

// Check reads the course structure, enrollment and the learner's recorded
// work through q and evaluates them. Passing a transaction's Queries makes the
// check see the same state the caller is about to write against.
func Check(ctx context.Context, q store.Queries, userID, courseID uuid.UUID) (Result, error) {
	course, err := q.GetCourse(ctx, courseID)
	if err != nil {
		return Result{}, fmt.Errorf("load course: %w", err)
	}
	enrollment, err := q.GetEnrollment(ctx, userID, courseID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrNotEnrolled
	}
	if err != nil {
		return Result{}, fmt.Errorf("load enrollment: %w", err)
	}
	progress, err := q.ListProgress(ctx, userID, courseID)
	if err != nil {
		return Result{}, err
	}
	attempts, err := q.ListAttempts(ctx, userID, courseID)
	if err != nil {
		return Result{}, err
	}
	return Evaluate(course, enrollment, NewSnapshot(progress, attempts)), nil
}
