package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/certification/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests. Writes
// run against a private copy of the state which is published on commit, so
// readers always see a committed snapshot and transactions are serialized.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	st   *memState
}

type enrollmentKey struct{ user, course uuid.UUID }

type progressKey struct{ user, resource uuid.UUID }

type attemptKey struct {
	user, evaluation uuid.UUID
	number           int
}

type memState struct {
	courses      map[uuid.UUID]models.Course
	resources    map[uuid.UUID]models.Resource
	evaluations  map[uuid.UUID]models.Evaluation
	enrollments  map[enrollmentKey]models.Enrollment
	progress     map[progressKey]models.ResourceProgress
	attempts     map[attemptKey]models.EvaluationAttempt
	programs     map[uuid.UUID]models.Program
	certificates map[uuid.UUID]models.Certificate
	events       []models.CertificateEvent
	claimed      map[uuid.UUID]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		courses:      map[uuid.UUID]models.Course{},
		resources:    map[uuid.UUID]models.Resource{},
		evaluations:  map[uuid.UUID]models.Evaluation{},
		enrollments:  map[enrollmentKey]models.Enrollment{},
		progress:     map[progressKey]models.ResourceProgress{},
		attempts:     map[attemptKey]models.EvaluationAttempt{},
		programs:     map[uuid.UUID]models.Program{},
		certificates: map[uuid.UUID]models.Certificate{},
		claimed:      map[uuid.UUID]time.Time{},
	}}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		courses:      cloneMap(s.courses),
		resources:    cloneMap(s.resources),
		evaluations:  cloneMap(s.evaluations),
		enrollments:  cloneMap(s.enrollments),
		progress:     cloneMap(s.progress),
		attempts:     cloneMap(s.attempts),
		programs:     cloneMap(s.programs),
		certificates: cloneMap(s.certificates),
		events:       append([]models.CertificateEvent(nil), s.events...),
		claimed:      cloneMap(s.claimed),
	}
}

func (m *MemoryStore) snapshot() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

func (m *MemoryStore) write(fn func(s *memState) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	next := m.snapshot().clone()
	if err := fn(next); err != nil {
		return err
	}
	m.mu.Lock()
	m.st = next
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.write(func(s *memState) error { return fn(s) })
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// AddCourse registers a course structure along with its resources and
// resource-level evaluations.
func (m *MemoryStore) AddCourse(course models.Course) {
	sections := make([]models.Section, len(course.Sections))
	for i, sec := range course.Sections {
		resources := make([]models.Resource, len(sec.Resources))
		for j, r := range sec.Resources {
			r.CourseID = course.ID
			r.SectionID = sec.ID
			if r.Evaluation != nil {
				e := *r.Evaluation
				e.ResourceID = r.ID
				e.CourseID = course.ID
				r.Evaluation = &e
			}
			resources[j] = r
		}
		sec.Resources = resources
		sections[i] = sec
	}
	course.Sections = sections

	_ = m.write(func(s *memState) error {
		s.courses[course.ID] = course
		for _, r := range course.Resources() {
			s.resources[r.ID] = r
			if r.Evaluation != nil {
				s.evaluations[r.Evaluation.ID] = *r.Evaluation
			}
		}
		return nil
	})
}

func (m *MemoryStore) AddEnrollment(e models.Enrollment) {
	_ = m.write(func(s *memState) error {
		s.enrollments[enrollmentKey{e.UserID, e.CourseID}] = e
		return nil
	})
}

func (m *MemoryStore) AddProgram(p models.Program) {
	_ = m.write(func(s *memState) error {
		s.programs[p.ID] = p
		return nil
	})
}

// PurgeLearner drops progress and attempts for a learner in a course, the way
// an external unenroll does.
func (m *MemoryStore) PurgeLearner(userID, courseID uuid.UUID) {
	_ = m.write(func(s *memState) error {
		for k, p := range s.progress {
			if k.user == userID && p.CourseID == courseID {
				delete(s.progress, k)
			}
		}
		for k, a := range s.attempts {
			if k.user == userID && a.CourseID == courseID {
				delete(s.attempts, k)
			}
		}
		return nil
	})
}

// Events returns every outbox row in insertion order.
func (m *MemoryStore) Events() []models.CertificateEvent {
	return append([]models.CertificateEvent(nil), m.snapshot().events...)
}

func (m *MemoryStore) GetCourse(ctx context.Context, courseID uuid.UUID) (models.Course, error) {
	return m.snapshot().GetCourse(ctx, courseID)
}

func (m *MemoryStore) GetResource(ctx context.Context, resourceID uuid.UUID) (models.Resource, error) {
	return m.snapshot().GetResource(ctx, resourceID)
}

func (m *MemoryStore) GetEvaluation(ctx context.Context, evaluationID uuid.UUID) (models.Evaluation, error) {
	return m.snapshot().GetEvaluation(ctx, evaluationID)
}

func (m *MemoryStore) GetEnrollment(ctx context.Context, userID, courseID uuid.UUID) (models.Enrollment, error) {
	return m.snapshot().GetEnrollment(ctx, userID, courseID)
}

func (m *MemoryStore) ListProgress(ctx context.Context, userID, courseID uuid.UUID) ([]models.ResourceProgress, error) {
	return m.snapshot().ListProgress(ctx, userID, courseID)
}

func (m *MemoryStore) InsertProgress(ctx context.Context, in ProgressInput) (p models.ResourceProgress, created bool, err error) {
	err = m.write(func(s *memState) error {
		p, created, err = s.InsertProgress(ctx, in)
		return err
	})
	return p, created, err
}

func (m *MemoryStore) ListAttempts(ctx context.Context, userID, courseID uuid.UUID) ([]models.EvaluationAttempt, error) {
	return m.snapshot().ListAttempts(ctx, userID, courseID)
}

func (m *MemoryStore) CountAttempts(ctx context.Context, userID, evaluationID uuid.UUID) (int, error) {
	return m.snapshot().CountAttempts(ctx, userID, evaluationID)
}

func (m *MemoryStore) InsertAttempt(ctx context.Context, in AttemptInput) (a models.EvaluationAttempt, err error) {
	err = m.write(func(s *memState) error {
		a, err = s.InsertAttempt(ctx, in)
		return err
	})
	return a, err
}

func (m *MemoryStore) GetProgram(ctx context.Context, programID uuid.UUID) (models.Program, error) {
	return m.snapshot().GetProgram(ctx, programID)
}

func (m *MemoryStore) ListProgramsForCourse(ctx context.Context, courseID uuid.UUID) ([]models.Program, error) {
	return m.snapshot().ListProgramsForCourse(ctx, courseID)
}

func (m *MemoryStore) GetCertificate(ctx context.Context, id uuid.UUID) (models.Certificate, error) {
	return m.snapshot().GetCertificate(ctx, id)
}

func (m *MemoryStore) GetActiveCertificate(ctx context.Context, userID uuid.UUID, kind models.TargetKind, targetID uuid.UUID) (models.Certificate, error) {
	return m.snapshot().GetActiveCertificate(ctx, userID, kind, targetID)
}

func (m *MemoryStore) GetCertificateByCode(ctx context.Context, code string) (models.Certificate, error) {
	for _, c := range m.snapshot().certificates {
		if c.ValidationCode == code {
			return c, nil
		}
	}
	return models.Certificate{}, ErrNotFound
}

func (m *MemoryStore) InsertCertificate(ctx context.Context, in CertificateInput) (c models.Certificate, err error) {
	err = m.write(func(s *memState) error {
		c, err = s.InsertCertificate(ctx, in)
		return err
	})
	return c, err
}

func (m *MemoryStore) RevokeCertificate(ctx context.Context, id uuid.UUID, reason string, at time.Time) (c models.Certificate, err error) {
	err = m.write(func(s *memState) error {
		c, err = s.RevokeCertificate(ctx, id, reason, at)
		return err
	})
	return c, err
}

func (m *MemoryStore) EnqueueCertificateEvent(ctx context.Context, in EventInput) (ev models.CertificateEvent, err error) {
	err = m.write(func(s *memState) error {
		ev, err = s.EnqueueCertificateEvent(ctx, in)
		return err
	})
	return ev, err
}

func (m *MemoryStore) FetchPendingEvents(ctx context.Context, limit, maxAttempts int, staleBefore time.Time) ([]models.CertificateEvent, error) {
	var out []models.CertificateEvent
	err := m.write(func(s *memState) error {
		now := time.Now().UTC()
		for i := range s.events {
			if len(out) >= limit {
				break
			}
			ev := &s.events[i]
			if ev.Attempts >= maxAttempts {
				continue
			}
			claimable := ev.StreamStatus == models.StreamPending || ev.StreamStatus == models.StreamFailed
			if ev.StreamStatus == models.StreamInProgress && s.claimed[ev.ID].Before(staleBefore) {
				claimable = true
			}
			if !claimable {
				continue
			}
			ev.StreamStatus = models.StreamInProgress
			ev.Attempts++
			s.claimed[ev.ID] = now
			out = append(out, *ev)
		}
		return nil
	})
	return out, err
}

func (m *MemoryStore) MarkEventResult(ctx context.Context, id uuid.UUID, archivedKey string, success bool, errMsg string) error {
	return m.write(func(s *memState) error {
		for i := range s.events {
			ev := &s.events[i]
			if ev.ID != id {
				continue
			}
			if success {
				ev.StreamStatus = models.StreamDone
				ev.ArchivedKey = archivedKey
				ev.LastError = ""
			} else {
				ev.StreamStatus = models.StreamFailed
				ev.LastError = errMsg
			}
			return nil
		}
		return ErrNotFound
	})
}

// memState implements Queries directly; MemoryStore hands it to InTx callers.

func (s *memState) GetCourse(_ context.Context, courseID uuid.UUID) (models.Course, error) {
	c, ok := s.courses[courseID]
	if !ok {
		return models.Course{}, ErrNotFound
	}
	return c, nil
}

func (s *memState) GetResource(_ context.Context, resourceID uuid.UUID) (models.Resource, error) {
	r, ok := s.resources[resourceID]
	if !ok {
		return models.Resource{}, ErrNotFound
	}
	return r, nil
}

func (s *memState) GetEvaluation(_ context.Context, evaluationID uuid.UUID) (models.Evaluation, error) {
	e, ok := s.evaluations[evaluationID]
	if !ok {
		return models.Evaluation{}, ErrNotFound
	}
	return e, nil
}

func (s *memState) GetEnrollment(_ context.Context, userID, courseID uuid.UUID) (models.Enrollment, error) {
	e, ok := s.enrollments[enrollmentKey{userID, courseID}]
	if !ok {
		return models.Enrollment{}, ErrNotFound
	}
	return e, nil
}

func (s *memState) ListProgress(_ context.Context, userID, courseID uuid.UUID) ([]models.ResourceProgress, error) {
	var out []models.ResourceProgress
	for k, p := range s.progress {
		if k.user == userID && p.CourseID == courseID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

func (s *memState) InsertProgress(_ context.Context, in ProgressInput) (models.ResourceProgress, bool, error) {
	key := progressKey{in.UserID, in.ResourceID}
	if existing, ok := s.progress[key]; ok {
		return existing, false, nil
	}
	rec := in.record()
	s.progress[key] = rec
	return rec, true, nil
}

func (s *memState) ListAttempts(_ context.Context, userID, courseID uuid.UUID) ([]models.EvaluationAttempt, error) {
	var out []models.EvaluationAttempt
	for k, a := range s.attempts {
		if k.user == userID && a.CourseID == courseID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EvaluationID != out[j].EvaluationID {
			return out[i].EvaluationID.String() < out[j].EvaluationID.String()
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (s *memState) CountAttempts(_ context.Context, userID, evaluationID uuid.UUID) (int, error) {
	n := 0
	for k := range s.attempts {
		if k.user == userID && k.evaluation == evaluationID {
			n++
		}
	}
	return n, nil
}

func (s *memState) InsertAttempt(_ context.Context, in AttemptInput) (models.EvaluationAttempt, error) {
	key := attemptKey{in.UserID, in.EvaluationID, in.AttemptNumber}
	if _, ok := s.attempts[key]; ok {
		return models.EvaluationAttempt{}, ErrDuplicate
	}
	rec := in.record()
	s.attempts[key] = rec
	return rec, nil
}

func (s *memState) GetProgram(_ context.Context, programID uuid.UUID) (models.Program, error) {
	p, ok := s.programs[programID]
	if !ok {
		return models.Program{}, ErrNotFound
	}
	return p, nil
}

func (s *memState) ListProgramsForCourse(_ context.Context, courseID uuid.UUID) ([]models.Program, error) {
	var out []models.Program
	for _, p := range s.programs {
		for _, id := range p.CourseIDs {
			if id == courseID {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *memState) GetCertificate(_ context.Context, id uuid.UUID) (models.Certificate, error) {
	c, ok := s.certificates[id]
	if !ok {
		return models.Certificate{}, ErrNotFound
	}
	return c, nil
}

func (s *memState) GetActiveCertificate(_ context.Context, userID uuid.UUID, kind models.TargetKind, targetID uuid.UUID) (models.Certificate, error) {
	for _, c := range s.certificates {
		if !c.Revoked && c.UserID == userID && c.TargetKind == kind && c.TargetID == targetID {
			return c, nil
		}
	}
	return models.Certificate{}, ErrNotFound
}

func (s *memState) InsertCertificate(ctx context.Context, in CertificateInput) (models.Certificate, error) {
	if _, err := s.GetActiveCertificate(ctx, in.UserID, in.TargetKind, in.TargetID); err == nil {
		return models.Certificate{}, ErrDuplicate
	}
	for _, c := range s.certificates {
		if c.ValidationCode == in.ValidationCode {
			return models.Certificate{}, ErrDuplicate
		}
	}
	rec := in.record()
	s.certificates[rec.ID] = rec
	return rec, nil
}

func (s *memState) RevokeCertificate(_ context.Context, id uuid.UUID, reason string, at time.Time) (models.Certificate, error) {
	c, ok := s.certificates[id]
	if !ok {
		return models.Certificate{}, ErrNotFound
	}
	if c.Revoked {
		return models.Certificate{}, ErrAlreadyRevoked
	}
	at = at.UTC()
	c.Revoked = true
	c.RevokedAt = &at
	c.RevokedReason = reason
	s.certificates[id] = c
	return c, nil
}

func (s *memState) EnqueueCertificateEvent(_ context.Context, in EventInput) (models.CertificateEvent, error) {
	if _, ok := s.certificates[in.CertificateID]; !ok {
		return models.CertificateEvent{}, ErrNotFound
	}
	rec := in.record()
	s.events = append(s.events, rec)
	return rec, nil
}
