package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/certification/internal/models"
)

const uniqueViolation = "23505"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PGStore persists completion state and certificates in Postgres.
type PGStore struct {
	pgQueries
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{pgQueries: pgQueries{db: db}, db: db}
}

type pgQueries struct {
	db dbtx
}

// mapErr turns unique violations into ErrDuplicate so callers can treat a lost
// race as control flow.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapErr(err))
	}
	return nil
}

const (
	courseQuery   = `SELECT id, title FROM courses WHERE id=$1`
	sectionsQuery = `
		SELECT id, title, position
		FROM course_sections
		WHERE course_id=$1
		ORDER BY position, id
	`
	resourceColumns = `
		r.id, r.course_id, r.section_id, r.position, r.title, r.requirement_kind, r.group_id, r.evaluation_only,
		e.id, e.title, e.opens_at, e.closes_at, e.passing_score, e.max_attempts, e.timezone
	`
	resourcesQuery = `
		SELECT ` + resourceColumns + `
		FROM course_resources r
		LEFT JOIN evaluations e ON e.resource_id = r.id
		WHERE r.course_id=$1
		ORDER BY r.position, r.id
	`
	resourceQuery = `
		SELECT ` + resourceColumns + `
		FROM course_resources r
		LEFT JOIN evaluations e ON e.resource_id = r.id
		WHERE r.id=$1
	`
)

func (p *pgQueries) GetCourse(ctx context.Context, courseID uuid.UUID) (models.Course, error) {
	var course models.Course
	if err := p.db.QueryRowContext(ctx, courseQuery, courseID).Scan(&course.ID, &course.Title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Course{}, ErrNotFound
		}
		return models.Course{}, fmt.Errorf("get course: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, sectionsQuery, courseID)
	if err != nil {
		return models.Course{}, fmt.Errorf("list sections: %w", err)
	}
	index := map[uuid.UUID]int{}
	for rows.Next() {
		var sec models.Section
		if err := rows.Scan(&sec.ID, &sec.Title, &sec.Position); err != nil {
			rows.Close()
			return models.Course{}, fmt.Errorf("scan section: %w", err)
		}
		index[sec.ID] = len(course.Sections)
		course.Sections = append(course.Sections, sec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Course{}, fmt.Errorf("list sections: %w", err)
	}

	rows, err = p.db.QueryContext(ctx, resourcesQuery, courseID)
	if err != nil {
		return models.Course{}, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return models.Course{}, fmt.Errorf("scan resource: %w", err)
		}
		i, ok := index[r.SectionID]
		if !ok {
			continue
		}
		course.Sections[i].Resources = append(course.Sections[i].Resources, r)
	}
	if err := rows.Err(); err != nil {
		return models.Course{}, fmt.Errorf("list resources: %w", err)
	}
	return course, nil
}

func (p *pgQueries) GetResource(ctx context.Context, resourceID uuid.UUID) (models.Resource, error) {
	r, err := scanResource(p.db.QueryRowContext(ctx, resourceQuery, resourceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Resource{}, ErrNotFound
		}
		return models.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

func scanResource(row scanner) (models.Resource, error) {
	var (
		r           models.Resource
		kind        string
		evalID      uuid.NullUUID
		evalTitle   sql.NullString
		timezone    sql.NullString
		opensAt     sql.NullTime
		closesAt    sql.NullTime
		passing     sql.NullFloat64
		maxAttempts sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.CourseID, &r.SectionID, &r.Position, &r.Title, &kind, &r.GroupID, &r.EvaluationOnly,
		&evalID, &evalTitle, &opensAt, &closesAt, &passing, &maxAttempts, &timezone); err != nil {
		return models.Resource{}, err
	}
	r.Kind = models.RequirementKind(kind)
	if evalID.Valid {
		r.Evaluation = &models.Evaluation{
			ID:           evalID.UUID,
			CourseID:     r.CourseID,
			ResourceID:   r.ID,
			Title:        evalTitle.String,
			OpensAt:      nullTime(opensAt),
			ClosesAt:     nullTime(closesAt),
			PassingScore: passing.Float64,
			MaxAttempts:  int(maxAttempts.Int64),
			Timezone:     timezone.String,
		}
	}
	return r, nil
}

func (p *pgQueries) GetEvaluation(ctx context.Context, evaluationID uuid.UUID) (models.Evaluation, error) {
	const query = `
		SELECT id, course_id, resource_id, title, opens_at, closes_at, passing_score, max_attempts, timezone
		FROM evaluations
		WHERE id=$1
	`
	var (
		e        models.Evaluation
		opensAt  sql.NullTime
		closesAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, query, evaluationID).Scan(&e.ID, &e.CourseID, &e.ResourceID, &e.Title, &opensAt, &closesAt, &e.PassingScore, &e.MaxAttempts, &e.Timezone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Evaluation{}, ErrNotFound
		}
		return models.Evaluation{}, fmt.Errorf("get evaluation: %w", err)
	}
	e.OpensAt = nullTime(opensAt)
	e.ClosesAt = nullTime(closesAt)
	return e, nil
}

func (p *pgQueries) GetEnrollment(ctx context.Context, userID, courseID uuid.UUID) (models.Enrollment, error) {
	const query = `
		SELECT user_id, course_id, audit_mode, enrolled_at
		FROM enrollments
		WHERE user_id=$1 AND course_id=$2
	`
	var e models.Enrollment
	if err := p.db.QueryRowContext(ctx, query, userID, courseID).Scan(&e.UserID, &e.CourseID, &e.AuditMode, &e.EnrolledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Enrollment{}, ErrNotFound
		}
		return models.Enrollment{}, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

func (p *pgQueries) ListProgress(ctx context.Context, userID, courseID uuid.UUID) ([]models.ResourceProgress, error) {
	const query = `
		SELECT id, user_id, resource_id, course_id, completed_at
		FROM resource_progress
		WHERE user_id=$1 AND course_id=$2
		ORDER BY completed_at, id
	`
	rows, err := p.db.QueryContext(ctx, query, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()
	var out []models.ResourceProgress
	for rows.Next() {
		var rp models.ResourceProgress
		if err := rows.Scan(&rp.ID, &rp.UserID, &rp.ResourceID, &rp.CourseID, &rp.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

func (p *pgQueries) InsertProgress(ctx context.Context, in ProgressInput) (models.ResourceProgress, bool, error) {
	rec := in.record()
	const insert = `
		INSERT INTO resource_progress (id, user_id, resource_id, course_id, completed_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (user_id, resource_id) DO NOTHING
		RETURNING id
	`
	var id uuid.UUID
	err := p.db.QueryRowContext(ctx, insert, rec.ID, rec.UserID, rec.ResourceID, rec.CourseID, rec.CompletedAt).Scan(&id)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.ResourceProgress{}, false, fmt.Errorf("insert progress: %w", mapErr(err))
	}

	const existing = `
		SELECT id, user_id, resource_id, course_id, completed_at
		FROM resource_progress
		WHERE user_id=$1 AND resource_id=$2
	`
	var rp models.ResourceProgress
	if err := p.db.QueryRowContext(ctx, existing, in.UserID, in.ResourceID).Scan(&rp.ID, &rp.UserID, &rp.ResourceID, &rp.CourseID, &rp.CompletedAt); err != nil {
		return models.ResourceProgress{}, false, fmt.Errorf("load existing progress: %w", err)
	}
	return rp, false, nil
}

func (p *pgQueries) ListAttempts(ctx context.Context, userID, courseID uuid.UUID) ([]models.EvaluationAttempt, error) {
	const query = `
		SELECT id, user_id, evaluation_id, course_id, attempt_number, score, passed, submitted_at
		FROM evaluation_attempts
		WHERE user_id=$1 AND course_id=$2
		ORDER BY evaluation_id, attempt_number
	`
	rows, err := p.db.QueryContext(ctx, query, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []models.EvaluationAttempt
	for rows.Next() {
		var a models.EvaluationAttempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.EvaluationID, &a.CourseID, &a.AttemptNumber, &a.Score, &a.Passed, &a.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *pgQueries) CountAttempts(ctx context.Context, userID, evaluationID uuid.UUID) (int, error) {
	const query = `SELECT COUNT(*) FROM evaluation_attempts WHERE user_id=$1 AND evaluation_id=$2`
	var n int
	if err := p.db.QueryRowContext(ctx, query, userID, evaluationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

func (p *pgQueries) InsertAttempt(ctx context.Context, in AttemptInput) (models.EvaluationAttempt, error) {
	rec := in.record()
	const query = `
		INSERT INTO evaluation_attempts (id, user_id, evaluation_id, course_id, attempt_number, score, passed, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	if _, err := p.db.ExecContext(ctx, query, rec.ID, rec.UserID, rec.EvaluationID, rec.CourseID, rec.AttemptNumber, rec.Score, rec.Passed, rec.SubmittedAt); err != nil {
		return models.EvaluationAttempt{}, fmt.Errorf("insert attempt: %w", mapErr(err))
	}
	return rec, nil
}

const programColumns = `
	p.id, p.title,
	ARRAY(SELECT pc.course_id::text FROM program_courses pc WHERE pc.program_id = p.id ORDER BY pc.position, pc.course_id)
`

func scanProgram(row scanner) (models.Program, error) {
	var (
		prog      models.Program
		courseIDs []string
	)
	if err := row.Scan(&prog.ID, &prog.Title, pq.Array(&courseIDs)); err != nil {
		return models.Program{}, err
	}
	for _, raw := range courseIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return models.Program{}, fmt.Errorf("parse program course id: %w", err)
		}
		prog.CourseIDs = append(prog.CourseIDs, id)
	}
	return prog, nil
}

func (p *pgQueries) GetProgram(ctx context.Context, programID uuid.UUID) (models.Program, error) {
	query := `SELECT ` + programColumns + ` FROM programs p WHERE p.id=$1`
	prog, err := scanProgram(p.db.QueryRowContext(ctx, query, programID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Program{}, ErrNotFound
		}
		return models.Program{}, fmt.Errorf("get program: %w", err)
	}
	return prog, nil
}

func (p *pgQueries) ListProgramsForCourse(ctx context.Context, courseID uuid.UUID) ([]models.Program, error) {
	query := `
		SELECT ` + programColumns + `
		FROM programs p
		WHERE p.id IN (SELECT program_id FROM program_courses WHERE course_id=$1)
		ORDER BY p.id
	`
	rows, err := p.db.QueryContext(ctx, query, courseID)
	if err != nil {
		return nil, fmt.Errorf("list programs for course: %w", err)
	}
	defer rows.Close()
	var out []models.Program
	for rows.Next() {
		prog, err := scanProgram(rows)
		if err != nil {
			return nil, fmt.Errorf("scan program: %w", err)
		}
		out = append(out, prog)
	}
	return out, rows.Err()
}

const certificateColumns = `id, user_id, target_kind, target_id, template_id, validation_code, issued_at, revoked, revoked_at, revoked_reason`

func scanCertificate(row scanner) (models.Certificate, error) {
	var (
		c         models.Certificate
		kind      string
		revokedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.UserID, &kind, &c.TargetID, &c.TemplateID, &c.ValidationCode, &c.IssuedAt, &c.Revoked, &revokedAt, &c.RevokedReason); err != nil {
		return models.Certificate{}, err
	}
	c.TargetKind = models.TargetKind(kind)
	c.RevokedAt = nullTime(revokedAt)
	return c, nil
}

func (p *pgQueries) getCertificate(ctx context.Context, op, where string, args ...any) (models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE ` + where
	c, err := scanCertificate(p.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Certificate{}, ErrNotFound
		}
		return models.Certificate{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func (p *pgQueries) GetCertificate(ctx context.Context, id uuid.UUID) (models.Certificate, error) {
	return p.getCertificate(ctx, "get certificate", `id=$1`, id)
}

func (p *pgQueries) GetActiveCertificate(ctx context.Context, userID uuid.UUID, kind models.TargetKind, targetID uuid.UUID) (models.Certificate, error) {
	return p.getCertificate(ctx, "get active certificate", `user_id=$1 AND target_kind=$2 AND target_id=$3 AND NOT revoked`, userID, string(kind), targetID)
}

func (s *PGStore) GetCertificateByCode(ctx context.Context, code string) (models.Certificate, error) {
	return s.getCertificate(ctx, "get certificate by code", `validation_code=$1`, code)
}

func (p *pgQueries) InsertCertificate(ctx context.Context, in CertificateInput) (models.Certificate, error) {
	rec := in.record()
	const query = `
		INSERT INTO certificates (id, user_id, target_kind, target_id, template_id, validation_code, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	if _, err := p.db.ExecContext(ctx, query, rec.ID, rec.UserID, string(rec.TargetKind), rec.TargetID, rec.TemplateID, rec.ValidationCode, rec.IssuedAt); err != nil {
		return models.Certificate{}, fmt.Errorf("insert certificate: %w", mapErr(err))
	}
	return rec, nil
}

func (p *pgQueries) RevokeCertificate(ctx context.Context, id uuid.UUID, reason string, at time.Time) (models.Certificate, error) {
	query := `
		UPDATE certificates
		SET revoked=TRUE, revoked_at=$2, revoked_reason=$3
		WHERE id=$1 AND NOT revoked
		RETURNING ` + certificateColumns
	c, err := scanCertificate(p.db.QueryRowContext(ctx, query, id, at, reason))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Certificate{}, fmt.Errorf("revoke certificate: %w", err)
	}
	if _, err := p.GetCertificate(ctx, id); err != nil {
		return models.Certificate{}, err
	}
	return models.Certificate{}, ErrAlreadyRevoked
}

func (p *pgQueries) EnqueueCertificateEvent(ctx context.Context, in EventInput) (models.CertificateEvent, error) {
	rec := in.record()
	const query = `
		INSERT INTO certificate_events (id, certificate_id, event_type, payload, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`
	if _, err := p.db.ExecContext(ctx, query, rec.ID, rec.CertificateID, rec.EventType, []byte(rec.Payload), rec.CreatedAt); err != nil {
		return models.CertificateEvent{}, fmt.Errorf("enqueue certificate event: %w", err)
	}
	return rec, nil
}

func (s *PGStore) FetchPendingEvents(ctx context.Context, limit, maxAttempts int, staleBefore time.Time) ([]models.CertificateEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const claim = `
		SELECT id, certificate_id, event_type, payload, attempts, created_at
		FROM certificate_events
		WHERE attempts < $2
		  AND (stream_status IN ('pending', 'failed')
		       OR (stream_status = 'in_progress' AND claimed_at < $3))
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, claim, limit, maxAttempts, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	var (
		events []models.CertificateEvent
		ids    []string
	)
	for rows.Next() {
		var (
			ev      models.CertificateEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.CertificateID, &ev.EventType, &payload, &ev.Attempts, &ev.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		ev.Payload = append(ev.Payload, payload...)
		ev.StreamStatus = models.StreamInProgress
		ev.Attempts++
		events = append(events, ev)
		ids = append(ids, ev.ID.String())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	const mark = `
		UPDATE certificate_events
		SET stream_status='in_progress', attempts=attempts+1, claimed_at=now()
		WHERE id = ANY($1::uuid[])
	`
	if _, err := tx.ExecContext(ctx, mark, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return events, nil
}

func (s *PGStore) MarkEventResult(ctx context.Context, id uuid.UUID, archivedKey string, success bool, errMsg string) error {
	var (
		res sql.Result
		err error
	)
	if success {
		const query = `
			UPDATE certificate_events
			SET stream_status='done', archived_key=NULLIF($1, ''), last_error=NULL, streamed_at=now()
			WHERE id=$2
		`
		res, err = s.db.ExecContext(ctx, query, archivedKey, id)
	} else {
		const query = `
			UPDATE certificate_events
			SET stream_status='failed', last_error=$1
			WHERE id=$2
		`
		res, err = s.db.ExecContext(ctx, query, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("mark event result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
