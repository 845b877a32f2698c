package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/certification/internal/auth"
	"github.com/ILLUVRSE/certification/internal/engine"
	"github.com/ILLUVRSE/certification/internal/models"
	"github.com/ILLUVRSE/certification/internal/store"
	"github.com/ILLUVRSE/certification/internal/validation"
)

type Options struct {
	// AdminRole may revoke certificates and act on behalf of other learners.
	AdminRole string
	// RequestTimeout defaults to 30s.
	RequestTimeout time.Duration
}

type Server struct {
	opts     Options
	db       store.Store
	engine   *engine.Engine
	lookup   *validation.Service
	verifier *auth.Verifier
	validate *validator.Validate
}

func New(opts Options, db store.Store, eng *engine.Engine, lookup *validation.Service, verifier *auth.Verifier) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{
		opts:     opts,
		db:       db,
		engine:   eng,
		lookup:   lookup,
		verifier: verifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/verify/{code}", s.handleVerify)

		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Post("/resources/{resourceID}/complete", s.handleMarkComplete)
			r.Post("/evaluations/{evaluationID}/attempts", s.handleSubmitAttempt)
			r.Post("/certificates/issue", s.handleIssue)
			r.Get("/courses/{courseID}/status", s.handleCourseStatus)
			r.Get("/programs/{programID}/status", s.handleProgramStatus)

			r.With(auth.RequireRole(s.opts.AdminRole)).
				Post("/admin/certificates/{certificateID}/revoke", s.handleRevoke)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

type verifyResponse struct {
	validation.Validation
	ValidationURL string `json:"validationUrl,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	code := validation.Normalize(chi.URLParam(r, "code"))
	v, err := s.lookup.Validate(r.Context(), code)
	if err != nil {
		respondFailure(w, err)
		return
	}
	out := verifyResponse{Validation: v}
	if v.TargetID != nil {
		out.ValidationURL = s.lookup.URL(code)
	}
	respondJSON(w, http.StatusOK, out)
}

// recheckResponse reports a follow-up failure without hiding the work that
// was already recorded.
type recheckResponse struct {
	RecheckError string `json:"recheckError,omitempty"`
}

func recheckError(err error) (recheckResponse, error) {
	if errors.Is(err, engine.ErrCompletionRecheckFailed) {
		return recheckResponse{RecheckError: err.Error()}, nil
	}
	return recheckResponse{}, err
}

func (s *Server) handleMarkComplete(w http.ResponseWriter, r *http.Request) {
	resourceID, ok := pathUUID(w, r, "resourceID")
	if !ok {
		return
	}
	p := auth.FromContext(r.Context())
	res, err := s.engine.MarkResourceComplete(r.Context(), p.UserID, resourceID)
	rc, err := recheckError(err)
	if err != nil {
		respondFailure(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, struct {
		engine.MarkResult
		recheckResponse
	}{res, rc})
}

type submitAttemptRequest struct {
	Answers json.RawMessage `json:"answers" validate:"required"`
}

func (s *Server) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	evaluationID, ok := pathUUID(w, r, "evaluationID")
	if !ok {
		return
	}
	var req submitAttemptRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	p := auth.FromContext(r.Context())
	res, err := s.engine.SubmitAttempt(r.Context(), p.UserID, evaluationID, req.Answers)
	rc, err := recheckError(err)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, struct {
		engine.SubmitResult
		recheckResponse
	}{res, rc})
}

type issueRequest struct {
	TargetKind string `json:"targetKind" validate:"required,oneof=course program"`
	TargetID   string `json:"targetId" validate:"required,uuid"`
	UserID     string `json:"userId,omitempty" validate:"omitempty,uuid"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	kind, err := models.ParseTargetKind(req.TargetKind)
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	userID, ok := s.actingUser(w, r, req.UserID)
	if !ok {
		return
	}
	res, err := s.engine.IssueIfEligible(r.Context(), userID, kind, uuid.MustParse(req.TargetID))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCourseStatus(w http.ResponseWriter, r *http.Request) {
	courseID, ok := pathUUID(w, r, "courseID")
	if !ok {
		return
	}
	userID, ok := s.actingUser(w, r, r.URL.Query().Get("userId"))
	if !ok {
		return
	}
	st, err := s.engine.CourseStatus(r.Context(), userID, courseID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleProgramStatus(w http.ResponseWriter, r *http.Request) {
	programID, ok := pathUUID(w, r, "programID")
	if !ok {
		return
	}
	userID, ok := s.actingUser(w, r, r.URL.Query().Get("userId"))
	if !ok {
		return
	}
	st, err := s.engine.ProgramStatus(r.Context(), userID, programID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

type revokeRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	certificateID, ok := pathUUID(w, r, "certificateID")
	if !ok {
		return
	}
	var req revokeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	cert, err := s.engine.Revoke(r.Context(), certificateID, req.Reason)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cert)
}

// actingUser is the caller, unless an admin names another learner.
func (s *Server) actingUser(w http.ResponseWriter, r *http.Request, override string) (uuid.UUID, bool) {
	p := auth.FromContext(r.Context())
	if override == "" {
		return p.UserID, true
	}
	id, err := uuid.Parse(override)
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	if id != p.UserID && !p.HasRole(s.opts.AdminRole) {
		respondError(w, http.StatusForbidden, codeForbidden, "cannot act for another user")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(w, r, v, 1<<20); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		respondValidation(w, err)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}
