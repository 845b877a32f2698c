package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/ILLUVRSE/certification/internal/engine"
	"github.com/ILLUVRSE/certification/internal/grading"
	"github.com/ILLUVRSE/certification/internal/issuer"
	"github.com/ILLUVRSE/certification/internal/store"
)

const (
	codeBadRequest     = "CERTIFICATION_BAD_REQUEST"
	codeForbidden      = "CERTIFICATION_FORBIDDEN"
	codeNotFound       = "CERTIFICATION_NOT_FOUND"
	codeConflict       = "CERTIFICATION_CONFLICT"
	codeUnprocessable  = "CERTIFICATION_UNPROCESSABLE"
	codeInternal       = "CERTIFICATION_INTERNAL"
	codeWindowClosed   = "EVALUATION_WINDOW_CLOSED"
	codeAttemptLimit   = "ATTEMPT_LIMIT_EXCEEDED"
	codeAttemptRetry   = "ATTEMPT_CONFLICT"
	codeAuditMode      = "AUDIT_MODE_FORBIDDEN"
	codeNotEnrolled    = "NOT_ENROLLED"
	codeAlreadyRevoked = "ALREADY_REVOKED"
)

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{store.ErrNotFound, http.StatusNotFound, codeNotFound},
	{engine.ErrEvaluationWindowClosed, http.StatusConflict, codeWindowClosed},
	{engine.ErrAttemptLimitExceeded, http.StatusConflict, codeAttemptLimit},
	{engine.ErrAttemptConflict, http.StatusConflict, codeAttemptRetry},
	{store.ErrAlreadyRevoked, http.StatusConflict, codeAlreadyRevoked},
	{engine.ErrAuditModeForbidden, http.StatusForbidden, codeAuditMode},
	{engine.ErrNotEnrolled, http.StatusForbidden, codeNotEnrolled},
	{engine.ErrEvaluationOnlyResource, http.StatusUnprocessableEntity, codeUnprocessable},
	{engine.ErrInvalidScore, http.StatusUnprocessableEntity, codeUnprocessable},
	{grading.ErrNoScore, http.StatusUnprocessableEntity, codeUnprocessable},
	{issuer.ErrUnknownTargetKind, http.StatusBadRequest, codeBadRequest},
}

func respondFailure(w http.ResponseWriter, err error) {
	var closed *engine.WindowClosedError
	if errors.As(err, &closed) {
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":    err.Error(),
			"code":     codeWindowClosed,
			"state":    closed.State.String(),
			"window":   closed.Window,
			"timezone": closed.Timezone,
		})
		return
	}
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			respondError(w, e.status, e.code, err.Error())
			return
		}
	}
	log.Printf("[httpserver] internal error: %v", err)
	respondError(w, http.StatusInternalServerError, codeInternal, "internal error")
}

func respondValidation(w http.ResponseWriter, err error) {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Tag()
	}
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":  "invalid request",
		"code":   codeBadRequest,
		"fields": fields,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
