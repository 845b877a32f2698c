package grading

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientGrade(t *testing.T) {
	evalID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/grade", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, evalID, req.EvaluationID)
		assert.Equal(t, 2, req.AttemptNumber)
		assert.JSONEq(t, `{"q1":"b"}`, string(req.Answers))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 82.5}`))
	}))
	defer srv.Close()

	score, err := New(srv.URL, time.Second).Grade(context.Background(), Request{
		UserID:        uuid.New(),
		EvaluationID:  evalID,
		AttemptNumber: 2,
		Answers:       json.RawMessage(`{"q1":"b"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 82.5, score)
}

func TestClientGradeServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Grade(context.Background(), Request{})
	assert.Error(t, err)
	assert.Equal(t, int32(RetryCount+1), calls.Load())
}

func TestClientGradeRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 71}`))
	}))
	defer srv.Close()

	score, err := New(srv.URL, time.Second).Grade(context.Background(), Request{Answers: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 71.0, score)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientGradeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Grade(context.Background(), Request{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientGradeMissingScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Grade(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoScore)
}

func TestPregraded(t *testing.T) {
	score, err := Pregraded.Grade(context.Background(), Request{Answers: json.RawMessage(`{"score": 0}`)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	_, err = Pregraded.Grade(context.Background(), Request{Answers: json.RawMessage(`{"q1":"a"}`)})
	assert.ErrorIs(t, err, ErrNoScore)

	_, err = Pregraded.Grade(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoScore)
}
