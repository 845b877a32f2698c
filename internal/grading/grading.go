// Package grading talks to the external grading function that scores
// evaluation submissions.
package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

var ErrNoScore = errors.New("submission carries no score")

type Request struct {
	UserID        uuid.UUID       `json:"userId"`
	EvaluationID  uuid.UUID       `json:"evaluationId"`
	AttemptNumber int             `json:"attemptNumber"`
	Answers       json.RawMessage `json:"answers"`
}

type Grader interface {
	Grade(ctx context.Context, req Request) (float64, error)
}

// Func adapts a plain function to Grader.
type Func func(ctx context.Context, req Request) (float64, error)

func (f Func) Grade(ctx context.Context, req Request) (float64, error) {
	return f(ctx, req)
}

// Pregraded trusts a score already present in the answers document
// ({"score": 87.5}); used when no grading service is configured and an
// upstream quiz engine has scored the submission.
var Pregraded = Func(func(_ context.Context, req Request) (float64, error) {
	var body struct {
		Score *float64 `json:"score"`
	}
	if len(req.Answers) == 0 {
		return 0, ErrNoScore
	}
	if err := json.Unmarshal(req.Answers, &body); err != nil {
		return 0, fmt.Errorf("decode answers: %w", err)
	}
	if body.Score == nil {
		return 0, ErrNoScore
	}
	return *body.Score, nil
})

type Client struct {
	http *resty.Client
}

// RetryCount is how many times a failed grading call is repeated. Only
// transport errors and 5xx responses are retried.
const RetryCount = 2

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(RetryCount).
			SetRetryWaitTime(100 * time.Millisecond).
			SetRetryMaxWaitTime(time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			}),
	}
}

type gradeResponse struct {
	Score *float64 `json:"score"`
}

func (c *Client) Grade(ctx context.Context, req Request) (float64, error) {
	var out gradeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/grade")
	if err != nil {
		return 0, fmt.Errorf("grader request: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("grader returned %s", resp.Status())
	}
	if out.Score == nil {
		return 0, ErrNoScore
	}
	return *out.Score, nil
}
