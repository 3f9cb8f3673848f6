// Package api is the awaited HTTP client for the exam backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
)

// Error is a non-2xx reply from the backend.
type Error struct {
	Status    int
	Code      response.ErrCode
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend %d", e.Status)
}

// IsRetryable reports whether err is worth retrying. Transport failures and
// replies the backend marked retryable (5xx, 429) are; other rejections are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable || response.IsRetryableStatus(apiErr.Status)
	}
	return true
}

// envelope mirrors response.Response with the data left raw for decoding.
type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error,omitempty"`
}

// Client calls the backend on behalf of one authenticated student.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a Client. timeout bounds each request.
func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "api_client").Logger(),
	}
}

// Token returns the bearer token the client authenticates with.
func (c *Client) Token() string {
	return c.token
}

// StartAttempt asks the backend to create a new attempt for subjectID.
func (c *Client) StartAttempt(ctx context.Context, subjectID string) (*model.Attempt, error) {
	var out model.StartAttemptResponse
	path := "/api/v1/student/subjects/" + url.PathEscape(subjectID) + "/attempts"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	if out.AttemptID == "" || len(out.Questions) == 0 {
		return nil, errors.New("start attempt: backend returned an empty attempt")
	}

	subject := out.SubjectID
	if subject == "" {
		subject = subjectID
	}
	return &model.Attempt{
		AttemptID: out.AttemptID,
		SubjectID: subject,
		Questions: out.Questions,
		ExpiresAt: out.ExpiresAt,
	}, nil
}

// SubmitAttempt delivers the final answers and returns the grading result.
func (c *Client) SubmitAttempt(ctx context.Context, attemptID string, answers model.AnswerSet) (*model.GradingResult, error) {
	if answers == nil {
		answers = model.AnswerSet{}
	}
	var out struct {
		Result model.GradingResult `json:"result"`
	}
	path := "/api/v1/student/attempts/" + url.PathEscape(attemptID) + "/submit"
	if err := c.do(ctx, http.MethodPost, path, model.SubmitAttemptRequest{Answers: answers}, &out); err != nil {
		return nil, fmt.Errorf("submit attempt: %w", err)
	}
	return &out.Result, nil
}

// Result fetches the stored grading result of a submitted attempt.
func (c *Client) Result(ctx context.Context, attemptID string) (*model.GradingResult, error) {
	var out struct {
		Result model.GradingResult `json:"result"`
	}
	path := "/api/v1/student/attempts/" + url.PathEscape(attemptID) + "/result"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return &out.Result, nil
}

// ListSubjects returns the subjects an attempt can be started on.
func (c *Client) ListSubjects(ctx context.Context) ([]model.Subject, error) {
	var out struct {
		Subjects []model.Subject `json:"subjects"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/student/subjects", nil, &out); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return out.Subjects, nil
}

// IssueToken obtains a development token. It needs no prior authentication.
func (c *Client) IssueToken(ctx context.Context, studentID int) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/student/token", model.IssueTokenRequest{StudentID: studentID}, &out); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return out.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Backend call")

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Retryable = env.Error.Retryable
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
