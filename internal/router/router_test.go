package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/dispatch"
	"github.com/stemsi/exstem-client/internal/handler"
	"github.com/stemsi/exstem-client/internal/lifecycle"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/router"
	"github.com/stemsi/exstem-client/internal/service"
	"github.com/stemsi/exstem-client/internal/session"
	"github.com/stemsi/exstem-client/internal/store"
	"github.com/stemsi/exstem-client/internal/validator"
	ws "github.com/stemsi/exstem-client/internal/websocket"
	"github.com/stemsi/exstem-client/internal/worker"
)

type backend struct {
	srv      *httptest.Server
	auth     *service.AuthService
	attempts *service.AttemptService
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	validator.Setup()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{
		GinMode:         gin.TestMode,
		JWTSecret:       "secret",
		JWTExpiry:       time.Hour,
		AttemptDuration: 30 * time.Minute,
	}
	log := zerolog.Nop()

	authService := service.NewAuthService(cfg, rdb)
	subjectService := service.NewSubjectService(rdb, log)
	require.NoError(t, subjectService.Seed(context.Background(), service.DefaultBanks()))
	attemptService := service.NewAttemptService(rdb, subjectService, cfg.AttemptDuration, log)

	teardownWorker := worker.NewTeardownWorker(rdb, attemptService, log)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	t.Cleanup(workerCancel)
	go teardownWorker.Start(workerCtx)

	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService, log),
		Attempt: handler.NewAttemptHandler(authService, attemptService, log),
		Subject: handler.NewSubjectHandler(subjectService),
		WS:      handler.NewWSHandler(teardownWorker, log, nil),
	}

	srv := httptest.NewServer(router.SetupRouter(authService, handlers, nil, cfg))
	t.Cleanup(srv.Close)
	return &backend{srv: srv, auth: authService, attempts: attemptService}
}

func (b *backend) client(t *testing.T, studentID int) *api.Client {
	t.Helper()
	tok, err := api.NewClient(b.srv.URL, "", time.Second, zerolog.Nop()).IssueToken(context.Background(), studentID)
	require.NoError(t, err)
	return api.NewClient(b.srv.URL, tok, time.Second, zerolog.Nop())
}

func (b *backend) streamURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws/v1/student/stream"
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, response.Response) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env response.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func apiError(t *testing.T, err error) *api.Error {
	t.Helper()
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr), "want *api.Error, got %v", err)
	return apiErr
}

func TestHealth(t *testing.T) {
	b := newBackend(t)
	resp, err := http.Get(b.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	missing, err := http.Get(b.srv.URL + "/api/v1/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	var env response.Response
	require.NoError(t, json.NewDecoder(missing.Body).Decode(&env))
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.ErrNotFound, env.Error.Code)
}

func TestMetricsExposed(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 9)
	ctx := context.Background()

	att, err := c.StartAttempt(ctx, "informatika")
	require.NoError(t, err)
	_, err = c.SubmitAttempt(ctx, att.AttemptID, model.AnswerSet{"inf-1": 1})
	require.NoError(t, err)

	resp, err := http.Get(b.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body strings.Builder
	_, err = io.Copy(&body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `exam_attempts_started_total{subject="informatika"}`)
	assert.Contains(t, body.String(), `exam_submissions_total{channel="awaited",outcome="graded"}`)
	assert.Contains(t, body.String(), `http_requests_total{endpoint="/api/v1/student/subjects/:subject_id/attempts",method="POST",status="201"}`)
}

func TestStartAndSubmit(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 7)
	ctx := context.Background()

	subjects, err := c.ListSubjects(ctx)
	require.NoError(t, err)
	require.Len(t, subjects, 2)

	att, err := c.StartAttempt(ctx, "matematika")
	require.NoError(t, err)
	assert.Len(t, att.Questions, 5)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), att.ExpiresAt, 5*time.Second)

	res, err := c.SubmitAttempt(ctx, att.AttemptID, model.AnswerSet{"mtk-1": 1, "mtk-2": 2, "mtk-3": 0})
	require.NoError(t, err)
	assert.Equal(t, att.AttemptID, res.AttemptID)
	assert.Equal(t, 2, res.Correct)
	assert.Equal(t, 5, res.Total)
	assert.InDelta(t, 40.0, res.Score, 0.001)

	// A repeated submission gets the first result back.
	again, err := c.SubmitAttempt(ctx, att.AttemptID, model.AnswerSet{})
	require.NoError(t, err)
	assert.Equal(t, res.Correct, again.Correct)

	stored, err := c.Result(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Correct)
}

func TestStudentRoutesRequireToken(t *testing.T) {
	b := newBackend(t)
	anon := api.NewClient(b.srv.URL, "", time.Second, zerolog.Nop())

	_, err := anon.StartAttempt(context.Background(), "matematika")
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, response.ErrTokenRequired, apiErr.Code)
	assert.False(t, api.IsRetryable(err))
}

func TestSupersededTokenRejected(t *testing.T) {
	b := newBackend(t)
	old := b.client(t, 7)
	_ = b.client(t, 7)

	_, err := old.StartAttempt(context.Background(), "matematika")
	assert.Equal(t, response.ErrSessionInvalidated, apiError(t, err).Code)
}

func TestStartErrors(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 7)

	_, err := c.StartAttempt(context.Background(), "kimia")
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, response.ErrSubjectNotFound, apiErr.Code)

	_, err = c.StartAttempt(context.Background(), "a:b")
	assert.Equal(t, response.ErrInvalidID, apiError(t, err).Code)
}

func TestSubmitErrors(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 7)
	ctx := context.Background()

	att, err := c.StartAttempt(ctx, "informatika")
	require.NoError(t, err)

	_, err = c.SubmitAttempt(ctx, att.AttemptID, model.AnswerSet{"nope": 0})
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, response.ErrUnknownQuestion, apiErr.Code)

	_, err = c.SubmitAttempt(ctx, att.AttemptID, model.AnswerSet{"inf-1": 9})
	assert.Equal(t, response.ErrOptionOutOfRange, apiError(t, err).Code)

	_, err = c.SubmitAttempt(ctx, att.AttemptID, model.AnswerSet{"inf-1": -1})
	assert.Equal(t, response.ErrValidation, apiError(t, err).Code)

	_, err = b.client(t, 8).SubmitAttempt(ctx, att.AttemptID, model.AnswerSet{})
	assert.Equal(t, response.ErrAttemptNotOwned, apiError(t, err).Code)

	_, err = c.SubmitAttempt(ctx, "missing", model.AnswerSet{})
	assert.Equal(t, response.ErrAttemptNotFound, apiError(t, err).Code)
}

func TestIssueTokenValidation(t *testing.T) {
	b := newBackend(t)
	resp, env := postJSON(t, b.srv.URL+"/api/v1/auth/student/token", map[string]int{"student_id": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.ErrValidation, env.Error.Code)
	assert.Contains(t, env.Error.Fields, "student_id")
}

func TestTeardownSubmit(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 7)
	ctx := context.Background()

	att, err := c.StartAttempt(ctx, "informatika")
	require.NoError(t, err)

	url := dispatch.TeardownURL(b.srv.URL, att.AttemptID)

	resp, _ := postJSON(t, url, model.TeardownSubmitRequest{AttemptID: att.AttemptID, Answers: model.AnswerSet{}, Token: "bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, env := postJSON(t, url, model.TeardownSubmitRequest{AttemptID: "other", Answers: model.AnswerSet{}, Token: c.Token()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, response.ErrInvalidPayload, env.Error.Code)

	resp, _ = postJSON(t, url, model.TeardownSubmitRequest{AttemptID: att.AttemptID, Answers: model.AnswerSet{"inf-1": 1}, Token: c.Token()})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	res, err := c.Result(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Correct)
}

func TestBeaconDelivers(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 7)
	ctx := context.Background()

	att, err := c.StartAttempt(ctx, "matematika")
	require.NoError(t, err)

	beacon := dispatch.NewBeacon(b.srv.URL, time.Second, zerolog.Nop())
	beacon.Dispatch(dispatch.Payload{AttemptID: att.AttemptID, Answers: model.AnswerSet{"mtk-4": 1}, AuthToken: c.Token()})

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	beacon.Wait(waitCtx)

	res, err := c.Result(ctx, att.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Correct)
}

func TestStreamDelivers(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 7)
	ctx := context.Background()

	att, err := c.StartAttempt(ctx, "informatika")
	require.NoError(t, err)

	stream, err := dispatch.DialStream(ctx, b.streamURL(), c.Token(), nil, zerolog.Nop())
	require.NoError(t, err)
	defer stream.Close()

	stream.Dispatch(dispatch.Payload{AttemptID: att.AttemptID, Answers: model.AnswerSet{"inf-2": 2, "inf-3": 1}, AuthToken: c.Token()})

	require.Eventually(t, func() bool {
		res, err := c.Result(ctx, att.AttemptID)
		return err == nil && res.Correct == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamPingAndUnknownAction(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 7)

	conn, resp, err := websocket.DefaultDialer.Dial(b.streamURL()+"?token="+c.Token(), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ws.PingRequest{Action: ws.ActionPing}))
	var pong ws.PongResponse
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, ws.EventPong, pong.Event)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "dance"}))
	var errResp ws.ErrorResponse
	require.NoError(t, conn.ReadJSON(&errResp))
	assert.Equal(t, ws.EventError, errResp.Event)
	assert.Contains(t, errResp.Error, "dance")
}

func TestStreamRequiresToken(t *testing.T) {
	b := newBackend(t)
	_, resp, err := websocket.DefaultDialer.Dial(b.streamURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// The session manager against the real backend: answer, submit, graded.
func TestSessionAgainstBackend(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 7)
	ctx := context.Background()

	hub := lifecycle.NewHub()
	m, err := session.New(session.Options{
		SubjectID:   "informatika",
		AuthToken:   c.Token(),
		Backend:     c,
		Transport:   dispatch.NewBeacon(b.srv.URL, time.Second, zerolog.Nop()),
		Volatile:    store.NewMemory(),
		Durable:     store.NewMemory(),
		Lifecycle:   hub,
		Log:         zerolog.Nop(),
		ManualTicks: true,
	})
	require.NoError(t, err)

	_, err = m.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, m.SelectAnswer("inf-1", 1))
	require.NoError(t, m.SelectAnswer("inf-4", 1))

	res, err := m.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Correct)
	assert.InDelta(t, 50.0, res.Score, 0.001)
	assert.Equal(t, session.StateDone, m.State())
}

// A closed process leaves its answers behind; the next run redelivers them
// and the backend keeps the first grading.
func TestSessionCloseThenReopenAgainstBackend(t *testing.T) {
	b := newBackend(t)
	c := b.client(t, 7)
	ctx := context.Background()
	durable := store.NewMemory()

	open := func(hub *lifecycle.Hub, transport dispatch.TeardownSafeTransport) *session.Manager {
		m, err := session.New(session.Options{
			SubjectID:   "matematika",
			AuthToken:   c.Token(),
			Backend:     c,
			Transport:   transport,
			Volatile:    store.NewMemory(),
			Durable:     durable,
			Lifecycle:   hub,
			Log:         zerolog.Nop(),
			ManualTicks: true,
		})
		require.NoError(t, err)
		_, err = m.Bootstrap(ctx)
		require.NoError(t, err)
		return m
	}

	// The teardown send is lost on the way out.
	hub := lifecycle.NewHub()
	first := open(hub, dispatch.Nop{})
	orphan := first.Attempt().AttemptID
	require.NoError(t, first.SelectAnswer("mtk-1", 1))
	hub.FirePageTeardown()
	first.Close()

	beacon := dispatch.NewBeacon(b.srv.URL, time.Second, zerolog.Nop())
	second := open(lifecycle.NewHub(), beacon)
	assert.NotEqual(t, orphan, second.Attempt().AttemptID)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	beacon.Wait(waitCtx)

	res, err := c.Result(ctx, orphan)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Correct)
}
