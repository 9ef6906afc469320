package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/premail/premail/internal/auth"
	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/dispatcher"
	"github.com/premail/premail/internal/handler"
	"github.com/premail/premail/internal/logger"
	"github.com/premail/premail/internal/mailer"
	"github.com/premail/premail/internal/middleware"
	"github.com/premail/premail/internal/model"
	"github.com/premail/premail/internal/repository"
	"github.com/premail/premail/internal/router"
	"github.com/premail/premail/internal/service"
)

type checker struct{ err error }

func (c checker) HealthCheck(context.Context) error { return c.err }

type fakeTx struct {
	mu       sync.Mutex
	err      error
	last     mailer.Message
	user     string
	deadline time.Time
}

func (f *fakeTx) Send(ctx context.Context, userID string, msg mailer.Message) (*mailer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user, f.last = userID, msg
	f.deadline, _ = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	return &mailer.Result{MessageID: "gm-1"}, nil
}

type fakeDispatcher struct {
	ticks int
}

func (f *fakeDispatcher) Status() dispatcher.Status {
	return dispatcher.Status{Running: true, ClaimPolicy: config.ClaimPolicyClaim, PollInterval: "1m0s", Ticks: int64(f.ticks)}
}

func (f *fakeDispatcher) Tick(context.Context) (dispatcher.TickResult, error) {
	f.ticks++
	return dispatcher.TickResult{Due: 2, Sent: 2}, nil
}

type authURLs struct{}

func (authURLs) AuthCodeURL(state string) string {
	return "https://accounts.example/auth?state=" + state
}

type memEmails struct {
	mu     sync.Mutex
	emails map[string]model.Email
}

func (m *memEmails) Create(_ context.Context, e *model.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails[e.ID] = *e
	return nil
}

func (m *memEmails) GetByID(_ context.Context, id string) (*model.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (m *memEmails) ListByUser(_ context.Context, userID string, limit, offset int) ([]*model.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Email
	for _, e := range m.emails {
		if e.UserID == userID {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memEmails) Update(_ context.Context, e *model.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.emails[e.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if !cur.Status.Editable() {
		return repository.ErrConflict
	}
	m.emails[e.ID] = *e
	return nil
}

func (m *memEmails) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.emails, id)
	return nil
}

func (m *memEmails) setStatus(id string, s model.EmailStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.emails[id]
	e.Status = s
	m.emails[id] = e
}

type memCreds struct {
	mu    sync.Mutex
	creds map[string]model.Credential
}

func (m *memCreds) Get(_ context.Context, userID string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (m *memCreds) Upsert(_ context.Context, c *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.UserID] = *c
	return nil
}

func (m *memCreds) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[userID]; !ok {
		return repository.ErrNotFound
	}
	delete(m.creds, userID)
	return nil
}

type testServer struct {
	http.Handler
	tx     *fakeTx
	emails *memEmails
	disp   *fakeDispatcher
	tokens *auth.TokenService
}

func newServer(t *testing.T, secret string) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.Security.APITokens = config.APITokenConfig{Secret: secret, Issuer: "premail", TTL: time.Minute}

	log := logger.Nop()
	emails := &memEmails{emails: map[string]model.Email{}}
	tx := &fakeTx{}
	disp := &fakeDispatcher{}
	tokens := auth.NewTokenService(cfg.Security.APITokens)

	h := handler.New(
		checker{}, nil, log, cfg,
		service.NewEmailService(emails, log),
		service.NewCredentialService(&memCreds{creds: map[string]model.Credential{}}, log),
		tx, authURLs{}, disp,
	)
	mw := middleware.New(nil, log, cfg)

	return &testServer{
		Handler: router.New(h, mw, cfg, tokens),
		tx:      tx,
		emails:  emails,
		disp:    disp,
		tokens:  tokens,
	}
}

func (s *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestSend(t *testing.T) {
	t.Parallel()

	t.Run("success with comma separated to", func(t *testing.T) {
		t.Parallel()
		s := newServer(t, "")
		rec := s.do(t, http.MethodPost, "/api/v1/send",
			`{"userId":"u1","emailData":{"to":"a@x.com, b@x.com","subject":"hi","htmlBody":"<p>x</p>"}}`, "")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp handler.SendResponse
		decode(t, rec, &resp)
		assert.True(t, resp.Success)
		assert.Equal(t, "gm-1", resp.MessageID)
		assert.Equal(t, "u1", s.tx.user)
		assert.Equal(t, []string{"a@x.com", "b@x.com"}, s.tx.last.To)
	})

	t.Run("send is bounded by a timeout", func(t *testing.T) {
		t.Parallel()
		s := newServer(t, "")
		start := time.Now()
		rec := s.do(t, http.MethodPost, "/api/v1/send",
			`{"userId":"u1","emailData":{"to":"a@x.com","subject":"hi","textBody":"x"}}`, "")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.False(t, s.tx.deadline.IsZero(), "transmitter context has no deadline")
		assert.WithinDuration(t, start.Add(30*time.Second), s.tx.deadline, 5*time.Second)
	})

	t.Run("success with array to", func(t *testing.T) {
		t.Parallel()
		s := newServer(t, "")
		rec := s.do(t, http.MethodPost, "/api/v1/send",
			`{"userId":"u1","emailData":{"to":["a@x.com","a@x.com"],"subject":"hi","textBody":"x"}}`, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"a@x.com"}, s.tx.last.To)
	})

	testCases := []struct {
		name   string
		body   string
		txErr  error
		status int
		reason string
	}{
		{name: "malformed body", body: `{"userId":`, status: http.StatusBadRequest, reason: "InvalidMessage"},
		{name: "missing user", body: `{"emailData":{"to":"a@x.com","subject":"s","textBody":"b"}}`, status: http.StatusBadRequest, reason: "InvalidMessage"},
		{name: "bad address", body: `{"userId":"u1","emailData":{"to":"nope","subject":"s","textBody":"b"}}`, status: http.StatusBadRequest, reason: "InvalidMessage"},
		{name: "invalid message", body: `{"userId":"u1","emailData":{"to":"a@x.com"}}`, txErr: fmt.Errorf("%w: subject is required", mailer.ErrInvalidMessage), status: http.StatusBadRequest, reason: "InvalidMessage"},
		{name: "no credential", body: `{"userId":"u1","emailData":{"to":"a@x.com","subject":"s","textBody":"b"}}`, txErr: mailer.ErrNoCredential, status: http.StatusNotFound, reason: "NoCredential"},
		{name: "auth failure", body: `{"userId":"u1","emailData":{"to":"a@x.com","subject":"s","textBody":"b"}}`, txErr: mailer.ErrAuthFailure, status: http.StatusUnauthorized, reason: "AuthFailure"},
		{name: "transient", body: `{"userId":"u1","emailData":{"to":"a@x.com","subject":"s","textBody":"b"}}`, txErr: mailer.ErrTransientSendFailure, status: http.StatusInternalServerError, reason: "TransientSendFailure"},
		{name: "unclassified", body: `{"userId":"u1","emailData":{"to":"a@x.com","subject":"s","textBody":"b"}}`, txErr: errors.New("boom"), status: http.StatusInternalServerError, reason: "TransientSendFailure"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newServer(t, "")
			s.tx.err = tc.txErr

			rec := s.do(t, http.MethodPost, "/api/v1/send", tc.body, "")
			assert.Equal(t, tc.status, rec.Code)

			var resp handler.SendResponse
			decode(t, rec, &resp)
			assert.False(t, resp.Success)
			assert.Equal(t, tc.reason, resp.Error)
		})
	}
}

func TestEmailCRUD(t *testing.T) {
	t.Parallel()

	s := newServer(t, "")
	when := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	rec := s.do(t, http.MethodPost, "/api/v1/emails",
		`{"userId":"u1","to":"a@x.com","subject":"later","body":"text","status":"scheduled","scheduledDate":"`+when+`"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created model.Email
	decode(t, rec, &created)
	assert.Equal(t, model.EmailStatusScheduled, created.Status)
	require.NotNil(t, created.ScheduledDate)

	rec = s.do(t, http.MethodGet, "/api/v1/emails/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/users/u1/emails", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Emails []model.Email `json:"emails"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Emails, 1)

	rec = s.do(t, http.MethodPatch, "/api/v1/emails/"+created.ID, `{"status":"draft","scheduledDate":null}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated model.Email
	decode(t, rec, &updated)
	assert.Equal(t, model.EmailStatusDraft, updated.Status)
	assert.Nil(t, updated.ScheduledDate)

	rec = s.do(t, http.MethodPatch, "/api/v1/emails/"+created.ID, `{"status":"scheduled"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.emails.setStatus(created.ID, model.EmailStatusSent)
	rec = s.do(t, http.MethodPatch, "/api/v1/emails/"+created.ID, `{"subject":"too late"}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/emails/"+created.ID, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/emails/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/emails", `{"userId":"u1","unknown":true}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	s := newServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/v1/users/u1/credential", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/users/u1/credential",
		`{"accessToken":"secret-access","refreshToken":"secret-refresh","expiry":"2030-01-01T00:00:00Z"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret-")

	var resp handler.CredentialResponse
	decode(t, rec, &resp)
	assert.True(t, resp.HasRefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)

	rec = s.do(t, http.MethodGet, "/api/v1/users/u1/credential/authorize-url?state=abc", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "state=abc")

	rec = s.do(t, http.MethodDelete, "/api/v1/users/u1/credential", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDispatcherEndpoints(t *testing.T) {
	t.Parallel()

	s := newServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/v1/dispatcher", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status dispatcher.Status
	decode(t, rec, &status)
	assert.True(t, status.Running)

	rec = s.do(t, http.MethodPost, "/api/v1/dispatcher/tick", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res dispatcher.TickResult
	decode(t, rec, &res)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, s.disp.ticks)
}

func TestAuthorization(t *testing.T) {
	t.Parallel()

	s := newServer(t, "signing-secret")
	userToken, err := s.tokens.Issue("u1", "", 0)
	require.NoError(t, err)
	serviceToken, err := s.tokens.Issue("", "service", 0)
	require.NoError(t, err)

	body := `{"userId":"u2","emailData":{"to":"a@x.com","subject":"s","textBody":"b"}}`

	rec := s.do(t, http.MethodPost, "/api/v1/send", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/send", body, userToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/send", strings.Replace(body, "u2", "u1", 1), userToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/send", body, serviceToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/dispatcher/tick", "", userToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/dispatcher/tick", "", serviceToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Other users' emails look missing.
	rec = s.do(t, http.MethodPost, "/api/v1/emails", `{"userId":"u2","subject":"private"}`, serviceToken)
	require.Equal(t, http.StatusCreated, rec.Code)
	var e model.Email
	decode(t, rec, &e)
	rec = s.do(t, http.MethodGet, "/api/v1/emails/"+e.ID, "", userToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Health stays public.
	rec = s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	log := logger.Nop()
	cfg := &config.Config{}
	h := handler.New(checker{}, checker{err: errors.New("down")}, log, cfg, nil, nil, nil, nil, &fakeDispatcher{})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp handler.HealthResponse
	decode(t, rec, &resp)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unhealthy", resp.Services["redis"])
	assert.Equal(t, "running", resp.Dispatcher)

	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
