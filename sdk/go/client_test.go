package premail

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", Token: "tok"})
}

func TestSend(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/send", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req.UserID)
		assert.Equal(t, []string{"a@x.com"}, req.EmailData.To)

		w.Write([]byte(`{"success":true,"messageId":"gm-1"}`))
	})

	res, err := c.Send(t.Context(), "u1", EmailData{To: []string{"a@x.com"}, Subject: "s", TextBody: "b"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "gm-1", res.MessageID)
}

func TestSendFailureReason(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"NoCredential","message":"no credential on file"}`))
	})

	_, err := c.Send(t.Context(), "u1", EmailData{To: []string{"a@x.com"}})
	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, ReasonNoCredential, apiErr.Code)
	assert.Equal(t, "no credential on file", apiErr.Message)
	assert.False(t, apiErr.Retryable())
}

func TestParseAPIError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{name: "envelope", status: 409, body: `{"error":{"code":"not_editable","message":"nope"}}`, code: "not_editable"},
		{name: "send reason", status: 500, body: `{"success":false,"error":"TransientSendFailure"}`, code: ReasonTransientSendFailure, retryable: true},
		{name: "plain text", status: 502, body: `bad gateway`, code: "unknown", retryable: true},
		{name: "rate limited", status: 429, body: `{"error":{"code":"rate_limited","message":"slow down"}}`, code: "rate_limited", retryable: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			apiErr, ok := IsAPIError(parseAPIError(tc.status, []byte(tc.body)))
			require.True(t, ok)
			assert.Equal(t, tc.code, apiErr.Code)
			assert.Equal(t, tc.retryable, apiErr.Retryable())
		})
	}
}

func TestEmails(t *testing.T) {
	t.Parallel()

	when := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	var patchBody map[string]interface{}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/emails":
			var req CreateEmailRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(Email{ID: "e1", UserID: req.UserID, Status: req.Status, ScheduledDate: req.ScheduledDate})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/users/u1/emails":
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			w.Write([]byte(`{"emails":[{"id":"e1","status":"scheduled"}]}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/api/v1/emails/e1":
			data, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(data, &patchBody))
			w.Write([]byte(`{"id":"e1","status":"draft"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/emails/e1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"not_found","message":"Email not found"}}`))
		}
	})
	ctx := t.Context()

	e, err := c.CreateEmail(ctx, CreateEmailRequest{UserID: "u1", Status: "scheduled", ScheduledDate: &when})
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)
	require.NotNil(t, e.ScheduledDate)
	assert.True(t, when.Equal(*e.ScheduledDate))

	list, err := c.ListEmails(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	draft := "draft"
	_, err = c.UpdateEmail(ctx, "e1", UpdateEmailRequest{Status: &draft, ClearSchedule: true})
	require.NoError(t, err)
	assert.Equal(t, "draft", patchBody["status"])
	v, present := patchBody["scheduledDate"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.NotContains(t, patchBody, "subject")

	require.NoError(t, c.DeleteEmail(ctx, "e1"))

	_, err = c.GetEmail(ctx, "missing")
	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestCredentialsAndDispatcher(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/users/u1/credential":
			w.Write([]byte(`{"userId":"u1","tokenType":"Bearer","hasRefreshToken":true}`))
		case "/api/v1/users/u1/credential/authorize-url":
			state := r.URL.Query().Get("state")
			json.NewEncoder(w).Encode(map[string]string{"url": "https://consent?state=" + state, "state": state})
		case "/api/v1/dispatcher":
			w.Write([]byte(`{"running":true,"claimPolicy":"claim","pollInterval":"1m0s","ticks":3}`))
		case "/api/v1/dispatcher/tick":
			w.Write([]byte(`{"due":1,"sent":1}`))
		}
	})
	ctx := t.Context()

	cred, err := c.PutCredential(ctx, "u1", PutCredentialRequest{AccessToken: "a", RefreshToken: "r"})
	require.NoError(t, err)
	assert.True(t, cred.HasRefreshToken)

	authURL, state, err := c.AuthorizeURL(ctx, "u1", "xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", state)
	assert.Contains(t, authURL, "state=xyz")

	status, err := c.DispatcherStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.EqualValues(t, 3, status.Ticks)

	res, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}
