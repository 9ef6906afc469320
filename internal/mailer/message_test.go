package mailer

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Validate(t *testing.T) {
	t.Parallel()

	base := Message{To: []string{"a@x.com"}, Subject: "hi", TextBody: "body"}

	testCases := []struct {
		name   string
		mutate func(m *Message)
		ok     bool
	}{
		{name: "valid", mutate: func(*Message) {}, ok: true},
		{name: "html only", mutate: func(m *Message) { m.TextBody = ""; m.HTMLBody = "<p>x</p>" }, ok: true},
		{name: "no recipients", mutate: func(m *Message) { m.To = nil }},
		{name: "blank subject", mutate: func(m *Message) { m.Subject = "  " }},
		{name: "header injection", mutate: func(m *Message) { m.Subject = "hi\r\nBcc: evil@x.com" }},
		{name: "no body", mutate: func(m *Message) { m.TextBody = "" }},
		{name: "bad to", mutate: func(m *Message) { m.To = []string{"nope"} }},
		{name: "bad cc", mutate: func(m *Message) { m.Cc = []string{"@@"} }},
		{name: "bad from", mutate: func(m *Message) { m.From = "nobody" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := base
			tc.mutate(&m)
			err := m.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidMessage)
			assert.Equal(t, ReasonInvalidMessage, Reason(err))
		})
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	raw, err := Build(Message{
		From:     "me@x.com",
		To:       []string{"a@x.com", "b@x.com"},
		Cc:       []string{"c@x.com"},
		Subject:  "Grüße",
		HTMLBody: "<p>hello</p>",
		TextBody: "ignored",
	}, now)
	require.NoError(t, err)

	assert.Contains(t, strings.ToLower(string(raw)), "mime-version: 1.0")

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Grüße", subject)

	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 2)
	assert.Equal(t, "a@x.com", to[0].Address)
	assert.Equal(t, "b@x.com", to[1].Address)

	date, err := r.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(now))

	id, err := r.Header.MessageID()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@"+messageIDDomain))

	ct, params, err := r.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "text/html", ct)
	assert.Equal(t, "utf-8", strings.ToLower(params["charset"]))

	p, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(p.Body)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", string(body))
}

func TestBuild_PlainText(t *testing.T) {
	t.Parallel()

	raw, err := Build(Message{To: []string{"a@x.com"}, Subject: "s", TextBody: "plain"}, time.Now())
	require.NoError(t, err)

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	ct, _, err := r.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "text/plain", ct)
}

func TestBuild_HeaderOrderIsStable(t *testing.T) {
	t.Parallel()

	m := Message{To: []string{"a@x.com"}, Cc: []string{"b@x.com"}, Bcc: []string{"c@x.com"}, Subject: "s", TextBody: "b"}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	keys := func() []string {
		raw, err := Build(m, now)
		require.NoError(t, err)
		r, err := mail.CreateReader(bytes.NewReader(raw))
		require.NoError(t, err)

		var out []string
		fields := r.Header.Fields()
		for fields.Next() {
			out = append(out, fields.Key())
		}
		return out
	}

	first := keys()
	require.Subset(t, first, []string{"To", "Cc", "Bcc"})
	for i := 0; i < 20; i++ {
		require.Equal(t, first, keys())
	}
}

func TestEncode_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("output is url safe and unpadded", prop.ForAll(
		func(b []byte) bool {
			return !strings.ContainsAny(Encode(b), "+/=")
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("decode reverses encode", prop.ForAll(
		func(b []byte) bool {
			out, err := Decode(Encode(b))
			return err == nil && bytes.Equal(out, b)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
