package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/premail/premail/internal/config"
)

func TestParseRecipients(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   []string
		want    []string
		wantErr bool
	}{
		{name: "single", input: []string{"a@x.com"}, want: []string{"a@x.com"}},
		{name: "comma joined", input: []string{"a@x.com, b@x.com"}, want: []string{"a@x.com", "b@x.com"}},
		{name: "display names", input: []string{"Alice <a@x.com>"}, want: []string{"a@x.com"}},
		{name: "array with dupes", input: []string{"a@x.com", "A@X.com", "b@x.com"}, want: []string{"a@x.com", "b@x.com"}},
		{name: "blank entries", input: []string{"", "  "}, want: nil},
		{name: "garbage", input: []string{"not an address"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRecipients(tc.input...)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTokenService(t *testing.T) {
	t.Parallel()

	svc := NewTokenService(config.APITokenConfig{Secret: "s3cret", Issuer: "premail", TTL: time.Minute})
	require.True(t, svc.Enabled())

	token, err := svc.Issue("user-1", "send", 0)
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "send", claims.Scope)

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		other := NewTokenService(config.APITokenConfig{Secret: "other", Issuer: "premail"})
		_, err := other.ValidateAccessToken(token)
		require.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		expired, err := svc.Issue("user-1", "", -time.Minute)
		require.NoError(t, err)
		_, err = svc.ValidateAccessToken(expired)
		require.Error(t, err)
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		off := NewTokenService(config.APITokenConfig{})
		require.False(t, off.Enabled())
		_, err := off.Issue("user-1", "", 0)
		require.ErrorIs(t, err, ErrTokensDisabled)
	})
}
