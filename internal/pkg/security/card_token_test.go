package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCardTokenRoundTrip(t *testing.T) {
	s, err := NewCardSigner("secret")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	until := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	token, err := s.Token("DEC-2026-000001", "u1", until)
	require.NoError(t, err)

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "DEC-2026-000001", claims.MembershipNumber)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, until.Unix(), claims.ValidUntil)
}

func TestCardTokenRejectsTampering(t *testing.T) {
	s, err := NewCardSigner("secret")
	require.NoError(t, err)
	other, err := NewCardSigner("other")
	require.NoError(t, err)

	token, err := s.Token("DEC-2026-000001", "u1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	forged, err := s.Token("DEC-2026-000002", "u1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	mixed := strings.SplitN(forged, ".", 2)[0] + "." + strings.SplitN(token, ".", 2)[1]
	_, err = s.Verify(mixed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	for _, bad := range []string{"", "abc", "a.b", "!!.!!"} {
		_, err = s.Verify(bad)
		assert.ErrorIs(t, err, ErrInvalidToken, bad)
	}

	_, err = NewCardSigner(" ")
	assert.Error(t, err)
}

func TestCardTokenExpired(t *testing.T) {
	s, err := NewCardSigner("secret")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC) }

	token, err := s.Token("DEC-2026-000001", "u1", time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	claims, err := s.Verify(token)
	assert.ErrorIs(t, err, ErrCardExpired)
	require.NotNil(t, claims)
	assert.Equal(t, "u1", claims.UserID)
}
