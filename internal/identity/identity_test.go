package identity

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/anygle/internal/common"
)

func TestTokensRoundTrip(t *testing.T) {
	tokens := NewTokens("test-secret", "anygle-auth", time.Hour)

	raw, err := tokens.Issue("user-1", Profile{AgeCategory: "teen", Interests: []string{"music"}})
	require.NoError(t, err)

	id, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.True(t, id.Verified)
	assert.Equal(t, "teen", id.Profile.AgeCategory)
	assert.Equal(t, []string{"music"}, id.Profile.Interests)
}

func TestTokensRejectWrongSecret(t *testing.T) {
	raw, err := NewTokens("secret-a", "", time.Hour).Issue("user-1", Profile{})
	require.NoError(t, err)

	_, err = NewTokens("secret-b", "", time.Hour).Verify(raw)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestTokensRejectExpired(t *testing.T) {
	tokens := NewTokens("secret", "", -time.Minute)
	raw, err := tokens.Issue("user-1", Profile{})
	require.NoError(t, err)

	_, err = tokens.Verify(raw)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestTokensRejectGarbage(t *testing.T) {
	_, err := NewTokens("secret", "", time.Hour).Verify("not.a.token")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestAnonymous(t *testing.T) {
	a, b := Anonymous(), Anonymous()
	assert.NotEmpty(t, a.UserID)
	assert.NotEqual(t, a.UserID, b.UserID)
	assert.False(t, a.Verified)
}

func TestStaticProfiles(t *testing.T) {
	src := NewStaticProfiles()
	src.Set("u1", Profile{AgeCategory: "adult"})

	prof, err := src.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "adult", prof.AgeCategory)

	_, err = src.GetProfile(context.Background(), "missing")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}
