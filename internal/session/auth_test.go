package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
)

func TestAuthStoreCreateAndVerifyToken(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewAuthStore(fake, time.Hour)

	plaintext, err := store.CreateToken("agent-a", RoleWorker)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)

	agent, role, err := store.Verify(plaintext)
	require.NoError(t, err)
	require.Equal(t, "agent-a", agent)
	require.Equal(t, RoleWorker, role)
}

func TestAuthStoreRejectsUnknownToken(t *testing.T) {
	fake := clock.NewFake(time.Now())
	store := NewAuthStore(fake, time.Hour)

	_, _, err := store.Verify("not-a-real-token")
	require.Error(t, err)
	var invalid *masceerr.InvalidTokenError
	require.ErrorAs(t, err, &invalid)
}

func TestAuthStoreExpiresToken(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewAuthStore(fake, time.Minute)

	plaintext, err := store.CreateToken("agent-a", RoleWorker)
	require.NoError(t, err)

	fake.Advance(2 * time.Minute)

	_, _, err = store.Verify(plaintext)
	require.Error(t, err)
	var expired *masceerr.TokenExpiredError
	require.ErrorAs(t, err, &expired)
}

func TestRolePermissions(t *testing.T) {
	require.True(t, HasPermission(RoleWorker, CanClaimTask))
	require.False(t, HasPermission(RoleWorker, CanInit))
	require.True(t, HasPermission(RoleAdmin, CanInit))
	require.True(t, HasPermission(RoleAdmin, CanAdmin))
}
