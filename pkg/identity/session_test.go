package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestSession_MintAndValidate(t *testing.T) {
	mgr, err := NewSessionManager("test-signing-key", 12*time.Hour)
	require.NoError(t, err)
	mgr.WithClock(testTime)

	p := &Principal{PrincipalID: "p-1", Type: PrincipalUser, LegacyActorID: "u-1"}
	token, expiresAt, err := mgr.Mint("ws1", p)
	require.NoError(t, err)
	assert.Equal(t, testTime().Add(12*time.Hour), expiresAt)

	claims, err := mgr.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ws1", claims.WorkspaceID)
	assert.Equal(t, "p-1", claims.PrincipalID)
	assert.Equal(t, "user", claims.ActorType)
	assert.Equal(t, "u-1", claims.ActorID)
}

func TestSession_Expired(t *testing.T) {
	mgr, err := NewSessionManager("test-signing-key", time.Hour)
	require.NoError(t, err)
	mgr.WithClock(testTime)

	p := &Principal{PrincipalID: "p-1", Type: PrincipalUser}
	token, _, err := mgr.Mint("ws1", p)
	require.NoError(t, err)

	mgr.WithClock(func() time.Time { return testTime().Add(2 * time.Hour) })
	_, err = mgr.Validate(token)
	assert.Error(t, err)
}

func TestSession_WrongKey(t *testing.T) {
	mgr1, err := NewSessionManager("key-one", time.Hour)
	require.NoError(t, err)
	mgr2, err := NewSessionManager("key-two", time.Hour)
	require.NoError(t, err)

	p := &Principal{PrincipalID: "p-1", Type: PrincipalService}
	token, _, err := mgr1.Mint("ws1", p)
	require.NoError(t, err)

	_, err = mgr2.Validate(token)
	assert.Error(t, err)
}

func TestSession_EmptyKeyRejected(t *testing.T) {
	_, err := NewSessionManager("", time.Hour)
	assert.Error(t, err)
}
