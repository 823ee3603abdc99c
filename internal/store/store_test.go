package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGetUser(t *testing.T) {
	st := newTestStore(t)

	user, err := st.CreateUser("alice", "Alice", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)

	got, err := st.GetUser(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "Alice", got.DisplayName)

	byName, err := st.GetUserByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)
}

func TestCreateUserDuplicate(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateUser("alice", "Alice", "s3cret")
	require.NoError(t, err)

	_, err = st.CreateUser("alice", "Other Alice", "hunter2")
	assert.ErrorIs(t, err, ErrExists)
}

func TestAuthenticate(t *testing.T) {
	st := newTestStore(t)

	user, err := st.CreateUser("alice", "Alice", "s3cret")
	require.NoError(t, err)

	got, err := st.Authenticate("alice", "s3cret")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, user.ID, got.ID)

	got, err = st.Authenticate("alice", "wrong")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = st.Authenticate("nobody", "s3cret")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteUserCascadesTokens(t *testing.T) {
	st := newTestStore(t)

	user, err := st.CreateUser("alice", "Alice", "s3cret")
	require.NoError(t, err)
	token, err := st.CreateToken(user.ID)
	require.NoError(t, err)

	require.NoError(t, st.DeleteUser(user.ID))

	got, err := st.ValidateToken(token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokenLifecycle(t *testing.T) {
	st := newTestStore(t)

	user, err := st.CreateUser("alice", "Alice", "s3cret")
	require.NoError(t, err)

	token, err := st.CreateToken(user.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "pi_"))

	got, err := st.ValidateToken(token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, user.ID, got.ID)

	require.NoError(t, st.DeleteToken(token))

	got, err = st.ValidateToken(token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestValidateTokenExpired(t *testing.T) {
	st := newTestStore(t)

	user, err := st.CreateUser("alice", "Alice", "s3cret")
	require.NoError(t, err)
	token, err := st.CreateToken(user.ID)
	require.NoError(t, err)

	// Backdate past the TTL.
	_, err = st.db.Exec(`UPDATE tokens SET expires_at = ? WHERE token = ?`,
		time.Now().UTC().Add(-time.Hour), token)
	require.NoError(t, err)

	got, err := st.ValidateToken(token)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The expired row is purged on touch.
	var n int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM tokens`).Scan(&n))
	assert.Zero(t, n)
}

func TestCreateSessionWorkspaceDir(t *testing.T) {
	st := newTestStore(t)

	sess, err := st.CreateSession("s1", "", "First")
	require.NoError(t, err)
	assert.Equal(t, "s1/workspace", sess.WorkspaceDir)

	got, err := st.GetSession("s1", "")
	require.NoError(t, err)
	assert.Equal(t, "First", got.Name)
	assert.Empty(t, got.UserID)
	assert.Empty(t, got.ForkedFrom)
}

func TestGetSessionOwnership(t *testing.T) {
	st := newTestStore(t)

	alice, err := st.CreateUser("alice", "Alice", "pw")
	require.NoError(t, err)
	bob, err := st.CreateUser("bob", "Bob", "pw")
	require.NoError(t, err)

	_, err = st.CreateSession("s1", alice.ID, "Alice's")
	require.NoError(t, err)
	_, err = st.CreateSession("legacy", "", "Unowned")
	require.NoError(t, err)

	_, err = st.GetSession("s1", alice.ID)
	require.NoError(t, err)

	_, err = st.GetSession("s1", bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Unowned sessions are visible to any authenticated user.
	_, err = st.GetSession("legacy", bob.ID)
	require.NoError(t, err)
}

func TestListSessionsPreview(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateSession("s1", "", "First")
	require.NoError(t, err)
	_, err = st.AppendMessage("s1", "user", "hello", 1000)
	require.NoError(t, err)
	_, err = st.AppendMessage("s1", "assistant", "latest answer", 2000)
	require.NoError(t, err)

	sessions, err := st.ListSessions("")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "latest answer", sessions[0].LastMessage)
}

func TestListSessionsPreviewTruncated(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateSession("s1", "", "First")
	require.NoError(t, err)
	long := strings.Repeat("x", 150)
	_, err = st.AppendMessage("s1", "assistant", long, 1000)
	require.NoError(t, err)

	sessions, err := st.ListSessions("")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, strings.Repeat("x", 100)+"…", sessions[0].LastMessage)
}

func TestListSessionsScoped(t *testing.T) {
	st := newTestStore(t)

	alice, err := st.CreateUser("alice", "Alice", "pw")
	require.NoError(t, err)
	bob, err := st.CreateUser("bob", "Bob", "pw")
	require.NoError(t, err)

	_, err = st.CreateSession("a1", alice.ID, "Alice 1")
	require.NoError(t, err)
	_, err = st.CreateSession("b1", bob.ID, "Bob 1")
	require.NoError(t, err)
	_, err = st.CreateSession("legacy", "", "Unowned")
	require.NoError(t, err)

	sessions, err := st.ListSessions(alice.ID)
	require.NoError(t, err)
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"a1", "legacy"}, ids)
}

func TestRenameSession(t *testing.T) {
	st := newTestStore(t)

	sess, err := st.CreateSession("s1", "", "Old")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, st.RenameSession("s1", "", "New"))

	got, err := st.GetSession("s1", "")
	require.NoError(t, err)
	assert.Equal(t, "New", got.Name)
	assert.True(t, got.UpdatedAt.After(sess.UpdatedAt))

	assert.ErrorIs(t, st.RenameSession("nope", "", "x"), ErrNotFound)
}

func TestDeleteSessionCascadesMessages(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateSession("s1", "", "First")
	require.NoError(t, err)
	_, err = st.AppendMessage("s1", "user", "hello", 1000)
	require.NoError(t, err)

	require.NoError(t, st.DeleteSession("s1", ""))

	var n int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n))
	assert.Zero(t, n)
}

func TestDeleteSourceNullsForkedFrom(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateSession("s1", "", "Orig")
	require.NoError(t, err)
	_, err = st.ForkSession("s1", "s2", "Orig (fork)", "")
	require.NoError(t, err)

	require.NoError(t, st.DeleteSession("s1", ""))

	got, err := st.GetSession("s2", "")
	require.NoError(t, err)
	assert.Empty(t, got.ForkedFrom)
}

func TestForkCopiesMessages(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateSession("s1", "", "Orig")
	require.NoError(t, err)
	_, err = st.AppendMessage("s1", "user", "question", 1000)
	require.NoError(t, err)
	_, err = st.AppendMessage("s1", "assistant", "answer", 2000)
	require.NoError(t, err)

	fork, err := st.ForkSession("s1", "s2", "Orig (fork)", "")
	require.NoError(t, err)
	assert.Equal(t, "s1", fork.ForkedFrom)
	assert.Equal(t, "s2/workspace", fork.WorkspaceDir)

	msgs, err := st.ListMessages("s2", "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, "answer", msgs[1].Content)

	// Histories diverge after the fork.
	_, err = st.AppendMessage("s2", "user", "follow-up", 3000)
	require.NoError(t, err)

	orig, err := st.ListMessages("s1", "")
	require.NoError(t, err)
	assert.Len(t, orig, 2)
}

func TestForkMissingSource(t *testing.T) {
	st := newTestStore(t)

	_, err := st.ForkSession("nope", "s2", "Fork", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessageTouchesSession(t *testing.T) {
	st := newTestStore(t)

	sess, err := st.CreateSession("s1", "", "First")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = st.AppendMessage("s1", "user", "hello", 1000)
	require.NoError(t, err)

	got, err := st.GetSession("s1", "")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(sess.UpdatedAt))
}

func TestListMessagesChronological(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateSession("s1", "", "First")
	require.NoError(t, err)
	_, err = st.AppendMessage("s1", "assistant", "second", 2000)
	require.NoError(t, err)
	_, err = st.AppendMessage("s1", "user", "first", 1000)
	require.NoError(t, err)

	msgs, err := st.ListMessages("s1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}
