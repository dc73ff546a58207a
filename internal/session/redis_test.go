package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"prodtrack.io/authcore/internal/auth"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestCreateGetDelete(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "s1", "u1", map[string]string{auth.SessionMetaClient: "cli"}, 30*time.Minute))
	require.True(t, mr.Exists("session:s1"))
	require.Equal(t, 30*time.Minute, mr.TTL("session:s1"))

	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "u1", rec.UserID)
	require.Equal(t, "cli", rec.Metadata[auth.SessionMetaClient])
	require.Equal(t, 30*time.Minute, rec.ExpiresAt.Sub(rec.CreatedAt))

	require.NoError(t, s.Delete(ctx, "s1"))
	_, err = s.Get(ctx, "s1")
	require.ErrorIs(t, err, auth.ErrSessionNotFound)

	require.NoError(t, s.Delete(ctx, "s1"), "delete must be idempotent")
	require.NoError(t, s.Delete(ctx, "never-existed"))
}

func TestSessionExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", "u1", nil, time.Minute))

	mr.FastForward(59 * time.Second)
	_, err := s.Get(ctx, "s1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = s.Get(ctx, "s1")
	require.ErrorIs(t, err, auth.ErrSessionNotFound)

	n, err := s.CountForUser(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCountAndDeleteAllForUser(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "a1", "alice", nil, 30*time.Minute))
	require.NoError(t, s.Create(ctx, "a2", "alice", nil, 30*time.Minute))
	require.NoError(t, s.Create(ctx, "a3", "alice", nil, time.Minute))
	require.NoError(t, s.Create(ctx, "b1", "bob", nil, 30*time.Minute))

	n, err := s.CountForUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	mr.FastForward(2 * time.Minute)
	n, err = s.CountForUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	members, err := mr.Members("user_sessions:alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a1", "a2"}, members, "stale members should be pruned")

	deleted, err := s.DeleteAllForUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	n, err = s.CountForUser(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.CountForUser(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	deleted, err = s.DeleteAllForUser(ctx, "nobody")
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestIndexOutlivesSessions(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "long", "u1", nil, time.Hour))
	require.NoError(t, s.Create(ctx, "short", "u1", nil, time.Minute))
	require.Equal(t, time.Hour, mr.TTL("user_sessions:u1"))
}

func TestExtend(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", "u1", nil, time.Minute))
	require.NoError(t, s.Extend(ctx, "s1", time.Hour))
	require.Equal(t, time.Hour, mr.TTL("session:s1"))

	mr.FastForward(10 * time.Minute)
	_, err := s.Get(ctx, "s1")
	require.NoError(t, err)

	require.ErrorIs(t, s.Extend(ctx, "missing", time.Hour), auth.ErrSessionNotFound)
}

func TestUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	mr.Close()

	require.ErrorIs(t, s.Create(ctx, "s1", "u1", nil, time.Minute), auth.ErrDependencyUnavailable)
	_, err := s.Get(ctx, "s1")
	require.ErrorIs(t, err, auth.ErrDependencyUnavailable)
	require.ErrorIs(t, s.Delete(ctx, "s1"), auth.ErrDependencyUnavailable)
	_, err = s.CountForUser(ctx, "u1")
	require.ErrorIs(t, err, auth.ErrDependencyUnavailable)
	_, err = s.DeleteAllForUser(ctx, "u1")
	require.ErrorIs(t, err, auth.ErrDependencyUnavailable)
	require.ErrorIs(t, s.Ping(ctx), auth.ErrDependencyUnavailable)
}

func TestNilClient(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	require.ErrorIs(t, s.Create(ctx, "s1", "u1", nil, time.Minute), auth.ErrDependencyUnavailable)
	_, err := s.Get(ctx, "s1")
	require.ErrorIs(t, err, auth.ErrDependencyUnavailable)
	require.NoError(t, s.Close())
}

func TestCreateValidatesInput(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.ErrorIs(t, s.Create(ctx, "", "u1", nil, time.Minute), auth.ErrInvalidInput)
	require.ErrorIs(t, s.Create(ctx, "s1", "u1", nil, 0), auth.ErrInvalidInput)
}

func TestUndecodableSessionTreatedAsMissing(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("session:bad", "{not json"))
	_, err := s.Get(context.Background(), "bad")
	require.ErrorIs(t, err, auth.ErrSessionNotFound)
	require.False(t, mr.Exists("session:bad"))
}
