package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/internal/directory"
	"github.com/lockedin-study/lockedin-sync/internal/lifecycle"
	"github.com/lockedin-study/lockedin-sync/internal/session"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/lockedin-study/lockedin-sync/internal/store/storetest"
	"github.com/lockedin-study/lockedin-sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func openSession(t *testing.T) *session.Store {
	t.Helper()
	s, err := session.Open(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)
	return s
}

// run starts the coordinator loop and stops it when the test ends.
func run(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Intn == nil {
		opts.Intn = func(int) int { return 0 }
	}
	opts.TickInterval = 10 * time.Millisecond

	c, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, c.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return c
}

func waitView(t *testing.T, c *Coordinator, cond func(View) bool) View {
	t.Helper()
	var last View
	require.Eventually(t, func() bool {
		v, err := c.View(context.Background())
		require.NoError(t, err)
		last = v
		return cond(v)
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func join(t *testing.T, c *Coordinator, code string) directory.JoinResult {
	t.Helper()
	res, err := c.Join(context.Background(), directory.JoinRequest{Code: code, Password: "pw", DisplayName: "Mina"})
	require.NoError(t, err)
	return res
}

func TestJoinCreatesGroupAndWatchesRoster(t *testing.T) {
	adapter, _ := storetest.NewRedis(t)
	c := run(t, Options{Session: openSession(t), Adapter: adapter})

	res := join(t, c, "ABCDEF")
	assert.True(t, res.Created)

	v := waitView(t, c, func(v View) bool { return len(v.Roster) == 1 && len(v.Groups) == 1 })
	assert.Equal(t, "ABCDEF", v.ActiveGroup)
	assert.Equal(t, "ABCDEF", v.Groups[0].ID)
	assert.Empty(t, v.Groups[0].Password)
	assert.Equal(t, models.StatusDistracted, v.Roster[0].Status)
	assert.Equal(t, models.JoinedMessage, v.Roster[0].Message)
	assert.False(t, v.Locked)
	assert.False(t, v.Running)
	assert.False(t, v.ConfigMissing)
}

func TestLockStartsAndDistractionStopsTimer(t *testing.T) {
	adapter, _ := storetest.NewRedis(t)
	c := run(t, Options{Session: openSession(t), Adapter: adapter})
	ctx := context.Background()

	join(t, c, "ABCDEF")
	waitView(t, c, func(v View) bool { return len(v.Roster) == 1 })

	require.NoError(t, c.SetLock(ctx, true))
	v := waitView(t, c, func(v View) bool { return v.Running && v.ElapsedSeconds > 0 })
	assert.True(t, v.Locked)
	assert.Nil(t, v.Distracted)

	require.NoError(t, adapter.Create(ctx, store.MemberPath("ABCDEF", "u2"), store.Fields{
		"userId":  "u2",
		"status":  models.StatusDistracted,
		"message": models.JoinedMessage,
		"groupId": "ABCDEF",
	}, true))

	v = waitView(t, c, func(v View) bool { return !v.Running })
	require.NotNil(t, v.Distracted)
	assert.Equal(t, "u2", v.Distracted.UserID)
	assert.True(t, v.Locked)
	elapsed := v.ElapsedSeconds

	require.NoError(t, c.ResetTimer(ctx))
	v = waitView(t, c, func(View) bool { return true })
	assert.Zero(t, v.ElapsedSeconds)
	assert.NotZero(t, elapsed)
}

func TestBackgroundWhileLockedForcesUnlock(t *testing.T) {
	adapter, _ := storetest.NewRedis(t)
	sess := openSession(t)
	c := run(t, Options{Session: sess, Adapter: adapter})
	ctx := context.Background()

	join(t, c, "ABCDEF")
	require.NoError(t, c.SetLock(ctx, true))
	waitView(t, c, func(v View) bool { return v.Running })

	require.NoError(t, c.SetVisibility(ctx, lifecycle.Hidden))
	v := waitView(t, c, func(v View) bool {
		return len(v.Roster) == 1 && v.Roster[0].Message == "🚨 left app (YouTube?)"
	})
	assert.False(t, v.Locked)
	assert.False(t, v.Running)
	assert.Equal(t, lifecycle.Hidden, v.Visibility)

	doc, err := adapter.Get(ctx, store.MemberPath("ABCDEF", sess.Identity().UserID))
	require.NoError(t, err)
	m, err := models.MemberFromDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDistracted, m.Status)
}

func TestVanishedActiveGroupFallsBack(t *testing.T) {
	adapter, _ := storetest.NewRedis(t)
	sess := openSession(t)
	c := run(t, Options{Session: sess, Adapter: adapter})
	ctx := context.Background()

	join(t, c, "first")
	join(t, c, "second")
	waitView(t, c, func(v View) bool { return len(v.Groups) == 2 && v.ActiveGroup == "second" })

	require.NoError(t, adapter.Delete(ctx, store.GroupPath("second")))

	v := waitView(t, c, func(v View) bool { return v.ActiveGroup == "first" && len(v.Groups) == 1 })
	assert.Equal(t, "first", v.Groups[0].ID)
	assert.Equal(t, []string{"first"}, sess.Groups())
}

func TestSelectGroupReleasesLock(t *testing.T) {
	adapter, _ := storetest.NewRedis(t)
	sess := openSession(t)
	c := run(t, Options{Session: sess, Adapter: adapter})
	ctx := context.Background()

	join(t, c, "first")
	join(t, c, "second")
	require.NoError(t, c.SetLock(ctx, true))

	require.NoError(t, c.SelectGroup(ctx, "first"))
	v := waitView(t, c, func(v View) bool { return v.ActiveGroup == "first" && len(v.Roster) == 1 })
	assert.False(t, v.Locked)

	require.Eventually(t, func() bool {
		doc, err := adapter.Get(ctx, store.MemberPath("second", sess.Identity().UserID))
		if err != nil {
			return false
		}
		m, err := models.MemberFromDocument(doc)
		return err == nil && m.Status == models.StatusDistracted
	}, 3*time.Second, 10*time.Millisecond)

	err := c.SelectGroup(ctx, "never-joined")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestJoinAnotherGroupReleasesLock(t *testing.T) {
	adapter, _ := storetest.NewRedis(t)
	sess := openSession(t)
	c := run(t, Options{Session: sess, Adapter: adapter})
	ctx := context.Background()

	memberStatus := func(groupID string) models.Status {
		doc, err := adapter.Get(ctx, store.MemberPath(groupID, sess.Identity().UserID))
		if err != nil {
			return ""
		}
		m, err := models.MemberFromDocument(doc)
		if err != nil {
			return ""
		}
		return m.Status
	}

	join(t, c, "first")
	require.NoError(t, c.SetLock(ctx, true))
	waitView(t, c, func(v View) bool { return v.Running })
	require.Eventually(t, func() bool {
		return memberStatus("first") == models.StatusFocus
	}, 3*time.Second, 10*time.Millisecond)

	join(t, c, "second")
	v := waitView(t, c, func(v View) bool { return v.ActiveGroup == "second" && len(v.Roster) == 1 })
	assert.False(t, v.Locked)
	assert.False(t, v.Running)

	require.Eventually(t, func() bool {
		return memberStatus("first") == models.StatusDistracted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusDistracted, memberStatus("second"))
}

func TestLeaveAndDelete(t *testing.T) {
	adapter, _ := storetest.NewRedis(t)
	sess := openSession(t)
	c := run(t, Options{Session: sess, Adapter: adapter})
	ctx := context.Background()

	join(t, c, "first")
	join(t, c, "second")

	require.NoError(t, c.Leave(ctx, "second"))
	v := waitView(t, c, func(v View) bool { return v.ActiveGroup == "first" })
	assert.Equal(t, []string{"first"}, sess.Groups())
	_, err := adapter.Get(ctx, store.GroupPath("second"))
	require.NoError(t, err, "leaving keeps the group")

	require.NoError(t, c.Rename(ctx, "first", "Calculus"))
	waitView(t, c, func(v View) bool { return len(v.Groups) == 1 && v.Groups[0].Name == "Calculus" })

	require.NoError(t, c.DeleteGroup(ctx, "first"))
	v = waitView(t, c, func(v View) bool { return v.ActiveGroup == "" })
	assert.Empty(t, v.Groups)
	assert.Empty(t, v.Roster)
}

func TestMissingConfigBlocksCommands(t *testing.T) {
	c := run(t, Options{Session: openSession(t)})
	ctx := context.Background()

	err := c.SetLock(ctx, true)
	assert.Equal(t, apperrors.KindConfigMissing, apperrors.KindOf(err))

	v, err := c.View(ctx)
	require.NoError(t, err)
	assert.True(t, v.ConfigMissing)
}

func TestConnectionErrorUntilCredentialsReset(t *testing.T) {
	sess := openSession(t)
	require.NoError(t, sess.AddGroup("a"))

	broken := new(storetest.MockAdapter)
	broken.On("Subscribe", mock.Anything, "groups/a").
		Return(storetest.FailingSubscription(store.ErrPermissionDenied), nil)
	broken.On("Subscribe", mock.Anything, "groups/a/members").
		Return(store.NewSubscription(make(chan store.Snapshot), make(chan error), func() {}), nil)
	broken.On("Close").Return(nil)

	healthy, _ := storetest.NewRedis(t)
	ctx := context.Background()
	require.NoError(t, healthy.Create(ctx, store.GroupPath("a"), store.Fields{"id": "a", "name": "a", "ownerId": "o"}, false))

	var dialed string
	c := run(t, Options{
		Session: sess,
		Adapter: broken,
		Dial: func(_ context.Context, url string) (store.Adapter, error) {
			dialed = url
			return healthy, nil
		},
	})

	v := waitView(t, c, func(v View) bool { return v.ConnectionError != "" })
	assert.Empty(t, v.Roster)

	err := c.SetLock(ctx, true)
	assert.True(t, apperrors.IsConnectivity(err))

	require.NoError(t, c.ResetCredentials(ctx, "redis://localhost:6379/0"))
	assert.Equal(t, "redis://localhost:6379/0", dialed)
	assert.Equal(t, "redis://localhost:6379/0", sess.StoreURL())
	broken.AssertCalled(t, "Close")

	v = waitView(t, c, func(v View) bool { return len(v.Groups) == 1 })
	assert.Empty(t, v.ConnectionError)
	assert.Equal(t, []string{"a"}, sess.Groups())
}

func TestStoppedCoordinatorRejectsCommands(t *testing.T) {
	adapter, _ := storetest.NewRedis(t)
	c, err := New(Options{Session: openSession(t), Adapter: adapter})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))

	_, err = c.View(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
