package pgstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Helper function to setup PostgreSQL container using testcontainers
func setupPostgresContainer(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:13",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "could not start container")
	t.Cleanup(func() { postgresC.Terminate(ctx) })

	host, err := postgresC.Host(ctx)
	require.NoError(t, err)
	port, err := postgresC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	connStr := fmt.Sprintf("postgres://postgres:postgres@%s:%s/postgres?sslmode=disable", host, port.Port())

	s, err := New(ctx, connStr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(ctx))
	return s
}

func nextSnapshot(t *testing.T, sub *store.Subscription) store.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return snap
	case err := <-sub.Err:
		t.Fatalf("subscription failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return store.Snapshot{}
}

func TestPostgresStore(t *testing.T) {
	s := setupPostgresContainer(t)
	ctx := context.Background()

	// Running migrations twice is a no-op.
	require.NoError(t, s.Migrate(ctx))

	t.Run("exclusive create", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, "groups/math", store.Fields{"name": "Math", "ownerId": "u1"}, false))

		err := s.Create(ctx, "groups/math", store.Fields{"name": "Other"}, false)
		assert.True(t, errors.Is(err, store.ErrAlreadyExists))

		doc, err := s.Get(ctx, "groups/math")
		require.NoError(t, err)
		assert.JSONEq(t, `"Math"`, string(doc.Fields["name"]))
	})

	t.Run("merge keeps other fields", func(t *testing.T) {
		path := store.MemberPath("math", "u1")
		require.NoError(t, s.Create(ctx, path, store.Fields{"status": "focus", "message": "hi"}, true))
		require.NoError(t, s.Create(ctx, path, store.Fields{"status": "distracted"}, true))

		doc, err := s.Get(ctx, path)
		require.NoError(t, err)
		assert.JSONEq(t, `"distracted"`, string(doc.Fields["status"]))
		assert.JSONEq(t, `"hi"`, string(doc.Fields["message"]))
	})

	t.Run("update requires document", func(t *testing.T) {
		err := s.Update(ctx, store.MemberPath("math", "ghost"), store.Fields{"status": "focus"})
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("delete missing is a no-op", func(t *testing.T) {
		assert.NoError(t, s.Delete(ctx, "groups/none"))
	})

	t.Run("collection subscription", func(t *testing.T) {
		sub, err := s.Subscribe(ctx, store.MembersPath("math"))
		require.NoError(t, err)
		defer sub.Close()

		snap := nextSnapshot(t, sub)
		require.Len(t, snap.Docs, 1)
		assert.Equal(t, "u1", snap.Docs[0].ID)

		require.NoError(t, s.Create(ctx, store.MemberPath("math", "u2"), store.Fields{"status": "focus"}, true))
		snap = nextSnapshot(t, sub)
		require.Len(t, snap.Docs, 2)
		assert.Equal(t, "u1", snap.Docs[0].ID)
		assert.Equal(t, "u2", snap.Docs[1].ID)

		require.NoError(t, s.Delete(ctx, store.MemberPath("math", "u1")))
		snap = nextSnapshot(t, sub)
		require.Len(t, snap.Docs, 1)
		assert.Equal(t, "u2", snap.Docs[0].ID)
	})

	t.Run("document subscription", func(t *testing.T) {
		sub, err := s.Subscribe(ctx, "groups/physics")
		require.NoError(t, err)
		defer sub.Close()

		assert.False(t, nextSnapshot(t, sub).Exists)

		require.NoError(t, s.Create(ctx, "groups/physics", store.Fields{"name": "Physics"}, false))
		assert.True(t, nextSnapshot(t, sub).Exists)
	})
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))

	denied := classify(&pq.Error{Code: "42501"})
	assert.True(t, errors.Is(denied, store.ErrPermissionDenied))

	badAuth := classify(&pq.Error{Code: "28P01"})
	assert.True(t, errors.Is(badAuth, store.ErrPermissionDenied))

	down := classify(&pq.Error{Code: "08006"})
	assert.True(t, errors.Is(down, store.ErrUnavailable))

	syntax := &pq.Error{Code: "42601"}
	assert.Equal(t, error(syntax), classify(syntax))
}
