// Package storetest provides store adapters for tests: a testify mock for
// error injection and a miniredis-backed Redis adapter.
package storetest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/lockedin-study/lockedin-sync/internal/store/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
)

type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) Get(ctx context.Context, path string) (store.Document, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(store.Document), args.Error(1)
}

func (m *MockAdapter) Create(ctx context.Context, path string, fields store.Fields, merge bool) error {
	args := m.Called(ctx, path, fields, merge)
	return args.Error(0)
}

func (m *MockAdapter) Update(ctx context.Context, path string, fields store.Fields) error {
	args := m.Called(ctx, path, fields)
	return args.Error(0)
}

func (m *MockAdapter) Delete(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockAdapter) Subscribe(ctx context.Context, path string) (*store.Subscription, error) {
	args := m.Called(ctx, path)
	sub, _ := args.Get(0).(*store.Subscription)
	return sub, args.Error(1)
}

func (m *MockAdapter) Close() error {
	args := m.Called()
	return args.Error(0)
}

// FailingSubscription returns a subscription that reports err immediately.
func FailingSubscription(err error) *store.Subscription {
	c := make(chan store.Snapshot)
	errc := make(chan error, 1)
	errc <- err
	close(c)
	return store.NewSubscription(c, errc, func() {})
}

// NewRedis starts an in-memory Redis server for the duration of the test
// and returns an adapter connected to it.
func NewRedis(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	s := redisstore.NewWithClient(client, nil)
	t.Cleanup(func() { s.Close() })
	return s, srv
}
