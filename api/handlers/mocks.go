package handlers

import (
	"context"

	"github.com/lockedin-study/lockedin-sync/internal/coordinator"
	"github.com/lockedin-study/lockedin-sync/internal/directory"
	"github.com/lockedin-study/lockedin-sync/internal/lifecycle"
	"github.com/stretchr/testify/mock"
)

type MockCoordinator struct {
	mock.Mock
}

func (m *MockCoordinator) View(ctx context.Context) (coordinator.View, error) {
	args := m.Called(ctx)
	return args.Get(0).(coordinator.View), args.Error(1)
}

func (m *MockCoordinator) Join(ctx context.Context, req directory.JoinRequest) (directory.JoinResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(directory.JoinResult), args.Error(1)
}

func (m *MockCoordinator) Rename(ctx context.Context, groupID, name string) error {
	args := m.Called(ctx, groupID, name)
	return args.Error(0)
}

func (m *MockCoordinator) DeleteGroup(ctx context.Context, groupID string) error {
	args := m.Called(ctx, groupID)
	return args.Error(0)
}

func (m *MockCoordinator) Leave(ctx context.Context, groupID string) error {
	args := m.Called(ctx, groupID)
	return args.Error(0)
}

func (m *MockCoordinator) SelectGroup(ctx context.Context, groupID string) error {
	args := m.Called(ctx, groupID)
	return args.Error(0)
}

func (m *MockCoordinator) SetLock(ctx context.Context, locked bool) error {
	args := m.Called(ctx, locked)
	return args.Error(0)
}

func (m *MockCoordinator) SetVisibility(ctx context.Context, v lifecycle.Visibility) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

func (m *MockCoordinator) ResetTimer(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCoordinator) ResetCredentials(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}
