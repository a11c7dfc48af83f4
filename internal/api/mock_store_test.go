package api

import (
	"context"

	"github.com/floodgate/floodgate/internal/store"
)

// MockQuerier is a mock implementation of store.Querier
type MockQuerier struct {
	RecentFunc    func(ctx context.Context, limit int) ([]store.StoredMessage, error)
	DeleteAllFunc func(ctx context.Context) (int64, error)
	PingFunc      func(ctx context.Context) error
}

func (m *MockQuerier) Recent(ctx context.Context, limit int) ([]store.StoredMessage, error) {
	if m.RecentFunc != nil {
		return m.RecentFunc(ctx, limit)
	}
	return []store.StoredMessage{}, nil
}

func (m *MockQuerier) DeleteAll(ctx context.Context) (int64, error) {
	if m.DeleteAllFunc != nil {
		return m.DeleteAllFunc(ctx)
	}
	return 0, nil
}

func (m *MockQuerier) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}
