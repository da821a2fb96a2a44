package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/yutampo/yutampo/pkg/storage"
	"github.com/yutampo/yutampo/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, instanceID string) (types.Settings, int, error) {
	args := m.Called(ctx, instanceID)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, instanceID string, settings types.Settings, version int) error {
	args := m.Called(ctx, instanceID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) InsertCommand(ctx context.Context, instanceID string, rec types.CommandRecord) error {
	args := m.Called(ctx, instanceID, rec)
	return args.Error(0)
}

func (m *MockDatabase) GetCommandHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.CommandRecord, error) {
	args := m.Called(ctx, instanceID, start, end)
	if len(args) > 0 {
		if recs, ok := args.Get(0).([]types.CommandRecord); ok {
			return recs, args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
