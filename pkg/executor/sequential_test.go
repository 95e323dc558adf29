package executor

import (
	"context"
	"testing"

	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/scheduler"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockOperator struct {
	mock.Mock
}

func (m *mockOperator) Run(ctx context.Context, ti scheduler.TaskInstance) error {
	args := m.Called(ctx, ti)
	return args.Error(0)
}

func TestSequential_RunSingleTask(t *testing.T) {
	t.Parallel()

	instance := &scheduler.AssetInstance{
		Asset: &pipeline.Asset{
			Name: "raw.trips",
			Type: pipeline.AssetTypeSQL,
		},
	}

	t.Run("dispatches to the operator for the instance type", func(t *testing.T) {
		t.Parallel()

		op := new(mockOperator)
		op.On("Run", mock.Anything, instance).Return(nil).Once()

		s := Sequential{
			TaskTypeMap: map[pipeline.AssetType]Config{
				pipeline.AssetTypeSQL: {
					scheduler.TaskInstanceTypeMain: op,
				},
			},
		}

		require.NoError(t, s.RunSingleTask(context.Background(), instance))
		op.AssertExpectations(t)
	})

	t.Run("unknown asset type errors", func(t *testing.T) {
		t.Parallel()

		s := Sequential{TaskTypeMap: map[pipeline.AssetType]Config{}}

		require.Error(t, s.RunSingleTask(context.Background(), instance))
	})

	t.Run("missing operator for the instance type errors", func(t *testing.T) {
		t.Parallel()

		s := Sequential{
			TaskTypeMap: map[pipeline.AssetType]Config{
				pipeline.AssetTypeSQL: {
					scheduler.TaskInstanceTypeColumnCheck: NoOpOperator{},
				},
			},
		}

		require.Error(t, s.RunSingleTask(context.Background(), instance))
	})
}
