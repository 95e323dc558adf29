package executor

import (
	"context"
	"testing"

	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func TestConcurrent_Start(t *testing.T) {
	t.Parallel()

	p := &pipeline.Pipeline{
		Name: "ny-taxi",
		Assets: []*pipeline.Asset{
			{Name: "raw.trips", Type: pipeline.AssetTypeSQL},
			{Name: "raw.zones", Type: pipeline.AssetTypeSQL},
			{
				Name: "agg.daily",
				Type: pipeline.AssetTypeSQL,
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "raw.trips"},
					{Type: "asset", Value: "raw.zones"},
				},
			},
			{
				Name: "reports.monthly",
				Type: pipeline.AssetTypeSQL,
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "agg.daily"},
				},
			},
		},
	}

	op := new(mockOperator)
	for _, a := range p.Assets {
		a := a
		op.On("Run", mock.Anything, mock.MatchedBy(func(ti scheduler.TaskInstance) bool {
			return ti.GetAsset().Name == a.Name
		})).
			Return(nil).
			Once()
	}

	logger := zap.NewNop().Sugar()
	s := scheduler.NewScheduler(logger, p, false)
	assert.Equal(t, 4, s.InstanceCount())

	ops := map[pipeline.AssetType]Config{
		pipeline.AssetTypeSQL: {
			scheduler.TaskInstanceTypeMain: op,
		},
	}

	ex := NewConcurrent(logger, ops, 8)
	ex.Start(context.Background(), s.WorkQueue, s.Results)

	results := s.Run(context.Background())
	assert.Len(t, results, len(p.Assets))
	assert.False(t, s.HasAnyFailure())

	op.AssertExpectations(t)
}
