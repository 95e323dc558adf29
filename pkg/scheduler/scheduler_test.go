package scheduler

import (
	"testing"

	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func taxiPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name: "ny-taxi",
		Assets: []*pipeline.Asset{
			{
				Name: "raw.trips",
			},
			{
				Name: "raw.zones",
			},
			{
				Name: "agg.daily",
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "raw.trips"},
					{Type: "asset", Value: "raw.zones"},
				},
			},
			{
				Name: "reports.monthly",
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "agg.daily"},
				},
			},
		},
	}
}

func TestScheduler_getScheduleableTasks(t *testing.T) {
	t.Parallel()

	tasks := taxiPipeline().Assets

	tests := []struct {
		name     string
		statuses map[string]TaskInstanceStatus
		want     []string
	}{
		{
			name: "beginning of the run, only the roots are ready",
			statuses: map[string]TaskInstanceStatus{
				"raw.trips":       Pending,
				"raw.zones":       Pending,
				"agg.daily":       Pending,
				"reports.monthly": Pending,
			},
			want: []string{"raw.trips", "raw.zones"},
		},
		{
			name: "roots are running, nothing is ready",
			statuses: map[string]TaskInstanceStatus{
				"raw.trips":       Running,
				"raw.zones":       Running,
				"agg.daily":       Pending,
				"reports.monthly": Pending,
			},
			want: []string{},
		},
		{
			name: "one root finished, the aggregate still waits for the other",
			statuses: map[string]TaskInstanceStatus{
				"raw.trips":       Succeeded,
				"raw.zones":       Running,
				"agg.daily":       Pending,
				"reports.monthly": Pending,
			},
			want: []string{},
		},
		{
			name: "both roots finished, the aggregate is ready",
			statuses: map[string]TaskInstanceStatus{
				"raw.trips":       Succeeded,
				"raw.zones":       Succeeded,
				"agg.daily":       Pending,
				"reports.monthly": Pending,
			},
			want: []string{"agg.daily"},
		},
		{
			name: "a skipped upstream does not block its downstream",
			statuses: map[string]TaskInstanceStatus{
				"raw.trips":       Succeeded,
				"raw.zones":       Skipped,
				"agg.daily":       Pending,
				"reports.monthly": Pending,
			},
			want: []string{"agg.daily"},
		},
		{
			name: "everything finished, nothing left",
			statuses: map[string]TaskInstanceStatus{
				"raw.trips":       Succeeded,
				"raw.zones":       Succeeded,
				"agg.daily":       Succeeded,
				"reports.monthly": Succeeded,
			},
			want: []string{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			taskInstances := make([]TaskInstance, 0, len(tasks))
			for _, task := range tasks {
				status, ok := tt.statuses[task.Name]
				if !ok {
					t.Fatalf("the asset doesn't have a status set in the test: %s", task.Name)
				}
				taskInstances = append(taskInstances, &AssetInstance{
					Asset:  task,
					status: status,
				})
			}

			s := &Scheduler{
				taskInstances: taskInstances,
			}
			s.initialize()

			got := s.getScheduleableTasks()
			gotNames := make([]string, 0, len(got))
			for _, task := range got {
				gotNames = append(gotNames, task.GetAsset().Name)
			}

			assert.Equal(t, tt.want, gotNames)
		})
	}
}

func TestScheduler_TickDrivenRun(t *testing.T) {
	t.Parallel()

	p := taxiPipeline()
	p.GetAssetByName("agg.daily").Columns = []pipeline.Column{
		{
			Name: "trip_count",
			Checks: []pipeline.ColumnCheck{
				{Name: "not_null"},
			},
		},
	}

	s := NewScheduler(zap.NewNop().Sugar(), p, false)
	s.Kickstart()

	first := <-s.WorkQueue
	assert.Equal(t, "raw.trips", first.GetHumanID())
	second := <-s.WorkQueue
	assert.Equal(t, "raw.zones", second.GetHumanID())

	s.Tick(&TaskExecutionResult{Instance: first})
	s.Tick(&TaskExecutionResult{Instance: second})

	agg := <-s.WorkQueue
	assert.Equal(t, "agg.daily", agg.GetHumanID())
	assert.Equal(t, TaskInstanceTypeMain, agg.GetType())

	s.Tick(&TaskExecutionResult{Instance: agg})

	// the quality check runs after the asset itself, the downstream asset
	// waits for the check because it is blocking
	check := <-s.WorkQueue
	assert.Equal(t, "agg.daily:trip_count:not_null", check.GetHumanID())
	assert.Equal(t, TaskInstanceTypeColumnCheck, check.GetType())

	finished := s.Tick(&TaskExecutionResult{Instance: check})
	assert.False(t, finished)

	monthly := <-s.WorkQueue
	assert.Equal(t, "reports.monthly", monthly.GetHumanID())

	finished = s.Tick(&TaskExecutionResult{Instance: monthly})
	assert.True(t, finished)
	assert.False(t, s.HasAnyFailure())
}

func TestScheduler_FailurePropagatesDownstream(t *testing.T) {
	t.Parallel()

	s := NewScheduler(zap.NewNop().Sugar(), taxiPipeline(), false)
	s.Kickstart()

	trips := <-s.WorkQueue
	zones := <-s.WorkQueue

	s.Tick(&TaskExecutionResult{Instance: trips, Error: assert.AnError})

	finished := s.Tick(&TaskExecutionResult{Instance: zones})
	assert.True(t, finished)

	assert.Equal(t, Failed, trips.GetStatus())
	assert.Equal(t, Succeeded, zones.GetStatus())
	assert.Equal(t, 2, s.InstanceCountByStatus(UpstreamFailed))
	assert.True(t, s.HasAnyFailure())
}

func TestScheduler_FailFastSkipsPendingWork(t *testing.T) {
	t.Parallel()

	p := &pipeline.Pipeline{
		Name: "ny-taxi",
		Assets: []*pipeline.Asset{
			{Name: "raw.trips"},
			{Name: "raw.zones"},
			{
				Name: "agg.daily",
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "raw.zones"},
				},
			},
		},
	}

	s := NewScheduler(zap.NewNop().Sugar(), p, true)
	s.Kickstart()

	trips := <-s.WorkQueue
	assert.Equal(t, "raw.trips", trips.GetHumanID())

	// everything else is still pending when raw.trips fails, the whole run
	// is aborted
	finished := s.Tick(&TaskExecutionResult{Instance: trips, Error: assert.AnError})
	assert.True(t, finished)

	assert.Equal(t, Failed, trips.GetStatus())
	assert.Equal(t, 2, s.InstanceCountByStatus(Skipped))
	assert.True(t, s.HasAnyFailure())
}

func TestScheduler_FailFastRunsSeriallyInTopologicalOrder(t *testing.T) {
	t.Parallel()

	p := &pipeline.Pipeline{
		Name: "ny-taxi",
		Assets: []*pipeline.Asset{
			{Name: "raw.trips"},
			{
				Name: "staging.trips",
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "raw.trips"},
				},
			},
			{
				Name: "reports.revenue",
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "staging.trips"},
				},
			},
			{Name: "staging.zones"},
		},
	}

	s := NewScheduler(zap.NewNop().Sugar(), p, true)
	s.Kickstart()

	// only one task is in flight at a time, the independent staging.zones is
	// not dispatched alongside the root of the chain
	trips := <-s.WorkQueue
	assert.Equal(t, "raw.trips", trips.GetHumanID())
	assert.Equal(t, 0, len(s.WorkQueue))

	finished := s.Tick(&TaskExecutionResult{Instance: trips})
	assert.False(t, finished)

	staging := <-s.WorkQueue
	assert.Equal(t, "staging.trips", staging.GetHumanID())
	assert.Equal(t, 0, len(s.WorkQueue))

	// staging.trips fails before staging.zones was ever dispatched, the run
	// aborts without running it
	finished = s.Tick(&TaskExecutionResult{Instance: staging, Error: assert.AnError})
	assert.True(t, finished)

	_, open := <-s.WorkQueue
	assert.False(t, open)

	assert.Equal(t, Succeeded, trips.GetStatus())
	assert.Equal(t, Failed, staging.GetStatus())
	assert.Equal(t, 1, s.InstanceCountByStatus(UpstreamFailed))
	assert.Equal(t, 1, s.InstanceCountByStatus(Skipped))

	for _, instance := range s.GetTaskInstances() {
		if instance.GetAsset().Name == "staging.zones" {
			assert.Equal(t, Skipped, instance.GetStatus())
		}
	}
}

func TestScheduler_RestrictToAssets(t *testing.T) {
	t.Parallel()

	s := NewScheduler(zap.NewNop().Sugar(), taxiPipeline(), false)
	s.RestrictToAssets(map[string]bool{
		"agg.daily":       true,
		"reports.monthly": true,
	})

	s.Kickstart()

	// the skipped upstreams satisfy the aggregate's dependencies right away
	agg := <-s.WorkQueue
	assert.Equal(t, "agg.daily", agg.GetHumanID())

	s.Tick(&TaskExecutionResult{Instance: agg})

	monthly := <-s.WorkQueue
	assert.Equal(t, "reports.monthly", monthly.GetHumanID())

	finished := s.Tick(&TaskExecutionResult{Instance: monthly})
	assert.True(t, finished)

	assert.Equal(t, 2, s.InstanceCountByStatus(Skipped))
	assert.Equal(t, 2, s.InstanceCountByStatus(Succeeded))
	assert.False(t, s.HasAnyFailure())
}

func TestScheduler_ImplicitPrimaryKeyUniqueCheck(t *testing.T) {
	t.Parallel()

	p := &pipeline.Pipeline{
		Name: "ny-taxi",
		Assets: []*pipeline.Asset{
			{
				Name: "agg.daily",
				Columns: []pipeline.Column{
					{Name: "pickup_date", Type: "date", PrimaryKey: true},
					{Name: "zone_id", Type: "integer", PrimaryKey: true},
					{Name: "trip_count", Type: "integer"},
				},
			},
		},
	}

	s := NewScheduler(zap.NewNop().Sugar(), p, false)

	checkIDs := make([]string, 0)
	var pkCheck *ColumnCheckInstance
	for _, instance := range s.GetTaskInstances() {
		if instance.GetType() != TaskInstanceTypeColumnCheck {
			continue
		}

		checkIDs = append(checkIDs, instance.GetHumanID())
		if check, ok := instance.(*ColumnCheckInstance); ok && check.Check.Name == PrimaryKeyUniqueCheckName {
			pkCheck = check
		}
	}

	// the primary key columns get implicit not_null checks, the tuple gets a
	// single uniqueness check attributed to the first primary key column
	assert.ElementsMatch(t, []string{
		"agg.daily:pickup_date:not_null",
		"agg.daily:zone_id:not_null",
		"agg.daily:pickup_date:primary_key_unique",
	}, checkIDs)

	require.NotNil(t, pkCheck)
	assert.Equal(t, "pickup_date", pkCheck.Column.Name)

	// the implicit checks wait for the asset to materialize first
	require.Len(t, pkCheck.GetUpstream(), 1)
	assert.Equal(t, TaskInstanceTypeMain, pkCheck.GetUpstream()[0].GetType())
}

func TestScheduler_InstanceIDsAreUnique(t *testing.T) {
	t.Parallel()

	p := taxiPipeline()
	p.GetAssetByName("agg.daily").Columns = []pipeline.Column{
		{
			Name:   "trip_count",
			Checks: []pipeline.ColumnCheck{{Name: "not_null"}},
		},
	}

	s := NewScheduler(zap.NewNop().Sugar(), p, false)

	seen := make(map[string]bool)
	for _, instance := range s.GetTaskInstances() {
		require.NotEmpty(t, instance.GetID())
		require.False(t, seen[instance.GetID()], "instance ID reused: %s", instance.GetID())
		seen[instance.GetID()] = true
	}
}
