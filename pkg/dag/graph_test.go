package dag

import (
	"testing"

	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func asset(name string, deps ...string) *pipeline.Asset {
	upstreams := make([]pipeline.Upstream, 0, len(deps))
	for _, dep := range deps {
		upstreams = append(upstreams, pipeline.Upstream{Value: dep, Type: "asset"})
	}

	return &pipeline.Asset{Name: name, Upstreams: upstreams}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	t.Run("wires the upstream and downstream pointers", func(t *testing.T) {
		t.Parallel()

		raw := asset("raw.trips")
		agg := asset("agg.daily", "raw.trips")
		p := &pipeline.Pipeline{Name: "taxi", Assets: []*pipeline.Asset{raw, agg}}

		_, err := Build(p)
		require.NoError(t, err)

		require.Len(t, agg.GetUpstream(), 1)
		assert.Equal(t, "raw.trips", agg.GetUpstream()[0].Name)
		require.Len(t, raw.GetDownstream(), 1)
		assert.Equal(t, "agg.daily", raw.GetDownstream()[0].Name)
	})

	t.Run("dangling reference is rejected", func(t *testing.T) {
		t.Parallel()

		p := &pipeline.Pipeline{
			Name:   "taxi",
			Assets: []*pipeline.Asset{asset("agg.daily", "raw.trips")},
		}

		_, err := Build(p)
		require.Error(t, err)

		var danglingErr *DanglingReferenceError
		require.ErrorAs(t, err, &danglingErr)
		assert.Equal(t, "agg.daily", danglingErr.Asset)
		assert.Equal(t, "raw.trips", danglingErr.Reference)
	})

	t.Run("self dependency is a cycle", func(t *testing.T) {
		t.Parallel()

		p := &pipeline.Pipeline{
			Name:   "taxi",
			Assets: []*pipeline.Asset{asset("raw.trips", "raw.trips")},
		}

		_, err := Build(p)

		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
	})

	t.Run("longer cycles are found and reported", func(t *testing.T) {
		t.Parallel()

		p := &pipeline.Pipeline{
			Name: "taxi",
			Assets: []*pipeline.Asset{
				asset("a", "c"),
				asset("b", "a"),
				asset("c", "b"),
				asset("standalone"),
			},
		}

		_, err := Build(p)

		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"a", "b", "c"}, cycleErr.Assets)
	})
}

func TestGraph_TopologicalOrder(t *testing.T) {
	t.Parallel()

	t.Run("upstreams come before downstreams", func(t *testing.T) {
		t.Parallel()

		p := &pipeline.Pipeline{
			Name: "taxi",
			Assets: []*pipeline.Asset{
				asset("reports.monthly", "agg.daily"),
				asset("agg.daily", "raw.trips"),
				asset("raw.trips"),
			},
		}

		g, err := Build(p)
		require.NoError(t, err)

		assert.Equal(t, []string{"raw.trips", "agg.daily", "reports.monthly"}, g.TopologicalOrder())
	})

	t.Run("ties are broken by name", func(t *testing.T) {
		t.Parallel()

		p := &pipeline.Pipeline{
			Name: "taxi",
			Assets: []*pipeline.Asset{
				asset("raw.zones"),
				asset("raw.trips"),
				asset("agg.daily", "raw.trips", "raw.zones"),
			},
		}

		g, err := Build(p)
		require.NoError(t, err)

		assert.Equal(t, []string{"raw.trips", "raw.zones", "agg.daily"}, g.TopologicalOrder())
	})
}

func TestGraph_DownstreamClosure(t *testing.T) {
	t.Parallel()

	p := &pipeline.Pipeline{
		Name: "taxi",
		Assets: []*pipeline.Asset{
			asset("raw.trips"),
			asset("raw.zones"),
			asset("agg.daily", "raw.trips", "raw.zones"),
			asset("reports.monthly", "agg.daily"),
		},
	}

	g, err := Build(p)
	require.NoError(t, err)

	t.Run("returns the asset and everything after it", func(t *testing.T) {
		t.Parallel()

		closure, err := g.DownstreamClosure("raw.trips")
		require.NoError(t, err)

		assert.Equal(t, map[string]bool{
			"raw.trips":       true,
			"agg.daily":       true,
			"reports.monthly": true,
		}, closure)
	})

	t.Run("a leaf asset is its own closure", func(t *testing.T) {
		t.Parallel()

		closure, err := g.DownstreamClosure("reports.monthly")
		require.NoError(t, err)

		assert.Equal(t, map[string]bool{"reports.monthly": true}, closure)
	})

	t.Run("unknown asset errors", func(t *testing.T) {
		t.Parallel()

		_, err := g.DownstreamClosure("nope")
		require.Error(t, err)
	})
}
