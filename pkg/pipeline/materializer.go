package pipeline

import (
	"fmt"
)

type (
	MaterializerFunc        func(task *Asset, query string) (string, error)
	AssetMaterializationMap map[MaterializationType]map[MaterializationStrategy]MaterializerFunc
)

type Materializer struct {
	MaterializationMap AssetMaterializationMap
	FullRefresh        bool
}

// Render wraps the asset's SELECT query with the SQL script implementing its
// materialization strategy. Full-refresh runs rebuild every table from scratch
// regardless of the configured strategy.
func (m *Materializer) Render(asset *Asset, query string) (string, error) {
	mat := asset.Materialization
	if mat.Type == MaterializationTypeNone {
		return query, nil
	}

	strategy := mat.Strategy
	if m.FullRefresh && mat.Type == MaterializationTypeTable && mat.Strategy != MaterializationStrategyNone {
		strategy = MaterializationStrategyCreateReplace
	}

	if matFunc, ok := m.MaterializationMap[mat.Type][strategy]; ok {
		return matFunc(asset, query)
	}

	return "", fmt.Errorf("unsupported materialization type - strategy combination: (`%s` - `%s`)", mat.Type, mat.Strategy)
}
