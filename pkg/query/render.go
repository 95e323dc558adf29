package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/window"
)

const (
	PlaceholderStartDatetime = "start_datetime"
	PlaceholderEndDatetime   = "end_datetime"
)

type RenderError struct {
	Placeholder string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("the query references '%s' but no value is bound for it", e.Placeholder)
}

type Renderer struct {
	Args map[string]string
}

// RendererForAsset binds the run window into the placeholders the asset's
// query may reference. The time_interval strategy aligns the window to the
// asset's time granularity first, delete+insert uses the window as given.
func RendererForAsset(asset *pipeline.Asset, w window.Window) Renderer {
	granularity := asset.Materialization.TimeGranularity
	if asset.Materialization.Strategy == pipeline.MaterializationStrategyTimeInterval {
		w = w.Truncate(granularity)
	}

	return Renderer{
		Args: map[string]string{
			PlaceholderStartDatetime: window.Format(w.Start, granularity),
			PlaceholderEndDatetime:   window.Format(w.End, granularity),
		},
	}
}

var reIdentifiers = regexp.MustCompile(`(?s){{(([^}][^}]?|[^}]}?)*)}}`)

// Render substitutes the bound placeholders into the query. A placeholder
// without a bound value fails the render, the query never reaches the backend
// half-substituted.
func (r Renderer) Render(query string) (string, error) {
	matchedVariables := reIdentifiers.FindAllString(query, -1)
	if len(matchedVariables) == 0 {
		return query, nil
	}

	for _, variable := range matchedVariables {
		referencedRenderVariable := strings.Trim(variable[2:len(variable)-2], " ")
		value, ok := r.Args[referencedRenderVariable]
		if !ok {
			return "", &RenderError{Placeholder: referencedRenderVariable}
		}

		query = strings.ReplaceAll(query, variable, value)
	}

	return query, nil
}
