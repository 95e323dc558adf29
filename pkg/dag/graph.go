package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/yourbasic/graph"
)

type CycleError struct {
	Assets []string
}

func (e *CycleError) Error() string {
	return "the pipeline has a cycle with dependencies: " + strings.Join(e.Assets, " -> ")
}

type DanglingReferenceError struct {
	Asset     string
	Reference string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("asset '%s' depends on '%s' which does not exist in the pipeline", e.Asset, e.Reference)
}

// Graph is the validated dependency graph of a pipeline. Building it wires the
// upstream/downstream pointers on the assets and fails on cycles and dangling
// references before anything executes.
type Graph struct {
	pipeline *pipeline.Pipeline
	order    []string
	edges    map[string][]string
}

func Build(p *pipeline.Pipeline) (*Graph, error) {
	nameToIndex := make(map[string]int, len(p.Assets))
	for i, asset := range p.Assets {
		nameToIndex[asset.Name] = i
	}

	edges := make(map[string][]string, len(p.Assets))
	for _, asset := range p.Assets {
		for _, dep := range asset.Upstreams {
			if dep.Type != "asset" {
				continue
			}

			if dep.Value == asset.Name {
				return nil, &CycleError{Assets: []string{asset.Name, asset.Name}}
			}

			upstreamAsset := p.GetAssetByName(dep.Value)
			if upstreamAsset == nil {
				return nil, &DanglingReferenceError{Asset: asset.Name, Reference: dep.Value}
			}

			asset.AddUpstream(upstreamAsset)
			upstreamAsset.AddDownstream(asset)
			edges[dep.Value] = append(edges[dep.Value], asset.Name)
		}
	}

	// Strongly connected components of size > 1 are cycles.
	g := graph.New(len(p.Assets))
	for _, asset := range p.Assets {
		for _, dep := range asset.Upstreams {
			if dep.Type != "asset" {
				continue
			}
			g.Add(nameToIndex[asset.Name], nameToIndex[dep.Value])
		}
	}

	for _, component := range graph.StrongComponents(g) {
		if len(component) == 1 {
			continue
		}

		names := make([]string, 0, len(component))
		for _, index := range component {
			names = append(names, p.Assets[index].Name)
		}
		sort.Strings(names)

		return nil, &CycleError{Assets: names}
	}

	built := &Graph{
		pipeline: p,
		edges:    edges,
	}
	built.order = built.topologicalOrder()

	return built, nil
}

// TopologicalOrder returns every asset after all of its upstreams. Assets with
// no ordering constraint between them are sorted by name so that runs are
// deterministic.
func (g *Graph) TopologicalOrder() []string {
	return g.order
}

func (g *Graph) topologicalOrder() []string {
	inDegree := make(map[string]int, len(g.pipeline.Assets))
	for _, asset := range g.pipeline.Assets {
		inDegree[asset.Name] = len(asset.GetUpstream())
	}

	ready := make([]string, 0, len(inDegree))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(inDegree))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		newlyReady := make([]string, 0)
		for _, downstream := range g.edges[next] {
			inDegree[downstream]--
			if inDegree[downstream] == 0 {
				newlyReady = append(newlyReady, downstream)
			}
		}

		if len(newlyReady) > 0 {
			ready = append(ready, newlyReady...)
			sort.Strings(ready)
		}
	}

	return order
}

// DownstreamClosure returns the given asset plus every asset transitively
// depending on it.
func (g *Graph) DownstreamClosure(assetName string) (map[string]bool, error) {
	root := g.pipeline.GetAssetByName(assetName)
	if root == nil {
		return nil, fmt.Errorf("asset '%s' does not exist in the pipeline", assetName)
	}

	closure := map[string]bool{assetName: true}
	stack := []*pipeline.Asset{root}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, downstream := range current.GetDownstream() {
			if closure[downstream.Name] {
				continue
			}
			closure[downstream.Name] = true
			stack = append(stack, downstream)
		}
	}

	return closure, nil
}
