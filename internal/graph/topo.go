// Package graph は依存関係グラフのトポロジカルソートを提供する。
package graph

import (
	"fmt"
	"slices"
	"strings"
)

// CycleError は検出された循環の経路を表す。先頭と末尾は同じノードになる。
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Graph はノードIDと依存先IDの有向グラフ。
type Graph struct {
	deps map[string][]string
}

// New は空のGraphを生成する。
func New() *Graph {
	return &Graph{deps: make(map[string][]string)}
}

// AddNode はノードを追加する。既に存在する場合は何もしない。
func (g *Graph) AddNode(id string) {
	if _, ok := g.deps[id]; !ok {
		g.deps[id] = nil
	}
}

// AddEdge はidがdependsOnに依存することを登録する。
func (g *Graph) AddEdge(id, dependsOn string) {
	g.AddNode(id)
	if !slices.Contains(g.deps[id], dependsOn) {
		g.deps[id] = append(g.deps[id], dependsOn)
	}
}

// Has はノードが登録されているかを返す。
func (g *Graph) Has(id string) bool {
	_, ok := g.deps[id]
	return ok
}

// Dependents はidに直接依存するノードをID順で返す。
func (g *Graph) Dependents(id string) []string {
	var out []string
	for node, deps := range g.deps {
		if slices.Contains(deps, id) {
			out = append(out, node)
		}
	}
	slices.Sort(out)
	return out
}

const (
	white = iota
	gray
	black
)

// Sort は依存先が必ず先に並ぶ順序でノードを返す。
// 依存先がすべて並んだノードのうちIDが最小のものから順に並べる。未登録ノードへの辺は無視する。
// 循環がある場合は *CycleError を返す。
func (g *Graph) Sort() ([]string, error) {
	ids := make([]string, 0, len(g.deps))
	for id := range g.deps {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	if err := g.detectCycle(ids); err != nil {
		return nil, err
	}

	// Kahnのアルゴリズム。未解決の依存数が0になったノードを候補にする
	remaining := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, dep := range g.deps[id] {
			if g.Has(dep) {
				remaining[id]++
			}
		}
	}
	var ready []string
	for _, id := range ids {
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		next := slices.Min(ready)
		ready = slices.DeleteFunc(ready, func(id string) bool { return id == next })
		order = append(order, next)
		for _, dependent := range g.Dependents(next) {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order, nil
}

// detectCycle は三色DFSで循環を探し、最初に見つけた経路を返す。
func (g *Graph) detectCycle(ids []string) error {
	color := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			start := slices.Index(stack, id)
			path := append(slices.Clone(stack[start:]), id)
			return &CycleError{Path: path}
		}

		color[id] = gray
		stack = append(stack, id)

		deps := slices.Clone(g.deps[id])
		slices.Sort(deps)
		for _, dep := range deps {
			if !g.Has(dep) {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
