package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGraph_Sort(t *testing.T) {
	tests := []struct {
		name  string
		edges map[string][]string
		want  []string
	}{
		{
			name:  "independent nodes are ordered by id",
			edges: map[string][]string{"003": nil, "001": nil, "002": nil},
			want:  []string{"001", "002", "003"},
		},
		{
			name:  "dependency comes first, free lower id is not delayed",
			edges: map[string][]string{"001": {"003"}, "002": nil, "003": nil},
			want:  []string{"002", "003", "001"},
		},
		{
			name:  "smallest ready id is taken each step",
			edges: map[string][]string{"001": {"004"}, "002": {"001"}, "003": nil, "004": nil},
			want:  []string{"003", "004", "001", "002"},
		},
		{
			name: "diamond",
			edges: map[string][]string{
				"a": nil,
				"b": {"a"},
				"c": {"a"},
				"d": {"b", "c"},
			},
			want: []string{"a", "b", "c", "d"},
		},
		{
			name:  "edges to unknown nodes are ignored",
			edges: map[string][]string{"002": {"001"}},
			want:  []string{"002"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			for id, deps := range tt.edges {
				g.AddNode(id)
				for _, dep := range deps {
					if _, ok := tt.edges[dep]; ok {
						g.AddNode(dep)
					}
					g.AddEdge(id, dep)
				}
			}
			got, err := g.Sort()
			if err != nil {
				t.Fatalf("Sort() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Sort() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGraph_Sort_Cycle(t *testing.T) {
	g := New()
	g.AddEdge("001", "003")
	g.AddEdge("002", "001")
	g.AddEdge("003", "002")

	_, err := g.Sort()
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	want := []string{"001", "003", "002", "001"}
	if diff := cmp.Diff(want, cycleErr.Path); diff != "" {
		t.Errorf("cycle path mismatch (-want +got):\n%s", diff)
	}
}

func TestGraph_Sort_SelfLoop(t *testing.T) {
	g := New()
	g.AddEdge("a", "a")
	if _, err := g.Sort(); err == nil {
		t.Fatal("expected error for self loop")
	}
}

// ランダムなDAGに対して、すべてのノードが依存先より後に並ぶことを確認する。
func TestGraph_Sort_RandomDAG(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(20)
		g := New()
		deps := make(map[string][]string)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("%03d", i)
			g.AddNode(id)
			// 自分より小さい番号のノードにだけ依存させるのでDAGになる
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					dep := fmt.Sprintf("%03d", j)
					g.AddEdge(id, dep)
					deps[id] = append(deps[id], dep)
				}
			}
		}

		order, err := g.Sort()
		if err != nil {
			t.Fatalf("round %d: Sort() error = %v", round, err)
		}
		if len(order) != n {
			t.Fatalf("round %d: expected %d nodes, got %d", round, n, len(order))
		}
		for id, ds := range deps {
			pos := slices.Index(order, id)
			for _, dep := range ds {
				if slices.Index(order, dep) > pos {
					t.Errorf("round %d: %s ordered before its dependency %s", round, id, dep)
				}
			}
		}
	}
}

func TestGraph_Dependents(t *testing.T) {
	g := New()
	g.AddNode("001")
	g.AddEdge("003", "001")
	g.AddEdge("002", "001")
	g.AddEdge("004", "002")

	if diff := cmp.Diff([]string{"002", "003"}, g.Dependents("001")); diff != "" {
		t.Errorf("Dependents mismatch (-want +got):\n%s", diff)
	}
}
