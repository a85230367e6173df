package presence

import (
	"reflect"
	"testing"
)

// gridGeometry is a minimal Geometry backed by a block map, for tests.
type gridGeometry struct {
	rows, cols int
	blocks     map[Cell]bool
}

func (g gridGeometry) IsBlocked(row, col int) bool {
	if row < 0 || col < 0 || row >= g.rows || col >= g.cols {
		return true
	}
	return g.blocks[Cell{row, col}]
}

func TestWordCells_Across(t *testing.T) {
	g := gridGeometry{rows: 3, cols: 5, blocks: map[Cell]bool{{0, 0}: true, {0, 4}: true}}
	got := WordCells(g, 0, 2, Across)
	want := []Cell{{0, 1}, {0, 2}, {0, 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWordCells_Down(t *testing.T) {
	g := gridGeometry{rows: 4, cols: 4}
	got := WordCells(g, 2, 1, Down)
	want := []Cell{{0, 1}, {1, 1}, {2, 1}, {3, 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWordCells_BlockedStart(t *testing.T) {
	g := gridGeometry{rows: 3, cols: 3, blocks: map[Cell]bool{{1, 1}: true}}
	got := WordCells(g, 1, 1, Across)
	if got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestCombineBorders_Single(t *testing.T) {
	spec := CombineBorders([]CellHighlight{{ClientID: "a", Color: "#111"}})
	if spec.Top != "#111" || spec.Bottom != "#111" || spec.Left != "#111" || spec.Right != "#111" {
		t.Fatalf("unexpected single-color spec: %+v", spec)
	}
}

func TestCombineBorders_Two(t *testing.T) {
	spec := CombineBorders([]CellHighlight{
		{ClientID: "b", Color: "#222"},
		{ClientID: "a", Color: "#111"},
	})
	// Sorted by ClientID: "a" first.
	if spec.Top != "#111" || spec.Left != "#111" || spec.Bottom != "#222" || spec.Right != "#222" {
		t.Fatalf("unexpected two-color spec: %+v", spec)
	}
}

func TestCombineBorders_Crowd(t *testing.T) {
	spec := CombineBorders([]CellHighlight{
		{ClientID: "a", Color: "#111"},
		{ClientID: "b", Color: "#222"},
		{ClientID: "c", Color: "#333"},
	})
	if !spec.Crowd || spec.CrowdCount != 3 {
		t.Fatalf("unexpected crowd spec: %+v", spec)
	}
}

func TestCombineBorders_Empty(t *testing.T) {
	spec := CombineBorders(nil)
	if spec != (BorderSpec{}) {
		t.Fatalf("expected zero value, got %+v", spec)
	}
}
