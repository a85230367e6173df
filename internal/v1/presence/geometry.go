package presence

import (
	"fmt"
	"sort"
)

// Direction is the axis a cursor is typing along.
type Direction string

const (
	Across Direction = "across"
	Down   Direction = "down"
)

// Cell identifies a grid position.
type Cell struct {
	Row, Col int
}

// Key renders the cell in the "{row},{col}" form used by the document maps
// (§3.1).
func (c Cell) Key() string { return fmt.Sprintf("%d,%d", c.Row, c.Col) }

// Geometry is the minimal puzzle-shape contract word-highlight computation
// needs. Implementations live outside this package (puzzle parsing is
// explicitly out of scope, §1); this package only consumes the interface.
type Geometry interface {
	// IsBlocked reports whether (row, col) is outside the grid or a block
	// square.
	IsBlocked(row, col int) bool
}

// WordCells returns every cell in the contiguous run containing (row, col)
// along direction, by walking outward until a blocked cell or the grid edge
// (§4.6 "other clients compute the word containing that cursor").
func WordCells(g Geometry, row, col int, dir Direction) []Cell {
	if g.IsBlocked(row, col) {
		return nil
	}
	dr, dc := 0, 0
	if dir == Across {
		dc = 1
	} else {
		dr = 1
	}

	start := Cell{row, col}
	for !g.IsBlocked(start.Row-dr, start.Col-dc) {
		start = Cell{start.Row - dr, start.Col - dc}
	}

	var cells []Cell
	cur := start
	for !g.IsBlocked(cur.Row, cur.Col) {
		cells = append(cells, cur)
		cur = Cell{cur.Row + dr, cur.Col + dc}
	}
	return cells
}

// CellHighlight is one collaborator's colored claim on a cell: used to
// render a faint word-highlight wash and, where multiple collaborators
// overlap the same cell, a border-segment combination.
type CellHighlight struct {
	ClientID string
	Color    string
}

// BorderSpec describes how to render collaborators' colors on one cell's
// border when their highlighted words overlap there (§4.6). One
// collaborator colors all four sides; two split them, the first by
// ClientID taking top and left and the second bottom and right. Three or
// more collaborators collapse into Crowd, with no per-side colors.
type BorderSpec struct {
	Top, Bottom, Left, Right string // hex color, "" if unused
	Crowd                    bool
	CrowdCount               int
}

// CombineBorders turns the set of collaborators whose highlighted word
// covers a cell into a BorderSpec. Order is made deterministic by sorting
// on ClientID so two peers render an identical cell identically (§8
// convergence intuition extended to presence rendering).
func CombineBorders(highlights []CellHighlight) BorderSpec {
	if len(highlights) == 0 {
		return BorderSpec{}
	}
	sorted := append([]CellHighlight(nil), highlights...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ClientID < sorted[j].ClientID })

	if len(sorted) >= 3 {
		return BorderSpec{Crowd: true, CrowdCount: len(sorted)}
	}

	spec := BorderSpec{}
	switch len(sorted) {
	case 1:
		spec.Top = sorted[0].Color
		spec.Bottom = sorted[0].Color
		spec.Left = sorted[0].Color
		spec.Right = sorted[0].Color
	case 2:
		spec.Top = sorted[0].Color
		spec.Left = sorted[0].Color
		spec.Bottom = sorted[1].Color
		spec.Right = sorted[1].Color
	}
	return spec
}
