package game

// Grid is the tile ownership ledger. Cells are last-writer-wins: the claim
// applied last by the room actor owns the cell, and an owned cell never
// becomes unowned again.
type Grid struct {
	Width  int
	Height int
	owners []TeamID
	// claimed counts cells that have ever been painted. A cell flipping
	// between teams does not change it; coverage tracks paint, not share.
	claimed int
}

func NewGrid(width, height int) Grid {
	return Grid{
		Width:  width,
		Height: height,
		owners: make([]TeamID, width*height),
	}
}

func (g Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

// Owner returns the owning team of a cell, TeamNone if unclaimed.
func (g Grid) Owner(x, y int) TeamID {
	if !g.InBounds(x, y) {
		return TeamNone
	}
	return g.owners[y*g.Width+x]
}

// Claim transfers the cell to team and returns the updated grid. Callers
// validate bounds and team beforehand.
func (g Grid) Claim(x, y int, team TeamID) Grid {
	next := g
	next.owners = append([]TeamID(nil), g.owners...)
	idx := y*g.Width + x
	if next.owners[idx] == TeamNone {
		next.claimed++
	}
	next.owners[idx] = team
	return next
}

func (g Grid) TotalCells() int {
	return g.Width * g.Height
}

func (g Grid) ClaimedCells() int {
	return g.claimed
}

// ColoredPercentage is paint coverage in [0, 100].
func (g Grid) ColoredPercentage() float64 {
	total := g.TotalCells()
	if total == 0 {
		return 0
	}
	return float64(g.claimed) / float64(total) * 100
}

// TeamCounts derives cells-per-team by scanning. Never cached, so a flip
// cannot leave a stale count behind.
func (g Grid) TeamCounts() map[TeamID]int {
	counts := make(map[TeamID]int, len(Teams))
	for _, t := range Teams {
		counts[t.ID] = 0
	}
	for _, owner := range g.owners {
		if owner != TeamNone {
			counts[owner]++
		}
	}
	return counts
}

// Cells returns every owned cell, for late-join catch-up snapshots.
func (g Grid) Cells() []OwnedCell {
	var cells []OwnedCell
	for i, owner := range g.owners {
		if owner == TeamNone {
			continue
		}
		cells = append(cells, OwnedCell{X: i % g.Width, Y: i / g.Width, TeamID: owner})
	}
	return cells
}

type OwnedCell struct {
	X      int
	Y      int
	TeamID TeamID
}
