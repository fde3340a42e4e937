package geo

import (
	"fmt"
	"math"
)

// CellSizeMeters is the world-unit edge length of one shard's cell.
const CellSizeMeters = 64.0

// CellID identifies a disjoint axis-aligned partition of space. Two
// positions share a CellID iff their axes floor to the same integer cell.
type CellID string

// CellFor derives the CellID owning the given position.
func CellFor(v Vector) CellID {
	ix := int64(math.Floor(v.X / CellSizeMeters))
	iy := int64(math.Floor(v.Y / CellSizeMeters))
	iz := int64(math.Floor(v.Z / CellSizeMeters))
	return CellID(fmt.Sprintf("cell:%d:%d:%d", ix, iy, iz))
}
