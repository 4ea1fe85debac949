// Package heuristic implements the watchdog's world-partitioning algorithm
// (spec.md §4.6): a Heuristic consumes a snapshot of minimal entity spans and
// produces a set of bounds.
package heuristic

import (
	"fmt"

	"github.com/atlasnet/atlasnet/internal/bound"
	"github.com/atlasnet/atlasnet/internal/codec"
)

// EntitySpan is the minimal per-entity information a Heuristic needs: just
// enough to decide how to partition the world, without the full Entity
// model's transfer bookkeeping.
type EntitySpan struct {
	EntityID [16]byte
	Position codec.Vec3
}

// Snapshot is the sequence of entity spans a Heuristic partitions.
type Snapshot []EntitySpan

// Marshal encodes s as a varint length header followed by one (reserved
// tag byte, entity_id, position) record per span.
func (s Snapshot) Marshal(w *codec.Writer) {
	w.Varint(uint64(len(s)))
	for _, e := range s {
		w.U8(0) // reserved tag byte, kept for forward wire compatibility
		for _, b := range e.EntityID {
			w.U8(b)
		}
		w.Vec3(e.Position)
	}
}

// UnmarshalSnapshot decodes a Snapshot written by Marshal.
func UnmarshalSnapshot(r *codec.Reader) (Snapshot, error) {
	n, err := r.Varint()
	if err != nil {
		return nil, fmt.Errorf("heuristic: read snapshot length: %w", err)
	}
	out := make(Snapshot, 0, n)
	for i := uint64(0); i < n; i++ {
		if _, err := r.U8(); err != nil {
			return nil, fmt.Errorf("heuristic: read reserved tag %d: %w", i, err)
		}
		var id [16]byte
		for j := range id {
			b, err := r.U8()
			if err != nil {
				return nil, fmt.Errorf("heuristic: read entity id %d: %w", i, err)
			}
			id[j] = b
		}
		pos, err := r.Vec3()
		if err != nil {
			return nil, fmt.Errorf("heuristic: read position %d: %w", i, err)
		}
		out = append(out, EntitySpan{EntityID: id, Position: pos})
	}
	return out, nil
}

// Heuristic partitions the world into bounds given a snapshot of the current
// entity population.
type Heuristic interface {
	Partition(Snapshot) bound.Set
}

// GridHeuristic is the default heuristic: it places four axis-aligned quads
// in a 2x2 grid of configurable half-extent, ignoring the snapshot contents
// entirely (a fixed partition). More elaborate heuristics (e.g. load-aware
// resizing driven by entity density) can implement Heuristic directly.
type GridHeuristic struct {
	// CellHalfExtent is the half-extent of each grid cell along both axes.
	CellHalfExtent float32
}

// NewGridHeuristic returns a GridHeuristic with the given per-cell half
// extent.
func NewGridHeuristic(cellHalfExtent float32) GridHeuristic {
	return GridHeuristic{CellHalfExtent: cellHalfExtent}
}

// Partition returns four bounds, IDs 0-3, tiling a 2x2 grid centered at the
// origin.
func (g GridHeuristic) Partition(Snapshot) bound.Set {
	h := g.CellHalfExtent
	centers := [4][2]float32{
		{-h, -h}, {h, -h}, {-h, h}, {h, h},
	}
	out := make(bound.Set, 0, 4)
	for id, c := range centers {
		out = append(out, bound.Bound{
			ID: uint32(id),
			Shape: bound.Quad{
				CenterX:     c[0],
				CenterZ:     c[1],
				HalfExtentX: h,
				HalfExtentZ: h,
			},
		})
	}
	return out
}
