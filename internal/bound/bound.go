// Package bound implements the abstract spatial region model (spec.md §4.5):
// a Bound is an ID-scoped shape answering point-containment queries, with a
// default grid-partitioned Shape implementation.
package bound

import (
	"fmt"

	"github.com/atlasnet/atlasnet/internal/codec"
)

// Shape answers point-containment queries for a spatial region and exposes
// its center, used for routing and debug telemetry.
type Shape interface {
	Contains(p codec.Vec3) bool
	Center() codec.Vec3

	// ShapeTag identifies the concrete shape variant for the tagged-union
	// wire encoding.
	ShapeTag() uint8
	// MarshalShape writes the variant payload (not the tag).
	MarshalShape(w *codec.Writer)
}

// Bound pairs a stable ID with its shape.
type Bound struct {
	ID    uint32
	Shape Shape
}

// Contains reports whether p lies inside b.
func (b Bound) Contains(p codec.Vec3) bool { return b.Shape.Contains(p) }

// Center returns the shape's center point.
func (b Bound) Center() codec.Vec3 { return b.Shape.Center() }

// Shape tags for the tagged-union encoding.
const (
	ShapeTagQuad uint8 = iota
)

// Marshal encodes b as id (u32) followed by a tagged shape.
func (b Bound) Marshal(w *codec.Writer) {
	w.U32(b.ID)
	w.Tag(b.Shape.ShapeTag())
	b.Shape.MarshalShape(w)
}

// Unmarshal decodes a Bound written by Marshal.
func Unmarshal(r *codec.Reader) (Bound, error) {
	id, err := r.U32()
	if err != nil {
		return Bound{}, fmt.Errorf("bound: read id: %w", err)
	}
	tag, err := r.Tag()
	if err != nil {
		return Bound{}, fmt.Errorf("bound: read shape tag: %w", err)
	}
	switch tag {
	case ShapeTagQuad:
		q, err := unmarshalQuad(r)
		if err != nil {
			return Bound{}, fmt.Errorf("bound: read quad shape: %w", err)
		}
		return Bound{ID: id, Shape: q}, nil
	default:
		return Bound{}, &codec.Error{Kind: codec.BadTag, Msg: fmt.Sprintf("unknown shape tag %d", tag)}
	}
}

// Quad is an axis-aligned rectangular region in the XZ plane, unbounded in Y
// (the vertical axis is not partitioned by the default heuristic).
type Quad struct {
	CenterX, CenterZ float32
	HalfExtentX      float32
	HalfExtentZ      float32
}

func (q Quad) Contains(p codec.Vec3) bool {
	return p.X >= q.CenterX-q.HalfExtentX && p.X <= q.CenterX+q.HalfExtentX &&
		p.Z >= q.CenterZ-q.HalfExtentZ && p.Z <= q.CenterZ+q.HalfExtentZ
}

func (q Quad) Center() codec.Vec3 { return codec.Vec3{X: q.CenterX, Y: 0, Z: q.CenterZ} }

func (q Quad) ShapeTag() uint8 { return ShapeTagQuad }

func (q Quad) MarshalShape(w *codec.Writer) {
	w.F32(q.CenterX)
	w.F32(q.CenterZ)
	w.F32(q.HalfExtentX)
	w.F32(q.HalfExtentZ)
}

func unmarshalQuad(r *codec.Reader) (Quad, error) {
	cx, err := r.F32()
	if err != nil {
		return Quad{}, err
	}
	cz, err := r.F32()
	if err != nil {
		return Quad{}, err
	}
	hx, err := r.F32()
	if err != nil {
		return Quad{}, err
	}
	hz, err := r.F32()
	if err != nil {
		return Quad{}, err
	}
	return Quad{CenterX: cx, CenterZ: cz, HalfExtentX: hx, HalfExtentZ: hz}, nil
}

// Set is an ordered collection of bounds supporting position lookup.
type Set []Bound

// Locate returns the bound_id containing p, if exactly one bound in s
// contains it. If p lies in zero or more than one bound, ok is false (the
// boundary case is deterministic only with respect to a single receiving
// shape's Contains, per spec.md §8; ambiguity across overlapping bounds is
// not resolved here).
func (s Set) Locate(p codec.Vec3) (id uint32, ok bool) {
	var found uint32
	var count int
	for _, b := range s {
		if b.Contains(p) {
			found = b.ID
			count++
		}
	}
	if count == 1 {
		return found, true
	}
	return 0, false
}

// Marshal encodes s as a varint length header followed by bound encodings.
func (s Set) Marshal(w *codec.Writer) {
	w.Varint(uint64(len(s)))
	for _, b := range s {
		b.Marshal(w)
	}
}

// UnmarshalSet decodes a Set written by Marshal.
func UnmarshalSet(r *codec.Reader) (Set, error) {
	n, err := r.Varint()
	if err != nil {
		return nil, fmt.Errorf("bound: read set length: %w", err)
	}
	out := make(Set, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := Unmarshal(r)
		if err != nil {
			return nil, fmt.Errorf("bound: read bound %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}
