package build

import (
	"encoding/json"
	"fmt"
)

// BoundingBox is the axis-aligned box covering every placement issued during
// a build attempt. The zero value is empty; Extend on an empty box adopts the
// first command's bounds.
type BoundingBox struct {
	Min   Pos  `json:"min"`
	Max   Pos  `json:"max"`
	Empty bool `json:"-"`
}

// NewBoundingBox returns an empty accumulator.
func NewBoundingBox() BoundingBox {
	return BoundingBox{Empty: true}
}

// Box constructs a box from explicit corners, normalizing min/max per axis.
func Box(a, b Pos) BoundingBox {
	return BoundingBox{
		Min: Pos{X: minInt(a.X, b.X), Y: minInt(a.Y, b.Y), Z: minInt(a.Z, b.Z)},
		Max: Pos{X: maxInt(a.X, b.X), Y: maxInt(a.Y, b.Y), Z: maxInt(a.Z, b.Z)},
	}
}

// Extend grows the box to cover the command's bounds.
func (bb *BoundingBox) Extend(c Command) {
	lo, hi := c.Bounds()
	if bb.Empty {
		bb.Min, bb.Max = lo, hi
		bb.Empty = false
		return
	}
	bb.Min.X = minInt(bb.Min.X, lo.X)
	bb.Min.Y = minInt(bb.Min.Y, lo.Y)
	bb.Min.Z = minInt(bb.Min.Z, lo.Z)
	bb.Max.X = maxInt(bb.Max.X, hi.X)
	bb.Max.Y = maxInt(bb.Max.Y, hi.Y)
	bb.Max.Z = maxInt(bb.Max.Z, hi.Z)
}

// Contains reports whether the other box lies entirely inside this one.
func (bb BoundingBox) Contains(other BoundingBox) bool {
	if other.Empty {
		return true
	}
	if bb.Empty {
		return false
	}
	return other.Min.X >= bb.Min.X && other.Min.Y >= bb.Min.Y && other.Min.Z >= bb.Min.Z &&
		other.Max.X <= bb.Max.X && other.Max.Y <= bb.Max.Y && other.Max.Z <= bb.Max.Z
}

// ContainsPos reports whether a single coordinate lies inside the box.
func (bb BoundingBox) ContainsPos(p Pos) bool {
	if bb.Empty {
		return false
	}
	return p.X >= bb.Min.X && p.X <= bb.Max.X &&
		p.Y >= bb.Min.Y && p.Y <= bb.Max.Y &&
		p.Z >= bb.Min.Z && p.Z <= bb.Max.Z
}

// String renders the box as "(x,y,z)..(x,y,z)".
func (bb BoundingBox) String() string {
	if bb.Empty {
		return "(empty)"
	}
	return fmt.Sprintf("(%d,%d,%d)..(%d,%d,%d)",
		bb.Min.X, bb.Min.Y, bb.Min.Z, bb.Max.X, bb.Max.Y, bb.Max.Z)
}

// Summary is the build-summary artifact payload: what was placed and where.
type Summary struct {
	BoundingBox  BoundingBox `json:"boundingBox"`
	CommandCount int         `json:"commandCount"`
	BlocksUsed   []string    `json:"blocksUsed"`
}

// EncodeSummary serializes the summary artifact payload.
func EncodeSummary(s Summary) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// DecodeSummary parses a summary artifact payload.
func DecodeSummary(data []byte) (Summary, error) {
	var s Summary
	err := json.Unmarshal(data, &s)
	return s, err
}
