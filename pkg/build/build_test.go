package build

import (
	"testing"
)

func TestCommandWire(t *testing.T) {
	set := Command{Kind: CommandSetBlock, Block: "minecraft:stone", From: Pos{X: 1, Y: 2, Z: 3}}
	if got := set.Wire(); got != "/setblock 1 2 3 minecraft:stone" {
		t.Errorf("setblock wire = %q", got)
	}

	fill := Command{
		Kind:  CommandFill,
		Block: "minecraft:oak_planks",
		From:  Pos{X: 0, Y: 64, Z: 0},
		To:    Pos{X: 4, Y: 68, Z: 4},
	}
	if got := fill.Wire(); got != "/fill 0 64 0 4 68 4 minecraft:oak_planks" {
		t.Errorf("fill wire = %q", got)
	}
}

func TestCommandBoundsNormalized(t *testing.T) {
	// Fill corners arrive in whatever order the model emitted them.
	cmd := Command{
		Kind:  CommandFill,
		Block: "minecraft:glass",
		From:  Pos{X: 5, Y: 70, Z: -2},
		To:    Pos{X: -1, Y: 64, Z: 3},
	}
	lo, hi := cmd.Bounds()
	if lo != (Pos{X: -1, Y: 64, Z: -2}) {
		t.Errorf("lo = %+v", lo)
	}
	if hi != (Pos{X: 5, Y: 70, Z: 3}) {
		t.Errorf("hi = %+v", hi)
	}

	set := Command{Kind: CommandSetBlock, Block: "minecraft:stone", From: Pos{X: 1, Y: 2, Z: 3}}
	lo, hi = set.Bounds()
	if lo != set.From || hi != set.From {
		t.Errorf("setblock bounds should be its position, got %+v..%+v", lo, hi)
	}
}

func TestCommandValidate(t *testing.T) {
	good := Command{Kind: CommandSetBlock, Block: "minecraft:stone"}
	if err := good.Validate(); err != nil {
		t.Errorf("Expected valid command, got %v", err)
	}
	if err := (Command{Kind: "teleport", Block: "minecraft:stone"}).Validate(); err == nil {
		t.Error("Unknown kind should be rejected")
	}
	if err := (Command{Kind: CommandFill}).Validate(); err == nil {
		t.Error("Missing block should be rejected")
	}
}

func TestBoundingBoxExtend(t *testing.T) {
	box := NewBoundingBox()
	if !box.Empty {
		t.Fatal("New box should be empty")
	}

	box.Extend(Command{Kind: CommandSetBlock, Block: "b", From: Pos{X: 2, Y: 5, Z: 2}})
	if box.Empty || box.Min != (Pos{X: 2, Y: 5, Z: 2}) || box.Max != (Pos{X: 2, Y: 5, Z: 2}) {
		t.Fatalf("First extend should adopt the command bounds, got %+v", box)
	}

	box.Extend(Command{
		Kind: CommandFill, Block: "b",
		From: Pos{X: -3, Y: 4, Z: 0},
		To:   Pos{X: 1, Y: 10, Z: 6},
	})
	if box.Min != (Pos{X: -3, Y: 4, Z: 0}) {
		t.Errorf("Min = %+v", box.Min)
	}
	if box.Max != (Pos{X: 2, Y: 10, Z: 6}) {
		t.Errorf("Max = %+v", box.Max)
	}
}

func TestBoundingBoxContains(t *testing.T) {
	legal := Box(Pos{X: -10, Y: 0, Z: -10}, Pos{X: 10, Y: 20, Z: 10})

	if !legal.Contains(Box(Pos{X: 0, Y: 5, Z: 0}, Pos{X: 3, Y: 8, Z: 3})) {
		t.Error("Inner box should be contained")
	}
	if legal.Contains(Box(Pos{X: 0, Y: 5, Z: 0}, Pos{X: 11, Y: 8, Z: 3})) {
		t.Error("Box crossing the edge should not be contained")
	}
	if !legal.Contains(NewBoundingBox()) {
		t.Error("Empty boxes are trivially contained")
	}
	if NewBoundingBox().Contains(legal) {
		t.Error("Empty boxes contain nothing")
	}

	if !legal.ContainsPos(Pos{X: 10, Y: 20, Z: 10}) {
		t.Error("Bounds are inclusive")
	}
	if legal.ContainsPos(Pos{X: 10, Y: 21, Z: 10}) {
		t.Error("Out-of-range position should not be contained")
	}
}

func TestBoundingBoxString(t *testing.T) {
	if got := NewBoundingBox().String(); got != "(empty)" {
		t.Errorf("Empty box string = %q", got)
	}
	box := Box(Pos{X: 1, Y: 2, Z: 3}, Pos{X: 4, Y: 5, Z: 6})
	if got := box.String(); got != "(1,2,3)..(4,5,6)" {
		t.Errorf("Box string = %q", got)
	}
}

func TestCommandListRoundTrip(t *testing.T) {
	list := CommandList{
		{Kind: CommandSetBlock, Block: "minecraft:stone", From: Pos{X: 1, Y: 2, Z: 3}},
		{Kind: CommandFill, Block: "minecraft:glass", From: Pos{X: 0, Y: 0, Z: 0}, To: Pos{X: 2, Y: 2, Z: 2}},
	}

	data, err := EncodeCommandList(list)
	if err != nil {
		t.Fatalf("EncodeCommandList failed: %v", err)
	}
	out, err := DecodeCommandList(data)
	if err != nil {
		t.Fatalf("DecodeCommandList failed: %v", err)
	}
	if len(out) != len(list) || out[0] != list[0] || out[1] != list[1] {
		t.Errorf("round trip mismatch: %+v", out)
	}

	if _, err := DecodeCommandList([]byte("not json")); err == nil {
		t.Error("Malformed payload should be rejected")
	}
}
