// Package build holds the data model for generated build scripts: the
// placement commands streamed into the sandbox, the bounding box accumulated
// over them, and the summary emitted alongside the structure export.
package build

import (
	"encoding/json"
	"fmt"
)

// CommandKind distinguishes the placement operations a build script may emit.
type CommandKind string

const (
	CommandSetBlock CommandKind = "setblock"
	CommandFill     CommandKind = "fill"
)

// Pos is a block coordinate in the build area.
type Pos struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Command is one placement operation. SetBlock uses From only; Fill covers
// the cuboid between From and To inclusive.
type Command struct {
	Kind  CommandKind `json:"kind"`
	Block string      `json:"block"`
	From  Pos         `json:"from"`
	To    Pos         `json:"to,omitempty"`
}

// Wire renders the command as the slash command sent to the game server.
func (c Command) Wire() string {
	switch c.Kind {
	case CommandFill:
		return fmt.Sprintf("/fill %d %d %d %d %d %d %s",
			c.From.X, c.From.Y, c.From.Z, c.To.X, c.To.Y, c.To.Z, c.Block)
	default:
		return fmt.Sprintf("/setblock %d %d %d %s", c.From.X, c.From.Y, c.From.Z, c.Block)
	}
}

// Bounds returns the min/max corners the command touches.
func (c Command) Bounds() (Pos, Pos) {
	if c.Kind != CommandFill {
		return c.From, c.From
	}
	min := Pos{X: minInt(c.From.X, c.To.X), Y: minInt(c.From.Y, c.To.Y), Z: minInt(c.From.Z, c.To.Z)}
	max := Pos{X: maxInt(c.From.X, c.To.X), Y: maxInt(c.From.Y, c.To.Y), Z: maxInt(c.From.Z, c.To.Z)}
	return min, max
}

// Validate checks the command's shape: a known kind and a non-empty block.
func (c Command) Validate() error {
	switch c.Kind {
	case CommandSetBlock, CommandFill:
	default:
		return fmt.Errorf("unknown command kind %q", c.Kind)
	}
	if c.Block == "" {
		return fmt.Errorf("command has no block type")
	}
	return nil
}

// CommandList is the ordered sequence of placements from one build attempt.
type CommandList []Command

// EncodeCommandList serializes the list as the command-log artifact payload.
func EncodeCommandList(list CommandList) ([]byte, error) {
	return json.MarshalIndent(list, "", "  ")
}

// DecodeCommandList parses a command-log artifact payload.
func DecodeCommandList(data []byte) (CommandList, error) {
	var list CommandList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding command list: %w", err)
	}
	return list, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
