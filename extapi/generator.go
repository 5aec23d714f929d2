package extapi

import (
	"context"
	"fmt"

	"github.com/glimte/xbus/serialization"
)

// PagedGenerator serves an in-memory slice in fixed-size parts, each part
// encoded as a JSON array
type PagedGenerator[T any] struct {
	items   []T
	perPart int
	codec   serialization.Codec
}

// NewPagedGenerator splits items into parts of perPart records. A perPart
// below one puts everything in a single part.
func NewPagedGenerator[T any](items []T, perPart int) *PagedGenerator[T] {
	if perPart < 1 {
		perPart = max(len(items), 1)
	}
	return &PagedGenerator[T]{
		items:   items,
		perPart: perPart,
		codec:   serialization.NewJSONCodec(),
	}
}

// RecordsPerPart implements DataGenerator
func (g *PagedGenerator[T]) RecordsPerPart() int {
	return g.perPart
}

// TotalParts implements DataGenerator
func (g *PagedGenerator[T]) TotalParts() int {
	return (len(g.items) + g.perPart - 1) / g.perPart
}

// GetPart implements DataGenerator
func (g *PagedGenerator[T]) GetPart(ctx context.Context, part int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if part < 0 || part >= g.TotalParts() {
		return "", fmt.Errorf("part %d out of range [0, %d)", part, g.TotalParts())
	}

	start := part * g.perPart
	end := min(start+g.perPart, len(g.items))
	data, err := g.codec.Marshal(g.items[start:end])
	if err != nil {
		return "", fmt.Errorf("failed to encode part %d: %w", part, err)
	}
	return string(data), nil
}

// Close implements DataGenerator
func (g *PagedGenerator[T]) Close() error {
	return nil
}
