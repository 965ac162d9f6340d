// Package annotate bridges the pipeline to the object counting model. The
// model owns detection, tracking, counting and overlay drawing; this
// package only configures it and moves frames in and out.
package annotate

import (
	"context"
	"fmt"

	"SkyCount/internal/video"
)

// Point is a pixel coordinate.
type Point struct {
	X int `msgpack:"x" json:"x"`
	Y int `msgpack:"y" json:"y"`
}

// Polygon is a closed counting region in pixel coordinates.
type Polygon []Point

// FullFrame returns the region covering a width x height frame, listed
// clockwise from the top-left corner.
func FullFrame(width, height int) Polygon {
	return Polygon{
		{X: 0, Y: 0},
		{X: width, Y: 0},
		{X: width, Y: height},
		{X: 0, Y: height},
	}
}

// Validate checks the polygon has at least three vertices.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("region needs at least 3 points, got %d", len(p))
	}
	return nil
}

// Annotator creates counters. One counter serves one processing pass.
type Annotator interface {
	Configure(ctx context.Context, region Polygon, classes []int) (Counter, error)
}

// Counter advances its counts with every frame and returns the frame with
// the overlay drawn.
type Counter interface {
	Annotate(ctx context.Context, frame *video.Frame) (*video.Frame, error)
	Close() error
}
