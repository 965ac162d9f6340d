package annotate

import (
	"context"
	"fmt"

	"SkyCount/internal/video"
	types "SkyCount/pkg"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const PassthroughBackend = "passthrough"

// PassthroughConfig holds the options of the passthrough backend
type PassthroughConfig struct {
	BorderPx int   `json:"border_px" mapstructure:"border_px"`
	Color    []int `json:"color" mapstructure:"color"` // B, G, R
}

// SetDefaults sets default values for missing configuration
func (c *PassthroughConfig) SetDefaults() {
	if len(c.Color) == 0 {
		c.Color = []int{0, 255, 0}
	}
}

// Validate checks if the configuration is valid
func (c *PassthroughConfig) Validate() error {
	if c.BorderPx < 0 {
		return fmt.Errorf("border_px must be greater than or equal to 0, got: %d", c.BorderPx)
	}
	if len(c.Color) != 3 {
		return fmt.Errorf("color must have 3 components, got: %d", len(c.Color))
	}
	for _, v := range c.Color {
		if v < 0 || v > 255 {
			return fmt.Errorf("color components must be between 0 and 255, got: %d", v)
		}
	}
	return nil
}

// Passthrough returns frames unchanged, optionally outlining the counting
// region. It performs no detection.
type Passthrough struct {
	config PassthroughConfig
	logger *zap.Logger
}

// NewPassthrough creates a passthrough annotator from cfg.Options
func NewPassthrough(cfg types.AnnotatorConfig, logger *zap.Logger) (Annotator, error) {
	var pc PassthroughConfig
	if err := mapstructure.Decode(cfg.Options, &pc); err != nil {
		return nil, fmt.Errorf("failed to decode passthrough config: %w", err)
	}
	pc.SetDefaults()
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid passthrough config: %w", err)
	}
	return &Passthrough{config: pc, logger: logger}, nil
}

func (p *Passthrough) Configure(ctx context.Context, region Polygon, classes []int) (Counter, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}
	p.logger.Debug("Passthrough counter configured",
		zap.Int("region_points", len(region)),
		zap.Ints("classes", classes),
	)
	return &passthroughCounter{region: region, config: p.config}, nil
}

type passthroughCounter struct {
	region Polygon
	config PassthroughConfig
}

func (c *passthroughCounter) Annotate(ctx context.Context, frame *video.Frame) (*video.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.config.BorderPx > 0 {
		drawBounds(frame, c.region, c.config.BorderPx, c.config.Color)
	}
	return frame, nil
}

func (c *passthroughCounter) Close() error {
	return nil
}

// drawBounds paints the bounding box of region into frame in place.
func drawBounds(frame *video.Frame, region Polygon, width int, color []int) {
	minX, minY := frame.Width, frame.Height
	maxX, maxY := 0, 0
	for _, p := range region {
		minX, maxX = min(minX, p.X), max(maxX, p.X)
		minY, maxY = min(minY, p.Y), max(maxY, p.Y)
	}
	minX, minY = max(minX, 0), max(minY, 0)
	maxX, maxY = min(maxX, frame.Width), min(maxY, frame.Height)

	for y := minY; y < maxY; y++ {
		for x := minX; x < maxX; x++ {
			if x-minX >= width && maxX-1-x >= width && y-minY >= width && maxY-1-y >= width {
				continue
			}
			i := (y*frame.Width + x) * 3
			frame.Data[i] = byte(color[0])
			frame.Data[i+1] = byte(color[1])
			frame.Data[i+2] = byte(color[2])
		}
	}
}
