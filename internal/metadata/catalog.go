// Package metadata holds per-video facts loaded once at startup: frame
// rates for annotating results and shot boundaries for evaluation.
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"

	"github.com/bdougie/framesearch/internal/models"
)

// Catalog maps video ids to frame rates. Reads are lock-free; Swap and
// Rebuild replace the whole map at once so readers never see a partial one.
type Catalog struct {
	fps    atomic.Pointer[map[string]float64]
	prober Prober
	logger *slog.Logger
}

// NewCatalog returns an empty catalog. prober may be nil when the catalog
// is only ever filled through Swap.
func NewCatalog(prober Prober, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{prober: prober, logger: logger}
	empty := map[string]float64{}
	c.fps.Store(&empty)
	return c
}

// FPS returns the frame rate of videoID, or models.DefaultFPS.
func (c *Catalog) FPS(videoID string) float64 {
	if v, ok := (*c.fps.Load())[videoID]; ok && v > 0 {
		return v
	}
	return models.DefaultFPS
}

// Len is the number of videos currently known.
func (c *Catalog) Len() int {
	return len(*c.fps.Load())
}

// Swap installs a copy of m as the catalog's contents.
func (c *Catalog) Swap(m map[string]float64) {
	next := maps.Clone(m)
	if next == nil {
		next = map[string]float64{}
	}
	c.fps.Store(&next)
}

// Rebuild probes every video under dir and swaps the result in. On error
// the previous contents stay in place.
func (c *Catalog) Rebuild(ctx context.Context, dir string) error {
	if c.prober == nil {
		return fmt.Errorf("catalog has no prober")
	}
	next, err := ScanVideos(ctx, dir, c.prober, c.logger)
	if err != nil {
		return err
	}
	c.Swap(next)
	c.logger.Info("video metadata loaded", "dir", dir, "videos", len(next))
	return nil
}
