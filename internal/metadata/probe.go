package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bdougie/framesearch/internal/models"
)

const probeWorkers = 4

// Prober reads the frame rate of a single video file.
type Prober interface {
	ProbeFPS(ctx context.Context, path string) (float64, error)
}

// FFProbe shells out to ffprobe.
type FFProbe struct {
	Binary string
}

// ProbeFPS returns the first video stream's r_frame_rate.
func (p FFProbe) ProbeFPS(ctx context.Context, path string) (float64, error) {
	bin := p.Binary
	if bin == "" {
		bin = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %v\nOutput: %s", err, string(output))
	}
	return ParseFrameRate(string(output))
}

// ParseFrameRate parses ffprobe rates such as "25/1", "30000/1001" or "24".
func ParseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if line, _, ok := strings.Cut(s, "\n"); ok {
		s = strings.TrimSpace(line)
	}

	num, den, hasDen := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	if !hasDen {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n / d, nil
}

// ScanVideos probes every *.mp4 in dir; the video id is the file stem.
// Unreadable or non-positive rates fall back to models.DefaultFPS.
// A missing directory yields an empty map.
func ScanVideos(ctx context.Context, dir string, prober Prober, logger *slog.Logger) (map[string]float64, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Error("video directory not found", "dir", dir)
		return map[string]float64{}, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.mp4"))
	if err != nil {
		return nil, fmt.Errorf("failed to list videos in '%s': %w", dir, err)
	}
	logger.Info("probing video metadata", "videos", len(files))

	var mu sync.Mutex
	out := make(map[string]float64, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeWorkers)
	for _, path := range files {
		g.Go(func() error {
			videoID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			fps, err := prober.ProbeFPS(gctx, path)
			if err != nil || fps <= 0 {
				logger.Warn("using default fps", "video_id", videoID, "fps", fps, "error", err)
				fps = models.DefaultFPS
			}
			mu.Lock()
			out[videoID] = fps
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
