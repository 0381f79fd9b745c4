// Package render turns stored motion fields into quiver animations: one PNG
// per frame pair drawn with gonum/plot, encoded to mp4 by ffmpeg.
package render

import (
	"context"
	"fmt"
	"image/color"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"cellflow/internal/config"
	"cellflow/internal/tensor"
)

// framePattern is the ffmpeg input pattern for rendered frames.
const framePattern = "frame_%05d.png"

// Options control one rendering.
type Options struct {
	FPS   int
	Step  int // arrow spacing in pixels
	Plane int // 0 combined, 1 and 2 the source channels
}

// Renderer draws and encodes field animations.
type Renderer struct {
	ffmpeg   string
	defaults Options
	logger   *slog.Logger
}

func New(cfg config.Video, logger *slog.Logger) *Renderer {
	ffmpeg := cfg.FFmpeg
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Renderer{
		ffmpeg:   ffmpeg,
		defaults: Options{FPS: cfg.FPS, Step: cfg.Step},
		logger:   logger,
	}
}

func (r *Renderer) withDefaults(o Options) Options {
	if o.FPS <= 0 {
		o.FPS = r.defaults.FPS
	}
	if o.FPS <= 0 {
		o.FPS = 10
	}
	if o.Step <= 0 {
		o.Step = r.defaults.Step
	}
	if o.Step <= 0 {
		o.Step = 20
	}
	return o
}

// Render writes an mp4 of field to output.
func (r *Renderer) Render(ctx context.Context, field *tensor.CombinedField, output string, opts Options) error {
	opts = r.withDefaults(opts)
	if field.Pairs == 0 {
		return fmt.Errorf("field has no frame pairs to render")
	}
	dir, err := os.MkdirTemp("", "cellflow-frames-")
	if err != nil {
		return fmt.Errorf("create frame directory: %w", err)
	}
	defer os.RemoveAll(dir)

	start := time.Now()
	frames, err := r.Frames(field, dir, opts)
	if err != nil {
		return err
	}
	r.logger.Debug("rendered quiver frames", "count", len(frames), "dir", dir, "duration", time.Since(start))
	return r.Encode(ctx, dir, output, opts.FPS)
}

// Frames draws one PNG per frame pair into dir and returns their paths.
func (r *Renderer) Frames(field *tensor.CombinedField, dir string, opts Options) ([]string, error) {
	opts = r.withDefaults(opts)
	if opts.Plane < 0 || opts.Plane >= tensor.CombinedPlanes {
		return nil, fmt.Errorf("plane %d out of range", opts.Plane)
	}
	paths := make([]string, 0, field.Pairs)
	for i := 0; i < field.Pairs; i++ {
		p, err := quiverPlot(field, i, opts)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		out := filepath.Join(dir, fmt.Sprintf(framePattern, i))
		w, h := frameSize(field.Width, field.Height)
		if err := p.Save(w, h, out); err != nil {
			return nil, fmt.Errorf("save frame %d: %w", i, err)
		}
		paths = append(paths, out)
	}
	return paths, nil
}

// Encode runs ffmpeg over the frames in dir.
func (r *Renderer) Encode(ctx context.Context, dir, output string, fps int) error {
	args := []string{
		"-y",
		"-framerate", fmt.Sprintf("%d", fps),
		"-i", filepath.Join(dir, framePattern),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		output,
	}
	r.logger.Info("executing ffmpeg command", "args", args, "output_file", output)

	cmd := exec.CommandContext(ctx, r.ffmpeg, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		r.logger.Error("ffmpeg failed", "error", err, "ffmpeg_output", string(out))
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

func frameSize(width, height int) (vg.Length, vg.Length) {
	const long = 6 * vg.Inch
	if width >= height {
		return long, long * vg.Length(height) / vg.Length(width)
	}
	return long * vg.Length(width) / vg.Length(height), long
}

func quiverPlot(field *tensor.CombinedField, pair int, opts Options) (*plot.Plot, error) {
	if len(field.Data) != field.Pairs*tensor.CombinedPlanes*field.Height*field.Width*2 {
		return nil, fmt.Errorf("%w: field data does not match shape %v", tensor.ErrContract, field.Shape())
	}
	grid := newVectorGrid(field, pair, opts.Plane, opts.Step)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Frame %d", pair)
	p.HideAxes()

	heat := plotter.NewHeatMap(grid, palette.Heat(16, 1))
	p.Add(heat)

	quiver := plotter.NewField(grid)
	quiver.LineStyle.Color = color.White
	quiver.LineStyle.Width = vg.Points(0.8)
	p.Add(quiver)

	p.X.Min, p.X.Max = 0, float64(field.Width)
	p.Y.Min, p.Y.Max = 0, float64(field.Height)
	return p, nil
}

// vectorGrid samples one plane of a field every step pixels. It serves as
// both the heat map (magnitude) and the quiver (direction) source.
type vectorGrid struct {
	plane      []float32
	width      int
	height     int
	step       int
	cols, rows int
}

func newVectorGrid(field *tensor.CombinedField, pair, plane, step int) *vectorGrid {
	if step < 1 {
		step = 1
	}
	return &vectorGrid{
		plane:  field.Plane(pair, plane),
		width:  field.Width,
		height: field.Height,
		step:   step,
		cols:   max(1, (field.Width+step-1)/step),
		rows:   max(1, (field.Height+step-1)/step),
	}
}

func (g *vectorGrid) Dims() (c, r int) { return g.cols, g.rows }

// at samples column c and row r, counting rows from the bottom of the image.
func (g *vectorGrid) at(c, r int) (dx, dy float64) {
	x, y := c*g.step, g.height-1-r*g.step
	i := (y*g.width + x) * 2
	return float64(g.plane[i]), float64(g.plane[i+1])
}

// Vector flips dy because image rows grow downwards.
func (g *vectorGrid) Vector(c, r int) plotter.XY {
	dx, dy := g.at(c, r)
	return plotter.XY{X: dx, Y: -dy}
}

func (g *vectorGrid) Z(c, r int) float64 {
	dx, dy := g.at(c, r)
	return math.Hypot(dx, dy)
}

func (g *vectorGrid) X(c int) float64 { return float64(c*g.step) + 0.5 }

func (g *vectorGrid) Y(r int) float64 { return float64(r*g.step) + 0.5 }
