// Package motion computes dense Farneback optical flow over preprocessed
// channel stacks, one worker per frame or frame pair.
package motion

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"cellflow/internal/logging"
	"cellflow/internal/metrics"
	"cellflow/internal/params"
	"cellflow/internal/preprocess"
	"cellflow/internal/tensor"
)

// Stage names reported to logs and metrics.
const (
	StagePreprocess = "preprocess"
	StageMotion     = "motion"
)

// Frames is an ordered sequence of preprocessed frames. Index i is frame i.
type Frames []gocv.Mat

// Close releases every Mat.
func (f Frames) Close() {
	for i := range f {
		f[i].Close()
	}
}

// Engine runs the preprocessing and motion stages on a bounded worker pool.
type Engine struct {
	workers  int
	logger   *slog.Logger
	recorder metrics.Recorder
}

// NewEngine returns an engine with the given parallelism. workers < 1 means
// one worker per CPU. rec may be nil.
func NewEngine(workers int, logger *slog.Logger, rec metrics.Recorder) *Engine {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if rec == nil {
		rec = (*metrics.Metrics)(nil)
	}
	return &Engine{workers: workers, logger: logger, recorder: rec}
}

// run executes task(i) for i in [0,n) on the pool. The first failure cancels
// the remaining tasks and is returned.
func (e *Engine) run(ctx context.Context, stage string, n int, task func(ctx context.Context, i int) error) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return task(gctx, i)
		})
	}
	err := g.Wait()
	d := time.Since(start)
	logging.LogStage(e.logger, stage, n, d, err)
	e.recorder.ObserveStage(stage, n, d, err)
	return err
}

// PreprocessStack runs the filter chain over every frame of ch in parallel.
// On error no frames are returned.
func (e *Engine) PreprocessStack(ctx context.Context, ch *tensor.Channel, cfg params.PreprocessConfig) (Frames, error) {
	if ch == nil || ch.Frames < 1 {
		return nil, fmt.Errorf("%w: empty channel", tensor.ErrContract)
	}
	out := make(Frames, ch.Frames)
	for i := range out {
		out[i] = gocv.NewMat()
	}
	err := e.run(ctx, StagePreprocess, ch.Frames, func(_ context.Context, i int) error {
		src, err := preprocess.FromUint16(ch.Frame(i), ch.Height, ch.Width)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		defer src.Close()
		dst, err := preprocess.Process(src, cfg)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		out[i].Close()
		out[i] = dst
		return nil
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// Compute estimates the flow between every consecutive pair of frames. Frames
// may have any depth, so a chain that skips convert still runs. A single
// frame yields a field with zero pairs.
func (e *Engine) Compute(ctx context.Context, frames Frames, p params.MotionParams) (*tensor.Field, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames", tensor.ErrContract)
	}
	h, w := frames[0].Rows(), frames[0].Cols()
	for i, f := range frames {
		if f.Empty() || f.Channels() != 1 {
			return nil, fmt.Errorf("%w: frame %d is not single channel", tensor.ErrContract, i)
		}
		if f.Rows() != h || f.Cols() != w {
			return nil, fmt.Errorf("%w: frame %d is %dx%d, want %dx%d", tensor.ErrContract, i, f.Rows(), f.Cols(), h, w)
		}
	}

	field := tensor.NewField(len(frames)-1, h, w)
	err := e.run(ctx, StageMotion, field.Pairs, func(_ context.Context, i int) error {
		if err := farneback(frames[i], frames[i+1], p, field.Pair(i)); err != nil {
			return fmt.Errorf("pair %d: %w", i, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return field, nil
}

// ComputeChannel preprocesses ch and then computes its flow. Preprocessing
// completes for every frame before any pair is started.
func (e *Engine) ComputeChannel(ctx context.Context, ch *tensor.Channel, cfg params.StackTypeConfig) (*tensor.Field, error) {
	frames, err := e.PreprocessStack(ctx, ch, cfg.Process)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	defer frames.Close()
	field, err := e.Compute(ctx, frames, cfg.Flow)
	if err != nil {
		return nil, fmt.Errorf("motion: %w", err)
	}
	return field, nil
}

// Combine stacks two channel fields as (sum, a, b).
func (e *Engine) Combine(a, b *tensor.Field) (*tensor.CombinedField, error) {
	return tensor.Combine(a, b)
}
