// Package preprocess applies the per-frame filter chain that prepares raw
// microscopy frames for optical flow.
package preprocess

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"cellflow/internal/params"
)

// ErrUnsupportedFrame is returned for frame/step combinations OpenCV cannot run.
var ErrUnsupportedFrame = errors.New("unsupported frame for preprocessing step")

// FromUint16 builds a single channel 16 bit Mat that owns a copy of data.
func FromUint16(data []uint16, height, width int) (gocv.Mat, error) {
	if len(data) != height*width {
		return gocv.NewMat(), fmt.Errorf("frame has %d samples, want %dx%d", len(data), height, width)
	}
	buf := make([]byte, len(data)*2)
	for i, v := range data {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	view, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV16UC1, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("wrap frame: %w", err)
	}
	defer view.Close()
	return view.Clone(), nil
}

// Process runs the enabled steps of cfg over frame in fixed order:
// laplace, gauss, median, normalize, convert. The input is left untouched and
// the caller owns the returned Mat.
func Process(frame gocv.Mat, cfg params.PreprocessConfig) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: empty frame", ErrUnsupportedFrame)
	}

	cur := frame.Clone()
	step := func(name string, apply func(src gocv.Mat, dst *gocv.Mat) error) error {
		if cfg.Skips(name) {
			return nil
		}
		dst := gocv.NewMat()
		if err := apply(cur, &dst); err != nil {
			dst.Close()
			return fmt.Errorf("%s: %w", name, err)
		}
		if dst.Empty() {
			dst.Close()
			return fmt.Errorf("%s: opencv produced an empty frame", name)
		}
		cur.Close()
		cur = dst
		return nil
	}

	steps := []struct {
		name  string
		apply func(src gocv.Mat, dst *gocv.Mat) error
	}{
		{params.StepLaplace, func(src gocv.Mat, dst *gocv.Mat) error {
			// Laplacian of Gaussian: smooth at sigma, then a float Laplacian so
			// negative responses survive.
			blurred := gocv.NewMat()
			defer blurred.Close()
			sigma := cfg.Laplace.Sigma
			gocv.GaussianBlur(src, &blurred, image.Point{}, sigma, sigma, gocv.BorderReflect101)
			gocv.Laplacian(blurred, dst, gocv.MatTypeCV32F, 1, 1, 0, gocv.BorderReflect101)
			return nil
		}},
		{params.StepGauss, func(src gocv.Mat, dst *gocv.Mat) error {
			k := image.Pt(cfg.Gauss.KSize[0], cfg.Gauss.KSize[1])
			gocv.GaussianBlur(src, dst, k, cfg.Gauss.SigmaX, 0, gocv.BorderDefault)
			return nil
		}},
		{params.StepMedian, func(src gocv.Mat, dst *gocv.Mat) error {
			if cfg.Median.KSize > params.MaxMedianKSize && src.Type() != gocv.MatTypeCV8UC1 {
				return fmt.Errorf("%w: median ksize %d needs an 8 bit frame", ErrUnsupportedFrame, cfg.Median.KSize)
			}
			gocv.MedianBlur(src, dst, cfg.Median.KSize)
			return nil
		}},
		{params.StepNormalize, func(src gocv.Mat, dst *gocv.Mat) error {
			n := cfg.Normalize
			gocv.Normalize(src, dst, n.Alpha, n.Beta, gocv.NormType(n.NormType))
			return nil
		}},
		{params.StepConvert, func(src gocv.Mat, dst *gocv.Mat) error {
			gocv.ConvertScaleAbs(src, dst, 1, 0)
			return nil
		}},
	}

	for _, s := range steps {
		if err := step(s.name, s.apply); err != nil {
			cur.Close()
			return gocv.NewMat(), err
		}
	}
	return cur, nil
}
