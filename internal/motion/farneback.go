package motion

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"cellflow/internal/params"
	"cellflow/internal/tensor"
)

// farneback writes the (dx, dy) flow from prev to next into dst, which must
// hold rows*cols*2 values.
func farneback(prev, next gocv.Mat, p params.MotionParams, dst []float32) error {
	flow := gocv.NewMat()
	defer flow.Close()

	gocv.CalcOpticalFlowFarneback(prev, next, &flow,
		p.PyrScale, p.Levels, p.WinSize, p.Iterations, p.PolyN, p.PolySigma, p.Flags)
	if flow.Empty() {
		return fmt.Errorf("opencv returned no flow")
	}
	if flow.Type() != gocv.MatTypeCV32FC2 {
		return fmt.Errorf("unexpected flow type %v", flow.Type())
	}
	data, err := flow.DataPtrFloat32()
	if err != nil {
		return fmt.Errorf("read flow: %w", err)
	}
	if len(data) != len(dst) {
		return fmt.Errorf("flow has %d values, want %d", len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// Summary describes the displacement distribution of a field.
type Summary struct {
	Pairs         int     `json:"pairs"`
	MeanDX        float64 `json:"mean_dx"`
	MeanDY        float64 `json:"mean_dy"`
	MeanMagnitude float64 `json:"mean_magnitude"`
	StdMagnitude  float64 `json:"std_magnitude"`
	MaxMagnitude  float64 `json:"max_magnitude"`
}

// Summarize computes per-vector statistics over all pairs of f.
func Summarize(f *tensor.Field) Summary {
	s := Summary{Pairs: f.Pairs}
	n := len(f.Data) / 2
	if n == 0 {
		return s
	}
	dx := make([]float64, n)
	dy := make([]float64, n)
	mag := make([]float64, n)
	for i := 0; i < n; i++ {
		x, y := float64(f.Data[2*i]), float64(f.Data[2*i+1])
		dx[i], dy[i] = x, y
		mag[i] = math.Hypot(x, y)
	}
	s.MeanDX = stat.Mean(dx, nil)
	s.MeanDY = stat.Mean(dy, nil)
	s.MeanMagnitude, s.StdMagnitude = stat.MeanStdDev(mag, nil)
	s.MaxMagnitude = floats.Max(mag)
	if math.IsNaN(s.StdMagnitude) {
		s.StdMagnitude = 0
	}
	return s
}
