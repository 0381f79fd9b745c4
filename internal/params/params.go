// Package params defines the per-stack-type processing configuration and the
// registry that persists it.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidConfig is returned when a config record fails validation.
var ErrInvalidConfig = errors.New("invalid stack type config")

// Preprocessing step names, in execution order.
const (
	StepLaplace   = "laplace"
	StepGauss     = "gauss"
	StepMedian    = "median"
	StepNormalize = "normalize"
	StepConvert   = "convert"
)

// Steps lists the preprocessing steps in the order they run.
var Steps = []string{StepLaplace, StepGauss, StepMedian, StepNormalize, StepConvert}

// MaxMedianKSize is the largest median kernel OpenCV accepts for 16 and 32
// bit frames.
const MaxMedianKSize = 5

// OpenCV constants mirrored here so the registry does not need cgo.
const (
	NormMinMax        = 32
	FarnebackGaussian = 256
	useInitialFlow    = 4
)

type LaplaceParams struct {
	Sigma float64 `json:"sigma"`
}

type GaussParams struct {
	KSize  [2]int  `json:"ksize"`
	SigmaX float64 `json:"sigmaX"`
}

type MedianParams struct {
	KSize int `json:"ksize"`
}

type NormalizeParams struct {
	Alpha    float64 `json:"alpha"`
	Beta     float64 `json:"beta"`
	NormType int     `json:"norm_type"`
}

// PreprocessConfig is the filter chain applied to every frame before motion
// estimation. Steps named in Skip are not run.
type PreprocessConfig struct {
	Laplace   LaplaceParams   `json:"laplace"`
	Gauss     GaussParams     `json:"gauss"`
	Median    MedianParams    `json:"median"`
	Normalize NormalizeParams `json:"normalize"`
	Skip      []string        `json:"skip"`
}

// Skips reports whether step is disabled.
func (p PreprocessConfig) Skips(step string) bool {
	return slices.Contains(p.Skip, step)
}

// MotionParams are the Farneback dense optical flow parameters.
type MotionParams struct {
	PyrScale   float64 `json:"pyr_scale"`
	Levels     int     `json:"levels"`
	WinSize    int     `json:"winsize"`
	Iterations int     `json:"iterations"`
	PolyN      int     `json:"poly_n"`
	PolySigma  float64 `json:"poly_sigma"`
	Flags      int     `json:"flags"`
}

// UnmarshalJSON accepts the legacy "flag" key alongside "flags".
func (m *MotionParams) UnmarshalJSON(data []byte) error {
	type plain MotionParams
	var aux struct {
		plain
		Flag *int `json:"flag"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = MotionParams(aux.plain)
	if aux.Flag != nil && !hasKey(data, "flags") {
		m.Flags = *aux.Flag
	}
	return nil
}

// TrajectoryConfig is reserved for the trajectory stage.
type TrajectoryConfig struct{}

// StackTypeConfig is everything needed to process one stack type.
type StackTypeConfig struct {
	Process    PreprocessConfig `json:"process"`
	Flow       MotionParams     `json:"flow"`
	Trajectory TrajectoryConfig `json:"trajectory"`
}

// UnmarshalJSON accepts the legacy "opt_flow" key alongside "flow".
func (c *StackTypeConfig) UnmarshalJSON(data []byte) error {
	type plain StackTypeConfig
	var aux struct {
		plain
		OptFlow *MotionParams `json:"opt_flow"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = StackTypeConfig(aux.plain)
	if aux.OptFlow != nil && !hasKey(data, "flow") {
		c.Flow = *aux.OptFlow
	}
	return nil
}

func hasKey(data []byte, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// Defaults returns a fresh copy of the compiled-in defaults.
func Defaults() StackTypeConfig {
	return StackTypeConfig{
		Process: PreprocessConfig{
			Laplace:   LaplaceParams{Sigma: 1.0},
			Gauss:     GaussParams{KSize: [2]int{5, 5}, SigmaX: 1.5},
			Median:    MedianParams{KSize: 5},
			Normalize: NormalizeParams{Alpha: 0, Beta: 255, NormType: NormMinMax},
			Skip:      []string{},
		},
		Flow: MotionParams{
			PyrScale:   0.5,
			Levels:     3,
			WinSize:    15,
			Iterations: 3,
			PolyN:      5,
			PolySigma:  1.2,
			Flags:      0,
		},
	}
}

// Clone returns a deep copy.
func (c StackTypeConfig) Clone() StackTypeConfig {
	out := c
	out.Process.Skip = append([]string{}, c.Process.Skip...)
	return out
}

// Validate checks every record of the config.
func (c StackTypeConfig) Validate() error {
	if err := c.Process.Validate(); err != nil {
		return err
	}
	return c.Flow.Validate()
}

func (p PreprocessConfig) Validate() error {
	for _, s := range p.Skip {
		if !slices.Contains(Steps, s) {
			return fmt.Errorf("%w: unknown preprocessing step %q", ErrInvalidConfig, s)
		}
	}
	if !p.Skips(StepLaplace) && p.Laplace.Sigma <= 0 {
		return fmt.Errorf("%w: laplace sigma must be positive, got %g", ErrInvalidConfig, p.Laplace.Sigma)
	}
	if !p.Skips(StepGauss) {
		for _, k := range p.Gauss.KSize {
			if k < 1 || k%2 == 0 {
				return fmt.Errorf("%w: gauss ksize must be odd and positive, got %v", ErrInvalidConfig, p.Gauss.KSize)
			}
		}
		if p.Gauss.SigmaX < 0 {
			return fmt.Errorf("%w: gauss sigmaX must not be negative", ErrInvalidConfig)
		}
	}
	if !p.Skips(StepMedian) && (p.Median.KSize < 3 || p.Median.KSize%2 == 0) {
		return fmt.Errorf("%w: median ksize must be odd and at least 3, got %d", ErrInvalidConfig, p.Median.KSize)
	}
	// Frames reach the median step as 16 or 32 bit.
	if !p.Skips(StepMedian) && p.Median.KSize > MaxMedianKSize {
		return fmt.Errorf("%w: median ksize must be at most %d, got %d", ErrInvalidConfig, MaxMedianKSize, p.Median.KSize)
	}
	if !p.Skips(StepNormalize) {
		switch p.Normalize.NormType {
		case 1, 2, 4, NormMinMax: // INF, L1, L2, MINMAX
		default:
			return fmt.Errorf("%w: unsupported norm_type %d", ErrInvalidConfig, p.Normalize.NormType)
		}
	}
	return nil
}

func (m MotionParams) Validate() error {
	switch {
	case m.PyrScale <= 0 || m.PyrScale >= 1:
		return fmt.Errorf("%w: pyr_scale must be in (0,1), got %g", ErrInvalidConfig, m.PyrScale)
	case m.Levels < 1:
		return fmt.Errorf("%w: levels must be at least 1, got %d", ErrInvalidConfig, m.Levels)
	case m.WinSize < 1:
		return fmt.Errorf("%w: winsize must be at least 1, got %d", ErrInvalidConfig, m.WinSize)
	case m.Iterations < 1:
		return fmt.Errorf("%w: iterations must be at least 1, got %d", ErrInvalidConfig, m.Iterations)
	case m.PolyN != 5 && m.PolyN != 7:
		return fmt.Errorf("%w: poly_n must be 5 or 7, got %d", ErrInvalidConfig, m.PolyN)
	case m.PolySigma <= 0:
		return fmt.Errorf("%w: poly_sigma must be positive, got %g", ErrInvalidConfig, m.PolySigma)
	case m.Flags&useInitialFlow != 0:
		return fmt.Errorf("%w: USE_INITIAL_FLOW is not supported", ErrInvalidConfig)
	case m.Flags&^FarnebackGaussian != 0:
		return fmt.Errorf("%w: unknown flow flags %d", ErrInvalidConfig, m.Flags)
	}
	return nil
}
