// Package trajectory derives trajectories from stored motion fields.
//
// Particle tracking is not implemented: Derive returns a copy of the source
// field so the trajectory artifact family, naming and lineage are exercised
// end to end.
package trajectory

import (
	"fmt"

	"cellflow/internal/params"
	"cellflow/internal/tensor"
)

// Derive computes a trajectory from field under cfg.
func Derive(field *tensor.CombinedField, _ params.TrajectoryConfig) (*tensor.CombinedField, error) {
	if field == nil {
		return nil, fmt.Errorf("%w: nil field", tensor.ErrContract)
	}
	if want := field.Pairs * tensor.CombinedPlanes * field.Height * field.Width * 2; len(field.Data) != want {
		return nil, fmt.Errorf("%w: field data has %d values, want %d", tensor.ErrContract, len(field.Data), want)
	}
	out := *field
	out.Data = append([]float32(nil), field.Data...)
	return &out, nil
}
