package privacy

import (
	"math"

	"github.com/google/differential-privacy/go/v2/noise"

	"github.com/inferloop/ehrprivacy/pkg/errors"
)

// Mechanism perturbs a true statistic with noise calibrated to its
// sensitivity and epsilon.
type Mechanism interface {
	Name() string
	AddNoise(value, sensitivity, epsilon float64) (float64, error)
	// ConfidenceInterval bounds the true value given a noisy one with
	// probability 1 - alpha.
	ConfidenceInterval(noisy, sensitivity, epsilon, alpha float64) (float64, float64, error)
}

// LaplaceMechanism draws Laplace noise with scale sensitivity/epsilon using
// the secure geometric sampler from the Google differential privacy library.
type LaplaceMechanism struct {
	noise noise.Noise
}

// NewLaplaceMechanism creates a new Laplace mechanism
func NewLaplaceMechanism() *LaplaceMechanism {
	return &LaplaceMechanism{noise: noise.Laplace()}
}

// Name returns the mechanism name
func (lm *LaplaceMechanism) Name() string {
	return "laplace"
}

// AddNoise adds Laplace noise to a single value. A zero sensitivity means no
// single record can move the statistic, so the value is returned as is.
func (lm *LaplaceMechanism) AddNoise(value, sensitivity, epsilon float64) (float64, error) {
	if err := validateNoiseParameters(sensitivity, epsilon); err != nil {
		return 0, err
	}
	if sensitivity == 0 {
		return value, nil
	}

	noisy, err := lm.noise.AddNoiseFloat64(value, 1, sensitivity, epsilon, 0)
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidParameter, "laplace noise rejected parameters")
	}
	return noisy, nil
}

func (lm *LaplaceMechanism) ConfidenceInterval(noisy, sensitivity, epsilon, alpha float64) (float64, float64, error) {
	if err := validateNoiseParameters(sensitivity, epsilon); err != nil {
		return 0, 0, err
	}
	if alpha <= 0 || alpha >= 1 {
		return 0, 0, errors.InvalidParameter("confidence_alpha", alpha, "must be within (0, 1)")
	}
	if sensitivity == 0 {
		return noisy, noisy, nil
	}

	ci, err := lm.noise.ComputeConfidenceIntervalFloat64(noisy, 1, sensitivity, epsilon, 0, alpha)
	if err != nil {
		return 0, 0, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidParameter, "laplace confidence interval rejected parameters")
	}
	return ci.LowerBound, ci.UpperBound, nil
}

// NoiseScale returns the Laplace scale b = sensitivity / epsilon.
func NoiseScale(sensitivity, epsilon float64) float64 {
	if epsilon <= 0 {
		return math.Inf(1)
	}
	return sensitivity / epsilon
}

func validateNoiseParameters(sensitivity, epsilon float64) error {
	if epsilon <= 0 || math.IsInf(epsilon, 0) || math.IsNaN(epsilon) {
		return errors.InvalidParameter("epsilon", epsilon, "epsilon must be positive and finite")
	}
	if sensitivity < 0 || math.IsInf(sensitivity, 0) || math.IsNaN(sensitivity) {
		return errors.UnboundedSensitivity("", "sensitivity must be non-negative and finite")
	}
	return nil
}
