package backend

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"go.viam.com/slamcore/slamerrors"
)

// Config holds the backend's tunable parameters, decoded from an external
// configuration loader via mapstructure.
type Config struct {
	Chi2Threshold             float64 `mapstructure:"chi2_th"`
	ReMatchDescriptorDistance float64 `mapstructure:"re_match_descriptor_distance"`
	MinCovisibilityWeight     int     `mapstructure:"min_covisibility_weight"`
	BundleIterations          int     `mapstructure:"bundle_iterations"`
}

// DefaultConfig returns the backend's default parameters. 5.991 is the
// standard chi-square 95% threshold for a 2-DoF reprojection residual, the
// value ORB-SLAM-derived systems use.
func DefaultConfig() Config {
	return Config{
		Chi2Threshold:             5.991,
		ReMatchDescriptorDistance: 50,
		MinCovisibilityWeight:     15,
		BundleIterations:          10,
	}
}

// LoadConfig decodes raw (typically the attributes map of a resource's
// on-disk JSON config) onto a copy of DefaultConfig and validates the
// result. Unset fields keep their default.
func LoadConfig(raw map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  &cfg,
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "building config decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, errors.Wrap(err, "decoding backend config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports whether every field is a physically sensible positive
// value.
func (c Config) Validate() error {
	if c.Chi2Threshold <= 0 {
		return errors.Wrapf(slamerrors.ErrInvalidConfig, "chi2_th=%v", c.Chi2Threshold)
	}
	if c.ReMatchDescriptorDistance <= 0 {
		return errors.Wrapf(slamerrors.ErrInvalidConfig, "re_match_descriptor_distance=%v", c.ReMatchDescriptorDistance)
	}
	if c.MinCovisibilityWeight <= 0 {
		return errors.Wrapf(slamerrors.ErrInvalidConfig, "min_covisibility_weight=%v", c.MinCovisibilityWeight)
	}
	if c.BundleIterations <= 0 {
		return errors.Wrapf(slamerrors.ErrInvalidConfig, "bundle_iterations=%v", c.BundleIterations)
	}
	return nil
}
