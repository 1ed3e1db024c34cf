package backend

import (
	"testing"

	"go.viam.com/test"
)

func TestLoadConfigOverridesDefaultsFromMap(t *testing.T) {
	cfg, err := LoadConfig(map[string]interface{}{
		"chi2_th":                     10.0,
		"min_covisibility_weight":     20,
		"re_match_descriptor_distance": 40.0,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Chi2Threshold, test.ShouldEqual, 10.0)
	test.That(t, cfg.MinCovisibilityWeight, test.ShouldEqual, 20)
	test.That(t, cfg.ReMatchDescriptorDistance, test.ShouldEqual, 40.0)
	test.That(t, cfg.BundleIterations, test.ShouldEqual, DefaultConfig().BundleIterations)
}

func TestLoadConfigEmptyMapKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(map[string]interface{}{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, DefaultConfig())
}

func TestLoadConfigRejectsInvalidDecodedValue(t *testing.T) {
	_, err := LoadConfig(map[string]interface{}{"chi2_th": -1.0})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDefaultConfigValidates(t *testing.T) {
	test.That(t, DefaultConfig().Validate(), test.ShouldBeNil)
}

func TestValidateRejectsNonPositiveFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BundleIterations = 0
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}
