package trip

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GeneratorSpec is the on-disk description of a synthetic profile,
// loadable by the binary
type GeneratorSpec struct {
	Kind            string  `yaml:"kind"`
	DurationMin     float64 `yaml:"duration_min"`
	StartSOC        float64 `yaml:"start_soc"`
	StartOdometerKm uint32  `yaml:"start_odometer_km"`
	Seed            int64   `yaml:"seed"`
}

// LoadGeneratorSpec reads a yaml generator description
func LoadGeneratorSpec(path string) (*GeneratorSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec := &GeneratorSpec{}
	if err := yaml.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("trip: invalid generator spec : %w", err)
	}
	return spec, nil
}

// Generate runs the described generator
func (s *GeneratorSpec) Generate() (*Profile, error) {
	return Generate(s.Kind, Params{
		Duration:      time.Duration(s.DurationMin * float64(time.Minute)),
		StartSOC:      s.StartSOC,
		StartOdometer: s.StartOdometerKm,
		Seed:          s.Seed,
	})
}
