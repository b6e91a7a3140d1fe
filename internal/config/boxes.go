package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/velmie/boxrelay"
)

// BoxesFile is the YAML document listing the boxes a process relays.
type BoxesFile struct {
	Boxes []BoxSpec `yaml:"boxes"`
}

// BoxSpec is one box entry of the boxes file.
type BoxSpec struct {
	Name              string                  `yaml:"name"`
	Kind              string                  `yaml:"kind"`
	Table             string                  `yaml:"table"`
	BucketSize        int                     `yaml:"bucket_size"`
	PartitionSize     int                     `yaml:"partition_size"`
	PartitionStrategy string                  `yaml:"partition_strategy"`
	MaxRetries        int                     `yaml:"max_retries"`
	Retention         time.Duration           `yaml:"retention"`
	RetryStrategies   []boxrelay.StrategySpec `yaml:"retry_strategies"`
	StrictOrder       bool                    `yaml:"strict_order"`
	// PollingEnabled defaults to true.
	PollingEnabled *bool                  `yaml:"polling_enabled"`
	DefaultOptions map[string]interface{} `yaml:"default_options"`
	Transport      TransportSpec          `yaml:"transport"`
}

// TransportSpec routes a box to an AMQP exchange.
type TransportSpec struct {
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Mandatory  bool   `yaml:"mandatory"`
	Transient  bool   `yaml:"transient"`
}

// LoadBoxes reads and validates a boxes file.
func LoadBoxes(path string) (BoxesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BoxesFile{}, fmt.Errorf("read boxes file: %w", err)
	}

	return ParseBoxes(data)
}

// ParseBoxes decodes a boxes document and validates every box, resolving its retry
// strategies so unknown names fail at startup.
func ParseBoxes(data []byte) (BoxesFile, error) {
	var f BoxesFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return BoxesFile{}, fmt.Errorf("%w: %v", ErrInvalidBoxes, err)
	}
	if len(f.Boxes) == 0 {
		return BoxesFile{}, fmt.Errorf("%w: no boxes", ErrInvalidBoxes)
	}

	seen := make(map[string]struct{}, len(f.Boxes))
	for i := range f.Boxes {
		spec := &f.Boxes[i]
		if _, dup := seen[spec.Name]; dup {
			return BoxesFile{}, fmt.Errorf("%w: duplicate box %q", ErrInvalidBoxes, spec.Name)
		}
		seen[spec.Name] = struct{}{}

		spec.DefaultOptions = normalizeMap(spec.DefaultOptions)
		if _, err := boxrelay.NewBox(spec.BoxConfig()); err != nil {
			return BoxesFile{}, fmt.Errorf("%w: box %q: %v", ErrInvalidBoxes, spec.Name, err)
		}
	}

	return f, nil
}

// BoxConfig maps the entry onto a boxrelay configuration.
func (s BoxSpec) BoxConfig() boxrelay.BoxConfig {
	return boxrelay.BoxConfig{
		Name:              s.Name,
		Kind:              boxrelay.Kind(s.Kind),
		Table:             s.Table,
		BucketSize:        s.BucketSize,
		PartitionSize:     s.PartitionSize,
		PartitionStrategy: boxrelay.PartitionStrategy(s.PartitionStrategy),
		MaxRetries:        s.MaxRetries,
		Retention:         s.Retention,
		RetryStrategies:   s.RetryStrategies,
		StrictOrder:       s.StrictOrder,
		DefaultOptions:    s.DefaultOptions,
	}
}

// Polling reports the polling_enabled flag of the entry.
func (s BoxSpec) Polling() bool {
	return s.PollingEnabled == nil || *s.PollingEnabled
}

// PollingEnabled returns the live polling_enabled lookup of the file; unknown boxes are
// enabled.
func (f BoxesFile) PollingEnabled() func(box string) bool {
	enabled := make(map[string]bool, len(f.Boxes))
	for _, spec := range f.Boxes {
		enabled[spec.Name] = spec.Polling()
	}

	return func(box string) bool {
		on, ok := enabled[box]
		return !ok || on
	}
}

// normalizeMap turns the interface-keyed maps yaml.v2 produces into string-keyed ones.
func normalizeMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}

	return out
}

func normalizeValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case map[string]interface{}:
		return normalizeMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
