package cost

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type pricingFile struct {
	Models map[string]ModelPricing `yaml:"models"`
}

// LoadFile merges a YAML price table into the calculator:
//
//	models:
//	  claude-sonnet-4-5:
//	    input_per_million: "3"
//	    output_per_million: "15"
func (c *Calculator) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	return c.loadYAML(data)
}

func (c *Calculator) loadYAML(data []byte) error {
	var f pricingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}
	for model, p := range f.Models {
		c.SetPricing(model, p)
	}
	return nil
}
