package opamp

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// requiredSections are the top-level keys a collector config must carry.
// Validation is structural only; deep semantic checks belong to the
// collector itself.
var requiredSections = []string{"receivers", "exporters", "service"}

// ValidateCollectorConfig checks that the body is well-formed YAML with the
// required top-level sections.
func ValidateCollectorConfig(body string) error {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("empty document")
	}
	for _, section := range requiredSections {
		if _, ok := doc[section]; !ok {
			return fmt.Errorf("missing required section %q", section)
		}
	}
	return nil
}
