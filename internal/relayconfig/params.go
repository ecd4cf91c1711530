package relayconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRuleParameters reads the flat ruleParameters file spec.md §3
// mentions without specifying its source (SPEC_FULL.md §5.2): a YAML
// map of arbitrary values resolved against a rule's {paramRef: <key>}
// placeholders at load time. A missing file yields an empty map, not an
// error — not every deployment needs parameterised rules.
func LoadRuleParameters(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("relayconfig: reading rule parameters %s: %w", path, err)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("relayconfig: parsing rule parameters %s: %w", path, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
