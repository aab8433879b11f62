package rules

import (
	"fmt"

	"github.com/kingrea/The-Foreman/internal/router"
)

// RegisterRoutingRules discovers YAML and Go rule definitions under dir and
// installs them on the router in path order, so on-disk naming controls
// tie-break order between equal-priority rules.
func RegisterRoutingRules(r *router.Router, dir string) error {
	if r == nil {
		return nil
	}
	defs, err := loadAllRuleFiles(dir)
	if err != nil {
		return err
	}
	seen := make(map[string]string)
	for _, file := range defs {
		def := file.Definition
		if existing, ok := seen[def.ID]; ok {
			return fmt.Errorf("rule: duplicate rule id %s (%s and %s)", def.ID, existing, file.Path)
		}
		seen[def.ID] = file.Path
		r.AddRule(def.Compile())
	}
	return nil
}

func loadAllRuleFiles(dir string) ([]DefinitionFile, error) {
	yamlDefs, err := LoadRuleDir(dir)
	if err != nil {
		return nil, err
	}
	goDefs, err := LoadGoRuleDir(dir)
	if err != nil {
		return nil, err
	}
	return append(yamlDefs, goDefs...), nil
}
