// Package risk scores a transaction before any funds move. A ruleset is an
// ordered list of weighted CEL predicates; the score is the capped sum of
// the weights that fire, and thresholds turn the score into allow,
// challenge, or block. Scoring is deterministic for a fixed ruleset and
// input, and fails closed on any internal error.
package risk

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// EngineVersion is checked against a ruleset's min_engine requirement.
const EngineVersion = "1.2.0"

//go:embed ruleset_schema.json
var rulesetSchemaJSON string

//go:embed default_ruleset.yaml
var defaultRulesetYAML []byte

// Rule is one weighted predicate over the scoring variables.
type Rule struct {
	ID          string  `yaml:"id" json:"id"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Weight      float64 `yaml:"weight" json:"weight"`
	Expr        string  `yaml:"expr" json:"expr"`
}

// Ruleset is an ordered rule list with version gating.
type Ruleset struct {
	Version   string `yaml:"version" json:"version"`
	MinEngine string `yaml:"min_engine,omitempty" json:"min_engine,omitempty"`
	Rules     []Rule `yaml:"rules" json:"rules"`
}

var rulesetSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://keelpay.schemas.local/risk/ruleset.schema.json"
	if err := c.AddResource(url, strings.NewReader(rulesetSchemaJSON)); err != nil {
		panic(fmt.Sprintf("risk: embedded ruleset schema: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("risk: embedded ruleset schema: %v", err))
	}
	return s
}

// ParseRuleset decodes and validates a YAML ruleset document. The document
// must satisfy the embedded JSON Schema, carry unique rule IDs, and not
// demand a newer engine than this one.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}
	if err := rulesetSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("ruleset schema: %w", err)
	}

	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}

	if rs.MinEngine != "" {
		req, err := semver.NewVersion(rs.MinEngine)
		if err != nil {
			return nil, fmt.Errorf("ruleset min_engine %q: %w", rs.MinEngine, err)
		}
		if semver.MustParse(EngineVersion).LessThan(req) {
			return nil, fmt.Errorf("ruleset requires engine >= %s, running %s", rs.MinEngine, EngineVersion)
		}
	}

	seen := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		if seen[r.ID] {
			return nil, fmt.Errorf("ruleset: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}

	return &rs, nil
}

// DefaultRuleset returns the ruleset shipped with the engine.
func DefaultRuleset() *Ruleset {
	rs, err := ParseRuleset(defaultRulesetYAML)
	if err != nil {
		panic(fmt.Sprintf("risk: embedded default ruleset: %v", err))
	}
	return rs
}
