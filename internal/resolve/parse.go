package resolve

import (
	"fmt"
	"strings"
)

// Parse builds a Strategy from its configuration form:
//
//	remote-wins | newest-wins | set-union | map-merge | manual
//	array-by-id                      local element wins
//	array-by-id:newest               newer element wins
//	array-by-id:higher=points        larger numeric member wins
//	array-by-id:expr=<expression>    local wins when the expression holds
//
// An optional "@key" after array-by-id selects the id member, e.g.
// "array-by-id@sku:newest".
func Parse(def string) (Strategy, error) {
	def = strings.TrimSpace(def)
	head, arg, _ := strings.Cut(def, ":")

	switch head {
	case "remote-wins", "":
		return RemoteWins{}, nil
	case "newest-wins":
		return NewestWins{}, nil
	case "set-union":
		return SetUnion{}, nil
	case "map-merge":
		return MapMerge{}, nil
	case "manual":
		return Manual{}, nil
	}

	name, key, _ := strings.Cut(head, "@")
	if name != "array-by-id" {
		return nil, fmt.Errorf("unknown strategy %q", def)
	}
	tb, err := parseTieBreak(arg)
	if err != nil {
		return nil, err
	}
	return ArrayByID{Key: key, TieBreak: tb}, nil
}

func parseTieBreak(arg string) (TieBreak, error) {
	kind, value, _ := strings.Cut(arg, "=")
	switch strings.TrimSpace(kind) {
	case "", "local":
		return PreferLocal{}, nil
	case "newest":
		return NewestElement{}, nil
	case "higher":
		if value == "" {
			return nil, fmt.Errorf("higher tie-break needs a field name")
		}
		return HigherNumber{Field: strings.TrimSpace(value)}, nil
	case "expr":
		return CompileTieBreak(strings.TrimSpace(value))
	}
	return nil, fmt.Errorf("unknown tie-break %q", arg)
}

// Rule binds a field name (or "prefix/") to a strategy in configuration form.
type Rule struct {
	Field    string `mapstructure:"field" yaml:"field" toml:"field"`
	Strategy string `mapstructure:"strategy" yaml:"strategy" toml:"strategy"`
}

// Load registers rules on r in order, failing on the first invalid entry.
func (r *Resolver) Load(rules []Rule) error {
	for _, rule := range rules {
		if rule.Field == "" {
			return fmt.Errorf("conflict rule %q: field is required", rule.Strategy)
		}
		s, err := Parse(rule.Strategy)
		if err != nil {
			return fmt.Errorf("conflict rule %s: %w", rule.Field, err)
		}
		r.Register(rule.Field, s)
	}
	return nil
}
