package resolve

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tidwall/gjson"
)

// TieBreak picks between two versions of the same array element.
type TieBreak interface {
	Pick(local, remote json.RawMessage) json.RawMessage
}

// HigherNumber keeps the element whose numeric Field is larger. Points only grow
// through verified completions, so the higher total is the more recent record.
type HigherNumber struct {
	Field string
}

func (h HigherNumber) Pick(local, remote json.RawMessage) json.RawMessage {
	l := gjson.GetBytes(local, h.Field)
	r := gjson.GetBytes(remote, h.Field)
	switch {
	case l.Type == gjson.Number && r.Type != gjson.Number:
		return local
	case r.Type == gjson.Number && l.Type != gjson.Number:
		return remote
	case l.Type == gjson.Number && l.Float() != r.Float():
		if l.Float() > r.Float() {
			return local
		}
		return remote
	}
	return pickNewest(local, remote)
}

// NewestElement keeps the element with the later embedded timestamp.
type NewestElement struct{}

func (NewestElement) Pick(local, remote json.RawMessage) json.RawMessage {
	return pickNewest(local, remote)
}

// PreferLocal always keeps the local element.
type PreferLocal struct{}

func (PreferLocal) Pick(local, _ json.RawMessage) json.RawMessage {
	return local
}

// ExprTieBreak keeps the local element when a boolean expression over local and
// remote holds, e.g. "local.points >= remote.points". Evaluation errors keep
// remote.
type ExprTieBreak struct {
	Source  string
	program *vm.Program
}

// CompileTieBreak compiles src into an ExprTieBreak.
func CompileTieBreak(src string) (*ExprTieBreak, error) {
	if src == "" {
		return nil, fmt.Errorf("tie-break expression must not be empty")
	}
	program, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile tie-break %q: %w", src, err)
	}
	return &ExprTieBreak{Source: src, program: program}, nil
}

func (e *ExprTieBreak) Pick(local, remote json.RawMessage) json.RawMessage {
	env := map[string]any{
		"local":  decodeAny(local),
		"remote": decodeAny(remote),
	}
	out, err := expr.Run(e.program, env)
	if err != nil {
		return remote
	}
	if keep, ok := out.(bool); ok && keep {
		return local
	}
	return remote
}

func decodeAny(raw json.RawMessage) any {
	var v any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return nil
	}
	return v
}
