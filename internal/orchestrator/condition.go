package orchestrator

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/dop251/goja"

	"github.com/starthubhq/cli/internal/template"
)

// evaluateWhen is the supplemental Step.When conditional-execution feature
// (SPEC_FULL.md), adapted directly from
// flowjs-works/engine/internal/engine/executor.go's evaluateCondition: every
// "{{expr}}" token in expr is resolved against env and substituted as a JS
// literal, then the fully-substituted text is run through a fresh goja VM
// and coerced to bool. Any resolution or evaluation failure yields false —
// same as the teacher's function — since a step gated on a value that
// cannot be resolved should be skipped, not crash the run.
func evaluateWhen(expr string, env template.Environment) bool {
	var resolveErr error
	substituted := template.ExprPattern.ReplaceAllStringFunc(expr, func(tok string) string {
		if resolveErr != nil {
			return ""
		}
		m := template.ExprPattern.FindStringSubmatch(tok)
		val, err := template.ResolveExpr(m[1], env)
		if err != nil {
			resolveErr = err
			return ""
		}
		return conditionLiteral(val)
	})
	if resolveErr != nil {
		return false
	}

	vm := goja.New()
	result, err := vm.RunString(substituted)
	if err != nil {
		return false
	}
	return result.ToBoolean()
}

// conditionLiteral renders v as a JS literal token, matching executor.go's
// evaluateCondition switch exactly (strings JSON-quoted, unlike the value
// template engine's bare-string interpolation, since these tokens are
// spliced into executable JS text rather than literal prose).
func conditionLiteral(v interface{}) string {
	switch x := v.(type) {
	case string:
		b, _ := json.Marshal(x)
		return string(b)
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "null"
		}
		return string(b)
	}
}
