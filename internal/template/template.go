// Package template implements the {{path.to.value[idx]}} expression
// language (spec §4.3) and the preorder JSON template walk that substitutes
// it into value templates.
//
// This generalizes flowjs-works/engine/internal/models/context.go's
// GetValue/ResolveInputMapping from its "$.a.b.c" JSONPath-ish dialect (one
// fixed root shaped like {trigger, nodes}) to spec's "{{a.b[0].c}}" dialect
// over an arbitrary, caller-supplied Environment — the hand-rolled,
// regex-assisted path walk is kept exactly as the teacher wrote it; only the
// syntax and the root-resolution step change.
package template

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Environment maps root names ("inputs", or a node's id/original name) to
// the JSON value they resolve to.
type Environment map[string]interface{}

var (
	fullExprRe = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	exprRe     = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	segmentRe  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)((?:\[\d+\])*)$`)
	indexRe    = regexp.MustCompile(`\[(\d+)\]`)
)

type pathSegment struct {
	key     string
	indices []int
}

func parsePath(expr string) ([]pathSegment, error) {
	parts := strings.Split(strings.TrimSpace(expr), ".")
	segs := make([]pathSegment, 0, len(parts))
	for _, p := range parts {
		m := segmentRe.FindStringSubmatch(p)
		if m == nil {
			return nil, fmt.Errorf("malformed path segment %q", p)
		}
		var idxs []int
		for _, im := range indexRe.FindAllStringSubmatch(m[2], -1) {
			n, _ := strconv.Atoi(im[1])
			idxs = append(idxs, n)
		}
		segs = append(segs, pathSegment{key: m[1], indices: idxs})
	}
	return segs, nil
}

func applyIndices(val interface{}, indices []int, expr, atSeg string) (interface{}, error) {
	cur := val
	for _, idx := range indices {
		arr, ok := cur.([]interface{})
		if !ok {
			return nil, &PathError{Expr: expr, AtSegment: atSeg}
		}
		if idx < 0 || idx >= len(arr) {
			return nil, &PathError{Expr: expr, AtSegment: atSeg}
		}
		cur = arr[idx]
	}
	return cur, nil
}

// ResolveExpr resolves a single "a.b[0].c" expression against env
// (§4.3 Resolution algorithm).
func ResolveExpr(expr string, env Environment) (interface{}, error) {
	segs, err := parsePath(expr)
	if err != nil || len(segs) == 0 {
		return nil, &UnresolvedReference{Expr: expr}
	}

	root, ok := env[segs[0].key]
	if !ok {
		return nil, &UnresolvedReference{Expr: expr}
	}
	cur, err := applyIndices(root, segs[0].indices, expr, segs[0].key)
	if err != nil {
		return nil, err
	}

	for _, seg := range segs[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, &PathError{Expr: expr, AtSegment: seg.key}
		}
		val, ok := m[seg.key]
		if !ok {
			return nil, &PathError{Expr: expr, AtSegment: seg.key}
		}
		cur, err = applyIndices(val, seg.indices, expr, seg.key)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// stringify renders a resolved value for interpolation amongst literal text,
// applying the tie-break rules from §4.3: numbers in canonical decimal form,
// booleans as true/false, null as the empty string, and mappings/sequences
// as compact JSON.
func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
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
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// resolveStringLeaf applies the two substitution rules of §4.3 to a single
// string leaf: exact "{{expr}}" yields the raw JSON value; interpolation
// amongst literal text yields a stringified concatenation.
func resolveStringLeaf(s string, env Environment) (interface{}, error) {
	if m := fullExprRe.FindStringSubmatch(s); m != nil {
		return ResolveExpr(m[1], env)
	}
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var resolveErr error
	out := exprRe.ReplaceAllStringFunc(s, func(tok string) string {
		if resolveErr != nil {
			return ""
		}
		m := exprRe.FindStringSubmatch(tok)
		val, err := ResolveExpr(m[1], env)
		if err != nil {
			resolveErr = err
			return ""
		}
		return stringify(val)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

// ExprPattern is the "{{expr}}" token pattern, exported so other packages
// (the orchestrator's "when" condition evaluator) can scan for the same
// tokens this package resolves, without duplicating the regex.
var ExprPattern = exprRe

// Resolve walks an already-decoded JSON value preorder, copying maps and
// sequences and rewriting string leaves per the substitution rules (§4.3
// Template walk). It is pure: no side effects, deterministic.
func Resolve(tmpl interface{}, env Environment) (interface{}, error) {
	switch v := tmpl.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			r, err := Resolve(val, env)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			r, err := Resolve(val, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		return resolveStringLeaf(v, env)
	default:
		return v, nil
	}
}

// ResolveBytes decodes raw as JSON and resolves it against env in one step.
func ResolveBytes(raw json.RawMessage, env Environment) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("template: decode template: %w", err)
	}
	return Resolve(v, env)
}

// Roots returns the set of distinct root names referenced anywhere within
// tmpl's string leaves. Used by the data-flow graph (§4.5) to derive edges
// without re-resolving the whole template.
func Roots(tmpl interface{}) (map[string]bool, error) {
	roots := make(map[string]bool)
	var walk func(interface{}) error
	walk = func(v interface{}) error {
		switch x := v.(type) {
		case map[string]interface{}:
			for _, val := range x {
				if err := walk(val); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, val := range x {
				if err := walk(val); err != nil {
					return err
				}
			}
		case string:
			for _, m := range exprRe.FindAllStringSubmatch(x, -1) {
				segs, err := parsePath(m[1])
				if err != nil || len(segs) == 0 {
					return fmt.Errorf("template: malformed expression %q", m[1])
				}
				roots[segs[0].key] = true
			}
		}
		return nil
	}
	if err := walk(tmpl); err != nil {
		return nil, err
	}
	return roots, nil
}

// FullExpr reports whether s is exactly "{{expr}}" with no surrounding
// literal text, returning the inner expression when so.
func FullExpr(s string) (expr string, ok bool) {
	m := fullExprRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// SplitRoot parses expr and splits it into its root segment (identifier
// plus any index suffixes on that first segment) and the dotted remainder,
// which is empty when expr names only its root.
func SplitRoot(expr string) (root string, rest string, err error) {
	segs, err := parsePath(expr)
	if err != nil || len(segs) == 0 {
		return "", "", fmt.Errorf("template: malformed expression %q", expr)
	}
	parts := make([]string, len(segs)-1)
	for i, s := range segs[1:] {
		parts[i] = renderSegment(s)
	}
	return renderSegment(segs[0]), strings.Join(parts, "."), nil
}

func renderSegment(s pathSegment) string {
	var b strings.Builder
	b.WriteString(s.key)
	for _, idx := range s.indices {
		fmt.Fprintf(&b, "[%d]", idx)
	}
	return b.String()
}

// RewriteTemplate walks tmpl preorder and rewrites every "{{expr}}"
// occurrence by calling rewrite(expr) for its replacement expression text.
// Used by the composition flattener to re-root expressions written in an
// inner composition's vocabulary into the flattened world (§4.4 scope-rewrite
// map). Unlike Resolve, the result is always a template, never a value:
// each token is replaced in place by "{{newExpr}}", and any literal text
// around it in the string leaf is kept unchanged.
func RewriteTemplate(tmpl interface{}, rewrite func(expr string) (string, error)) (interface{}, error) {
	switch v := tmpl.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			r, err := RewriteTemplate(val, rewrite)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			r, err := RewriteTemplate(val, rewrite)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		return rewriteStringLeaf(v, rewrite)
	default:
		return v, nil
	}
}

func rewriteStringLeaf(s string, rewrite func(string) (string, error)) (interface{}, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	var rewriteErr error
	out := exprRe.ReplaceAllStringFunc(s, func(tok string) string {
		if rewriteErr != nil {
			return ""
		}
		m := exprRe.FindStringSubmatch(tok)
		newExpr, err := rewrite(m[1])
		if err != nil {
			rewriteErr = err
			return ""
		}
		return "{{" + newExpr + "}}"
	})
	if rewriteErr != nil {
		return nil, rewriteErr
	}
	return out, nil
}

// RewriteTemplateBytes is the json.RawMessage-accepting counterpart of
// RewriteTemplate. An empty/nil raw passes through unchanged.
func RewriteTemplateBytes(raw json.RawMessage, rewrite func(expr string) (string, error)) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("template: decode template: %w", err)
	}
	rewritten, err := RewriteTemplate(v, rewrite)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(rewritten)
	if err != nil {
		return nil, fmt.Errorf("template: re-encode rewritten template: %w", err)
	}
	return out, nil
}

// RootsBytes is the json.RawMessage-accepting counterpart of Roots.
func RootsBytes(raw json.RawMessage) (map[string]bool, error) {
	if len(raw) == 0 {
		return map[string]bool{}, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("template: decode template: %w", err)
	}
	return Roots(v)
}
