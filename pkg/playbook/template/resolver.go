// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package template expands {{ parameter.* }}, {{ credential.* }},
// {{ variable.* }}, and {{ step.<id>.<key> }} references inside step
// parameter values: a regex scan over strings plus structural recursion
// into sequences and maps, with four fixed namespaces.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
)

// placeholderPattern matches a {{ ... }} span, non-greedy so adjacent
// placeholders in one string resolve independently.
var placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// escapedPattern matches the literal-brace escape {{{{ }}}} before the
// normal placeholder scan runs, so "{{{{ }}}}" always yields "{{ }}"
// regardless of what (if anything) sits between the inner braces.
var escapedPattern = regexp.MustCompile(`\{\{\{\{(.*?)\}\}\}\}`)

const escapeSentinel = "\x00ESCAPED_BRACE\x00"

// Context is the set of values reachable from a step's parameter
// expressions, one field per namespace (parameters, variables,
// credentials, step outputs).
type Context struct {
	Parameters map[string]interface{}
	Variables  map[string]interface{}
	// Credentials resolves a credential name to its record (username,
	// password, gateway_url, ... subfields). Returning (nil, false)
	// means the credential does not exist.
	Credentials func(name string) (map[string]interface{}, bool)
	// StepOutputs maps a completed step id to its output map. A step
	// id absent from this map is treated as "not yet completed".
	StepOutputs map[string]map[string]interface{}
}

// Resolve expands every {{ ... }} reference in value, recursing
// structurally into slices and maps. Scalars containing no "{{" are
// returned unchanged.
func Resolve(value interface{}, ctx Context) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := Resolve(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			r, err := Resolve(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveMap is a convenience wrapper for resolving a whole step parameter
// map at once.
func ResolveMap(params map[string]interface{}, ctx Context) (map[string]interface{}, error) {
	resolved, err := Resolve(map[string]interface{}(params), ctx)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]interface{}), nil
}

func resolveString(s string, ctx Context) (interface{}, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	// Protect {{{{ ... }}}} spans before the normal scan, then restore
	// the literal braces afterward.
	var escaped []string
	protected := escapedPattern.ReplaceAllStringFunc(s, func(m string) string {
		inner := escapedPattern.FindStringSubmatch(m)[1]
		escaped = append(escaped, "{{"+inner+"}}")
		return escapeSentinel + strconv.Itoa(len(escaped)-1) + escapeSentinel
	})

	matches := placeholderPattern.FindAllStringSubmatchIndex(protected, -1)
	if len(matches) == 0 {
		return restoreEscapes(protected, escaped), nil
	}

	// Whole-string placeholder: preserve native type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(protected) {
		path := strings.TrimSpace(protected[matches[0][2]:matches[0][3]])
		val, err := resolvePath(path, ctx)
		if err != nil {
			return nil, err
		}
		return val, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end, pathStart, pathEnd := m[0], m[1], m[2], m[3]
		b.WriteString(protected[last:start])
		path := strings.TrimSpace(protected[pathStart:pathEnd])
		val, err := resolvePath(path, ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		last = end
	}
	b.WriteString(protected[last:])
	return restoreEscapes(b.String(), escaped), nil
}

func restoreEscapes(s string, escaped []string) string {
	if len(escaped) == 0 {
		return s
	}
	for i, lit := range escaped {
		s = strings.ReplaceAll(s, escapeSentinel+strconv.Itoa(i)+escapeSentinel, lit)
	}
	return s
}

// resolvePath dispatches on namespace (parameter/credential/variable/step)
// and then navigates the remaining dot-path.
func resolvePath(path string, ctx Context) (interface{}, error) {
	segments := strings.Split(path, ".")
	if len(segments) < 2 {
		return nil, runerr.Reference(path)
	}

	switch segments[0] {
	case "parameter":
		return navigate(ctx.Parameters, segments[1:], path)
	case "variable":
		return navigate(ctx.Variables, segments[1:], path)
	case "credential":
		if len(segments) < 2 {
			return nil, runerr.Reference(path)
		}
		if ctx.Credentials == nil {
			return nil, runerr.Reference(path)
		}
		record, ok := ctx.Credentials(segments[1])
		if !ok {
			return nil, runerr.Reference(path)
		}
		if len(segments) == 2 {
			return record, nil
		}
		return navigate(record, segments[2:], path)
	case "step":
		if len(segments) < 3 {
			return nil, runerr.Reference(path)
		}
		stepID := segments[1]
		output, ok := ctx.StepOutputs[stepID]
		if !ok {
			return nil, runerr.Reference(path)
		}
		return navigate(output, segments[2:], path)
	default:
		return nil, runerr.Reference(path)
	}
}

func navigate(m map[string]interface{}, remaining []string, fullPath string) (interface{}, error) {
	if len(remaining) == 0 {
		return m, nil
	}
	var cur interface{} = m
	for _, seg := range remaining {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, runerr.Reference(fullPath)
		}
		v, ok := asMap[seg]
		if !ok {
			return nil, runerr.Reference(fullPath)
		}
		cur = v
	}
	return cur, nil
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
