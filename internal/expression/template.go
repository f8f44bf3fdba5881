package expression

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TemplateError reports a failed {{ }} substitution.
type TemplateError struct {
	Position int
	Cause    error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error at offset %d: %v", e.Position, e.Cause)
}

// Unwrap returns the underlying evaluation error.
func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// Render substitutes every {{ expression }} in tmpl using the evaluator and
// scope. A missing identifier in a pure lookup substitutes the empty string;
// any other failure surfaces as a TemplateError. The escape pairs \{\{ and
// \}\} emit literal braces.
func (e *Evaluator) Render(tmpl string, scope map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") && !strings.Contains(tmpl, `\{\{`) {
		return tmpl, nil
	}

	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		if strings.HasPrefix(tmpl[i:], `\{\{`) {
			b.WriteString("{{")
			i += 4
			continue
		}
		if strings.HasPrefix(tmpl[i:], `\}\}`) {
			b.WriteString("}}")
			i += 4
			continue
		}
		if !strings.HasPrefix(tmpl[i:], "{{") {
			b.WriteByte(tmpl[i])
			i++
			continue
		}

		end, ok := findClose(tmpl, i+2)
		if !ok {
			return "", &TemplateError{Position: i, Cause: fmt.Errorf("unterminated {{ }}")}
		}

		expr := strings.TrimSpace(tmpl[i+2 : end])
		val, err := e.Evaluate(expr, scope)
		if err != nil {
			var ee *EvalError
			if isMissingLookup(err, expr) {
				val = nil // pure lookups render missing values as ""
			} else if asEvalError(err, &ee) {
				return "", &TemplateError{Position: i, Cause: ee}
			} else {
				return "", &TemplateError{Position: i, Cause: err}
			}
		}
		b.WriteString(Stringify(val))
		i = end + 2
	}
	return b.String(), nil
}

// findClose scans from `from` for the matching "}}" at brace depth zero,
// skipping string literals so object literals inside expressions work.
func findClose(s string, from int) (int, bool) {
	depth := 0
	var quote byte
	escaped := false
	for i := from; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '{':
			depth++
		case '}':
			if depth == 0 && i+1 < len(s) && s[i+1] == '}' {
				return i, true
			}
			if depth > 0 {
				depth--
			}
		}
	}
	return 0, false
}

// isMissingLookup reports whether err is an unknown-identifier failure on a
// pure lookup expression, which templates render as empty string.
func isMissingLookup(err error, expr string) bool {
	var ee *EvalError
	if !asEvalError(err, &ee) {
		return false
	}
	if !IsPureLookup(expr) {
		return false
	}
	// Member access on a missing root raises ReferenceError; access past a
	// missing intermediate raises TypeError. Both mean "not there".
	return ee.Kind == ErrUnknownIdentifier || ee.Kind == ErrType
}

func asEvalError(err error, target **EvalError) bool {
	ee, ok := err.(*EvalError)
	if ok {
		*target = ee
	}
	return ok
}

// Stringify renders a value for template output: nil becomes "", numbers
// render without a trailing ".0", containers render as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if math.IsNaN(val) {
			return "NaN"
		}
		if math.IsInf(val, 1) {
			return "Infinity"
		}
		if math.IsInf(val, -1) {
			return "-Infinity"
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", val)
	}
}
