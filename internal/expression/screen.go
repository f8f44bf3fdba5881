package expression

import (
	"fmt"
	"regexp"
	"strings"
)

// Constructs the expression subset excludes. Keyword hits are checked against
// the source with string literals blanked out, so "a == 'new'" passes while
// "new Foo()" does not. Property names are exempt ("x.delete" is a lookup,
// not the delete operator).
var forbiddenKeywords = []string{
	"function", "var", "let", "const", "class", "new", "delete",
	"eval", "Function", "for", "while", "do", "return", "throw",
	"try", "catch", "finally", "switch", "with", "import", "export",
	"yield", "await", "async", "debugger",
}

var keywordRes = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(forbiddenKeywords))
	for _, kw := range forbiddenKeywords {
		// Not preceded by "." (property access) or identifier characters.
		out[kw] = regexp.MustCompile(`(^|[^.\w$])` + kw + `\b`)
	}
	return out
}()

// multiCharOps are removed before scanning for bare "=" so that comparison
// operators and arrows do not register as assignment.
var multiCharOps = []string{"===", "!==", "==", "!=", "<=", ">=", "=>"}

// screen rejects forbidden constructs before compilation. It returns the
// offending position and a message; an empty message means the expression
// is clean.
func screen(expr string) (int, string) {
	blanked := blankStrings(expr)

	if idx := strings.IndexByte(blanked, '`'); idx >= 0 {
		return idx, "template literals are not supported"
	}
	if idx := strings.IndexByte(blanked, ';'); idx >= 0 {
		return idx, "multiple statements are not supported"
	}

	for kw, re := range keywordRes {
		if loc := re.FindStringIndex(blanked); loc != nil {
			return loc[0], fmt.Sprintf("forbidden construct: %s", kw)
		}
	}

	if idx := strings.Index(blanked, "++"); idx >= 0 {
		return idx, "forbidden construct: increment"
	}
	if idx := strings.Index(blanked, "--"); idx >= 0 {
		return idx, "forbidden construct: decrement"
	}

	// Remove comparison/arrow operators, then any surviving "=" is assignment
	// (including compound forms, whose "=" survives the removal).
	stripped := blanked
	for _, op := range multiCharOps {
		stripped = strings.ReplaceAll(stripped, op, strings.Repeat(" ", len(op)))
	}
	if idx := strings.IndexByte(stripped, '='); idx >= 0 {
		return idx, "forbidden construct: assignment"
	}

	return 0, ""
}

// blankStrings replaces the contents of single- and double-quoted string
// literals with spaces, preserving byte offsets.
func blankStrings(s string) string {
	out := []byte(s)
	var quote byte
	escaped := false
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote != 0 {
			if escaped {
				escaped = false
				out[i] = ' '
				continue
			}
			switch c {
			case '\\':
				escaped = true
				out[i] = ' '
			case quote:
				quote = 0
			default:
				out[i] = ' '
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
		}
	}
	return string(out)
}
