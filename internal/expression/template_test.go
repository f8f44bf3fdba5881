package expression

import (
	"errors"
	"testing"
)

func TestRender(t *testing.T) {
	scope := map[string]any{
		"name":    "Alice",
		"doubled": float64(10),
		"items":   []any{"a", "b"},
		"user":    map[string]any{"email": "a@example.com"},
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"no templates", "plain text", "plain text"},
		{"simple substitution", "v={{ doubled }}", "v=10"},
		{"string value", "hello {{ name }}", "hello Alice"},
		{"nested lookup", "mail: {{ user.email }}", "mail: a@example.com"},
		{"expression", "{{ doubled * 2 }}", "20"},
		{"two substitutions", "{{ name }}:{{ doubled }}", "Alice:10"},
		{"array renders as JSON", "{{ items }}", `["a","b"]`},
		{"object literal inside expression", "{{ [1,2].map(n => ({v: n}))[1].v }}", "2"},
		{"missing identifier empty", "x={{ missing }}y", "x=y"},
		{"missing nested empty", "x={{ user.missing.deeper }}y", "x=y"},
		{"boolean", "{{ doubled > 5 }}", "true"},
		{"null renders empty", "{{ null }}", ""},
		{"escaped braces", `literal \{\{ name \}\}`, "literal {{ name }}"},
		{"whole number float", "{{ 6 / 2 }}", "3"},
		{"fractional", "{{ 1 / 2 }}", "0.5"},
	}

	e := newTestEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(tt.tmpl, scope)
			if err != nil {
				t.Fatalf("Render(%q) error = %v", tt.tmpl, err)
			}
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name string
		tmpl string
	}{
		{"syntax error", "value: {{ 1 +* 2 }}"},
		{"unterminated", "value: {{ name"},
		{"missing identifier in computation", "{{ missing + 1 }}"},
		{"forbidden construct", "{{ x = 1 }}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Render(tt.tmpl, map[string]any{"name": "x"})
			if err == nil {
				t.Fatalf("Render(%q) should fail", tt.tmpl)
			}
			var te *TemplateError
			if !errors.As(err, &te) {
				t.Errorf("error type = %T, want *TemplateError", err)
			}
		})
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "s", "s"},
		{"bool", true, "true"},
		{"whole float", float64(10), "10"},
		{"fraction", 2.5, "2.5"},
		{"int", 7, "7"},
		{"map", map[string]any{"k": "v"}, `{"k":"v"}`},
		{"slice", []any{float64(1), "x"}, `[1,"x"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stringify(tt.in); got != tt.want {
				t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
