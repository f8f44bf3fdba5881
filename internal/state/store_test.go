package state

import (
	"strings"
	"testing"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/expression"
	"github.com/aromcp/workflow-engine/internal/types"
)

func newTestStore(t *testing.T, inputs, defaults map[string]any, computed map[string]*types.ComputedFieldDef) *Store {
	t.Helper()
	ev := expression.New(expression.Options{})
	s, err := New(inputs, defaults, computed, ev.Evaluate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestParsePaths(t *testing.T) {
	tests := []struct {
		raw      string
		scope    Scope
		segments string
		legacy   bool
		wantErr  bool
	}{
		{raw: "state.counter", scope: ScopeState, segments: "counter"},
		{raw: "inputs.file_path", scope: ScopeInputs, segments: "file_path"},
		{raw: "raw.file_path", scope: ScopeInputs, segments: "file_path", legacy: true},
		{raw: "computed.doubled", scope: ScopeComputed, segments: "doubled"},
		{raw: "this.user.name", scope: ScopeThis, segments: "user.name"},
		{raw: "counter", scope: ScopeThis, segments: "counter"},
		{raw: "loop.item", scope: ScopeLoop, segments: "item"},
		{raw: "global.mode", scope: ScopeGlobal, segments: "mode"},
		{raw: "state", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, err := Parse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.raw, err)
			}
			if p.Scope != tt.scope {
				t.Errorf("scope = %s, want %s", p.Scope, tt.scope)
			}
			if got := strings.Join(p.Segments, "."); got != tt.segments {
				t.Errorf("segments = %q, want %q", got, tt.segments)
			}
			if p.Legacy != tt.legacy {
				t.Errorf("legacy = %v, want %v", p.Legacy, tt.legacy)
			}
		})
	}
}

func TestParseWriteRejectsReadOnlyTiers(t *testing.T) {
	for _, raw := range []string{"inputs.x", "raw.x", "computed.x", "global.x"} {
		if _, err := ParseWrite(raw); !errors.HasCode(err, errors.CodeReadOnlyTier) {
			t.Errorf("ParseWrite(%q): expected %s, got %v", raw, errors.CodeReadOnlyTier, err)
		}
	}

	p, err := ParseWrite("this.counter")
	if err != nil {
		t.Fatalf("ParseWrite(this.counter): %v", err)
	}
	if p.Scope != ScopeState {
		t.Errorf("this.* write should target state, got %s", p.Scope)
	}

	p, err = ParseWrite("counter")
	if err != nil {
		t.Fatalf("ParseWrite(counter): %v", err)
	}
	if p.Scope != ScopeState {
		t.Errorf("bare-name write should target state, got %s", p.Scope)
	}
}

func TestStoreReadPrecedence(t *testing.T) {
	s := newTestStore(t,
		map[string]any{"name": "from-inputs", "shared": "inputs-wins"},
		map[string]any{"shared": "state-loses", "counter": float64(3)},
		map[string]*types.ComputedFieldDef{
			"shared": {From: types.StringList{"state.counter"}, Transform: "'computed-wins'"},
		})

	got, err := s.Read("this.shared")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "computed-wins" {
		t.Errorf("this.shared = %v, want computed-wins", got)
	}

	// Explicit tiers bypass precedence.
	if got, _ := s.Read("state.shared"); got != "state-loses" {
		t.Errorf("state.shared = %v", got)
	}
	if got, _ := s.Read("inputs.shared"); got != "inputs-wins" {
		t.Errorf("inputs.shared = %v", got)
	}

	// Legacy raw.* alias reads inputs.
	if got, _ := s.Read("raw.name"); got != "from-inputs" {
		t.Errorf("raw.name = %v", got)
	}

	if _, err := s.Read("state.missing"); !errors.HasCode(err, errors.CodeMissingKey) {
		t.Errorf("missing key: got %v", err)
	}
}

func TestApplyUpdatesOperations(t *testing.T) {
	tests := []struct {
		name    string
		initial map[string]any
		ops     []Op
		path    string
		want    any
		errCode string
	}{
		{
			name: "set",
			ops:  []Op{{Path: "state.mode", Operation: "set", Value: "fast"}},
			path: "state.mode", want: "fast",
		},
		{
			name: "default operation is set",
			ops:  []Op{{Path: "state.mode", Value: "quiet"}},
			path: "state.mode", want: "quiet",
		},
		{
			name:    "increment existing",
			initial: map[string]any{"counter": float64(5)},
			ops:     []Op{{Path: "state.counter", Operation: "increment", Value: float64(3)}},
			path:    "state.counter", want: float64(8),
		},
		{
			name: "increment missing defaults to zero and delta one",
			ops:  []Op{{Path: "state.counter", Operation: "increment"}},
			path: "state.counter", want: float64(1),
		},
		{
			name:    "decrement",
			initial: map[string]any{"counter": float64(5)},
			ops:     []Op{{Path: "state.counter", Operation: "decrement", Value: float64(2)}},
			path:    "state.counter", want: float64(3),
		},
		{
			name:    "multiply",
			initial: map[string]any{"counter": float64(4)},
			ops:     []Op{{Path: "state.counter", Operation: "multiply", Value: float64(2.5)}},
			path:    "state.counter", want: float64(10),
		},
		{
			name: "append creates array",
			ops:  []Op{{Path: "state.items", Operation: "append", Value: "a"}},
			path: "state.items", want: []any{"a"},
		},
		{
			name:    "append to string concatenates",
			initial: map[string]any{"log": "ab"},
			ops:     []Op{{Path: "state.log", Operation: "append", Value: "c"}},
			path:    "state.log", want: "abc",
		},
		{
			name: "nested write creates intermediates",
			ops:  []Op{{Path: "state.user.profile.name", Operation: "set", Value: "lee"}},
			path: "state.user.profile.name", want: "lee",
		},
		{
			name:    "increment non-number fails",
			initial: map[string]any{"counter": "oops"},
			ops:     []Op{{Path: "state.counter", Operation: "increment"}},
			errCode: errors.CodeTypeMismatch,
		},
		{
			name:    "append to object fails",
			initial: map[string]any{"obj": map[string]any{}},
			ops:     []Op{{Path: "state.obj", Operation: "append", Value: 1}},
			errCode: errors.CodeTypeMismatch,
		},
		{
			name:    "multiply needs a value",
			initial: map[string]any{"counter": float64(2)},
			ops:     []Op{{Path: "state.counter", Operation: "multiply"}},
			errCode: errors.CodeTypeMismatch,
		},
		{
			name:    "unknown operation fails",
			ops:     []Op{{Path: "state.x", Operation: "rotate", Value: 1}},
			errCode: errors.CodeTypeMismatch,
		},
		{
			name:    "read-only tier fails",
			ops:     []Op{{Path: "inputs.x", Operation: "set", Value: 1}},
			errCode: errors.CodeReadOnlyTier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, nil, tt.initial, nil)
			_, err := s.ApplyUpdates(tt.ops)
			if tt.errCode != "" {
				if !errors.HasCode(err, tt.errCode) {
					t.Fatalf("expected %s, got %v", tt.errCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyUpdates: %v", err)
			}
			got, err := s.Read(tt.path)
			if err != nil {
				t.Fatalf("Read(%s): %v", tt.path, err)
			}
			if !equalValue(got, tt.want) {
				t.Errorf("Read(%s) = %#v, want %#v", tt.path, got, tt.want)
			}
		})
	}
}

func equalValue(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func TestApplyUpdatesAtomic(t *testing.T) {
	s := newTestStore(t, nil, map[string]any{"counter": float64(1)}, nil)

	_, err := s.ApplyUpdates([]Op{
		{Path: "state.counter", Operation: "increment", Value: float64(10)},
		{Path: "inputs.frozen", Operation: "set", Value: 1},
	})
	if err == nil {
		t.Fatal("expected batch failure")
	}

	// First op must not have leaked.
	got, _ := s.Read("state.counter")
	if got != float64(1) {
		t.Errorf("counter = %v after failed batch, want 1", got)
	}
}

func TestComputedRecompute(t *testing.T) {
	s := newTestStore(t, nil,
		map[string]any{"counter": float64(5)},
		map[string]*types.ComputedFieldDef{
			"doubled": {From: types.StringList{"state.counter"}, Transform: "input * 2"},
			"label":   {From: types.StringList{"computed.doubled"}, Transform: "'value is ' + input"},
		})

	if got, _ := s.Read("computed.doubled"); got != float64(10) {
		t.Errorf("doubled = %v, want 10", got)
	}
	if got, _ := s.Read("computed.label"); got != "value is 10" {
		t.Errorf("label = %v", got)
	}

	if _, err := s.ApplyUpdates([]Op{{Path: "state.counter", Operation: "set", Value: float64(7)}}); err != nil {
		t.Fatalf("ApplyUpdates: %v", err)
	}
	if got, _ := s.Read("computed.doubled"); got != float64(14) {
		t.Errorf("doubled after write = %v, want 14", got)
	}
	if got, _ := s.Read("computed.label"); got != "value is 14" {
		t.Errorf("label after write = %v", got)
	}
}

func TestComputedMultipleSources(t *testing.T) {
	s := newTestStore(t,
		map[string]any{"a": float64(2)},
		map[string]any{"b": float64(3)},
		map[string]*types.ComputedFieldDef{
			"sum": {From: types.StringList{"inputs.a", "state.b"}, Transform: "input[0] + input[1]"},
		})
	if got, _ := s.Read("computed.sum"); got != float64(5) {
		t.Errorf("sum = %v, want 5", got)
	}
}

func TestComputedDefaultOnFailure(t *testing.T) {
	s := newTestStore(t, nil,
		map[string]any{"items": "not-an-array"},
		map[string]*types.ComputedFieldDef{
			"count": {
				From:       types.StringList{"state.items"},
				Transform:  "input.map(x => x).length",
				Default:    float64(0),
				HasDefault: true,
			},
		})
	if got, _ := s.Read("computed.count"); got != float64(0) {
		t.Errorf("count = %v, want fallback 0", got)
	}
}

func TestComputedFailureWithoutDefault(t *testing.T) {
	ev := expression.New(expression.Options{})
	_, err := New(nil, map[string]any{"items": "nope"},
		map[string]*types.ComputedFieldDef{
			"count": {From: types.StringList{"state.items"}, Transform: "input.map(x => x).length"},
		}, ev.Evaluate)
	if !errors.HasCode(err, errors.CodeExprRuntime) {
		t.Fatalf("expected %s, got %v", errors.CodeExprRuntime, err)
	}
}

func TestComputedCycleRejected(t *testing.T) {
	ev := expression.New(expression.Options{})
	_, err := New(nil, nil, map[string]*types.ComputedFieldDef{
		"a": {From: types.StringList{"computed.b"}, Transform: "input"},
		"b": {From: types.StringList{"computed.a"}, Transform: "input"},
	}, ev.Evaluate)
	if !errors.HasCode(err, errors.CodeComputedCycle) {
		t.Fatalf("expected %s, got %v", errors.CodeComputedCycle, err)
	}
}

func TestComputedNoTransformPassesSource(t *testing.T) {
	s := newTestStore(t, nil,
		map[string]any{"mode": "fast"},
		map[string]*types.ComputedFieldDef{
			"mirror": {From: types.StringList{"state.mode"}},
		})
	if got, _ := s.Read("computed.mirror"); got != "fast" {
		t.Errorf("mirror = %v, want fast", got)
	}
}

func TestFlattenScope(t *testing.T) {
	s := newTestStore(t,
		map[string]any{"name": "demo"},
		map[string]any{"counter": float64(5)},
		map[string]*types.ComputedFieldDef{
			"doubled": {From: types.StringList{"state.counter"}, Transform: "input * 2"},
		})

	scope, err := s.Flatten()
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}

	// Bare names are promoted.
	if scope["counter"] != float64(5) || scope["doubled"] != float64(10) || scope["name"] != "demo" {
		t.Errorf("promoted names wrong: %v %v %v", scope["counter"], scope["doubled"], scope["name"])
	}

	// Tier maps are present.
	if scope["state"].(map[string]any)["counter"] != float64(5) {
		t.Error("state tier missing from scope")
	}
	if scope["inputs"].(map[string]any)["name"] != "demo" {
		t.Error("inputs tier missing from scope")
	}
	if scope["computed"].(map[string]any)["doubled"] != float64(10) {
		t.Error("computed tier missing from scope")
	}
	if scope["this"].(map[string]any)["doubled"] != float64(10) {
		t.Error("this view missing from scope")
	}

	// The scope is a snapshot: mutating it must not touch the store.
	scope["state"].(map[string]any)["counter"] = float64(99)
	if got, _ := s.Read("state.counter"); got != float64(5) {
		t.Error("Flatten leaked mutable references")
	}
}

func TestReadIsolation(t *testing.T) {
	s := newTestStore(t, nil, map[string]any{"obj": map[string]any{"k": "v"}}, nil)

	got, err := s.Read("state.obj")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got.(map[string]any)["k"] = "mutated"

	again, _ := s.Read("state.obj")
	if again.(map[string]any)["k"] != "v" {
		t.Error("Read returned a live reference into the store")
	}
}

func TestWriteRecords(t *testing.T) {
	s := newTestStore(t, nil, map[string]any{"counter": float64(1)}, nil)

	recs, err := s.ApplyUpdates([]Op{{Path: "state.counter", Operation: "increment", Value: float64(4)}})
	if err != nil {
		t.Fatalf("ApplyUpdates: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.Path != "state.counter" || r.Op != "increment" || r.Before != float64(1) || r.After != float64(5) {
		t.Errorf("record = %+v", r)
	}
}

func TestLegacyPathCallback(t *testing.T) {
	s := newTestStore(t,
		map[string]any{"name": "x", "n": float64(2)},
		nil,
		map[string]*types.ComputedFieldDef{
			"copied": {From: types.StringList{"raw.n"}},
		})

	var seen []string
	s.OnLegacyPath(func(p string) { seen = append(seen, p) })

	// Legacy computed sources are reported as soon as the callback lands.
	if len(seen) != 1 || seen[0] != "raw.n" {
		t.Fatalf("seen = %v", seen)
	}

	// Each distinct read path fires once.
	if got, _ := s.Read("raw.name"); got != "x" {
		t.Fatalf("raw.name = %v", got)
	}
	if _, err := s.Read("raw.name"); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(seen) != 2 || seen[1] != "raw.name" {
		t.Errorf("seen = %v, want one entry per distinct path", seen)
	}

	// The alias is bound in the flattened scope alongside inputs.
	scope, err := s.Flatten()
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if scope["raw"].(map[string]any)["name"] != "x" {
		t.Error("raw alias missing from scope")
	}
}
