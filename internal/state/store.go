package state

import (
	"fmt"
	"sync"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/types"
)

// Update operations.
const (
	OpSet       = "set"
	OpIncrement = "increment"
	OpDecrement = "decrement"
	OpAppend    = "append"
	OpMultiply  = "multiply"
)

// Op is one mutation in a transactional batch.
type Op struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Value     any    `json:"value"`
}

// Store owns one instance's three tiers. The inputs tier is frozen at
// construction; the state tier mutates only through ApplyUpdates; the
// computed tier is derived through the graph. All operations are atomic
// per call.
type Store struct {
	mu     sync.Mutex
	inputs map[string]any
	state  map[string]any
	graph  *Graph
	eval   TransformFunc

	// Deprecation callback for the raw.* alias, fired once per distinct
	// legacy path this store resolves.
	onLegacy   func(path string)
	legacySeen map[string]bool
}

// New constructs a Store with frozen inputs, default_state applied, and the
// computed graph built (cycles rejected) and fully recomputed.
func New(inputs, defaultState map[string]any, computed map[string]*types.ComputedFieldDef, eval TransformFunc) (*Store, error) {
	graph, err := NewGraph(computed)
	if err != nil {
		return nil, err
	}

	s := &Store{
		inputs: cloneMap(inputs),
		state:  cloneMap(defaultState),
		graph:  graph,
		eval:   eval,
	}
	s.graph.markAllDirty()
	if err := s.recomputeLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnLegacyPath registers fn to be called once per distinct raw.* path the
// store resolves. Computed-field sources already declared with the alias
// are reported immediately.
func (s *Store) OnLegacyPath(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLegacy = fn
	for _, raw := range s.graph.legacySources() {
		s.noteLegacyLocked(raw)
	}
}

// noteLegacyLocked fires the deprecation callback, deduplicated per path.
// Caller holds s.mu.
func (s *Store) noteLegacyLocked(raw string) {
	if s.onLegacy == nil || s.legacySeen[raw] {
		return
	}
	if s.legacySeen == nil {
		s.legacySeen = make(map[string]bool)
	}
	s.legacySeen[raw] = true
	s.onLegacy(raw)
}

// Read resolves a path against this store. Loop and global scopes are
// resolved by the caller, which owns the frames and the instance tree.
func (s *Store) Read(raw string) (any, error) {
	p, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Legacy {
		s.noteLegacyLocked(p.Raw)
	}
	if err := s.recomputeLocked(); err != nil {
		return nil, err
	}
	return s.resolveLocked(p)
}

func (s *Store) resolveLocked(p Path) (any, error) {
	switch p.Scope {
	case ScopeInputs:
		if v, ok := getPath(s.inputs, p.Segments); ok {
			return cloneValue(v), nil
		}
	case ScopeState:
		if v, ok := getPath(s.state, p.Segments); ok {
			return cloneValue(v), nil
		}
	case ScopeComputed:
		if v, ok := getPath(s.graph.values(), p.Segments); ok {
			return cloneValue(v), nil
		}
	case ScopeThis:
		// Precedence: computed > inputs > state.
		if v, ok := getPath(s.graph.values(), p.Segments); ok {
			return cloneValue(v), nil
		}
		if v, ok := getPath(s.inputs, p.Segments); ok {
			return cloneValue(v), nil
		}
		if v, ok := getPath(s.state, p.Segments); ok {
			return cloneValue(v), nil
		}
	default:
		return nil, errors.Newf(errors.KindStateAccess, errors.CodeBadPath,
			"scope %s is not resolvable by the store: %s", p.Scope, p.Raw)
	}
	return nil, errors.Newf(errors.KindStateAccess, errors.CodeMissingKey, "path not found: %s", p.Raw)
}

// WriteRecord describes one applied mutation with before/after values, for
// the execution tracker.
type WriteRecord struct {
	Path   string `json:"path"`
	Op     string `json:"operation"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// ApplyUpdates applies a batch of ops transactionally: every op succeeds or
// the state tier is left untouched. Affected computed fields are marked dirty
// and recomputed before the method returns.
func (s *Store) ApplyUpdates(ops []Op) ([]WriteRecord, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneMap(s.state)
	records := make([]WriteRecord, 0, len(ops))
	var written []Path

	for _, op := range ops {
		p, err := ParseWrite(op.Path)
		if err != nil {
			return nil, err
		}
		before, _ := getPath(next, p.Segments)
		after, err := applyOp(before, op)
		if err != nil {
			return nil, err
		}
		if err := setPath(next, p.Segments, after); err != nil {
			return nil, err
		}
		records = append(records, WriteRecord{
			Path:   op.Path,
			Op:     normalizeOp(op.Operation),
			Before: cloneValue(before),
			After:  cloneValue(after),
		})
		written = append(written, p)
	}

	s.state = next
	for _, p := range written {
		s.graph.markDirty(p)
	}
	if err := s.recomputeLocked(); err != nil {
		return records, err
	}
	return records, nil
}

// Flatten returns the evaluation scope for this store's tiers: the tier maps
// plus a merged `this` view with bare names promoted to the top level
// (precedence computed > inputs > state). Dirty computed fields are
// recomputed first. The caller layers in loop and global bindings.
func (s *Store) Flatten() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recomputeLocked(); err != nil {
		return nil, err
	}

	merged := s.mergedLocked()
	scope := make(map[string]any, len(merged)+4)
	for k, v := range merged {
		scope[k] = v
	}
	scope["inputs"] = cloneMap(s.inputs)
	scope["raw"] = cloneMap(s.inputs) // deprecated alias
	scope["state"] = cloneMap(s.state)
	scope["computed"] = cloneMap(s.graph.values())
	scope["this"] = merged
	return scope, nil
}

// Merged returns the precedence-merged view of all tiers (used for global.*
// snapshot reads and sub-agent aggregation).
func (s *Store) Merged() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recomputeLocked(); err != nil {
		return nil, err
	}
	return s.mergedLocked(), nil
}

// StateSnapshot returns a deep copy of the mutable state tier.
func (s *Store) StateSnapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.state)
}

// ComputedSnapshot returns a deep copy of the computed tier, recomputing
// dirty fields first.
func (s *Store) ComputedSnapshot() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recomputeLocked(); err != nil {
		return nil, err
	}
	return cloneMap(s.graph.values()), nil
}

func (s *Store) mergedLocked() map[string]any {
	merged := make(map[string]any)
	for k, v := range s.state {
		merged[k] = cloneValue(v)
	}
	for k, v := range s.inputs {
		merged[k] = cloneValue(v)
	}
	for k, v := range s.graph.values() {
		merged[k] = cloneValue(v)
	}
	return merged
}

// recomputeLocked re-evaluates dirty computed fields in topological order.
// A failing transform falls back to the field's declared default, or raises.
func (s *Store) recomputeLocked() error {
	for _, name := range s.graph.order {
		n := s.graph.nodes[name]
		if !n.dirty {
			continue
		}

		scope := s.mergedLocked()
		scope["inputs"] = cloneMap(s.inputs)
		scope["state"] = cloneMap(s.state)
		scope["computed"] = cloneMap(s.graph.values())
		scope["this"] = s.mergedLocked()
		scope["input"] = s.sourceValuesLocked(n)

		if n.def.Transform == "" {
			n.value = cloneValue(scope["input"])
			n.dirty = false
			continue
		}

		val, err := s.eval(n.def.Transform, scope)
		if err != nil {
			if n.def.HasDefault {
				n.value = cloneValue(n.def.Default)
				n.dirty = false
				continue
			}
			return errors.Newf(errors.KindEvaluation, errors.CodeExprRuntime,
				"computed field %q: transform failed", name).WithCause(err)
		}
		n.value = val
		n.dirty = false
	}
	return nil
}

// sourceValuesLocked binds the transform's `input` variable: the single
// source's value, or an array of values in declaration order.
func (s *Store) sourceValuesLocked(n *node) any {
	resolve := func(p Path) any {
		v, err := s.resolveLocked(p)
		if err != nil {
			return nil
		}
		return v
	}
	if len(n.sources) == 1 {
		return resolve(n.sources[0])
	}
	vals := make([]any, len(n.sources))
	for i, src := range n.sources {
		vals[i] = resolve(src)
	}
	return vals
}

// normalizeOp defaults an empty operation to set.
func normalizeOp(op string) string {
	if op == "" {
		return OpSet
	}
	return op
}

// applyOp computes the new value for one op given the current value.
func applyOp(current any, op Op) (any, error) {
	switch normalizeOp(op.Operation) {
	case OpSet:
		return cloneValue(op.Value), nil

	case OpIncrement, OpDecrement, OpMultiply:
		base, err := asNumber(current, op.Path)
		if err != nil {
			return nil, err
		}
		operand := float64(1)
		if op.Value != nil {
			operand, err = asNumber(op.Value, op.Path)
			if err != nil {
				return nil, err
			}
		}
		switch normalizeOp(op.Operation) {
		case OpIncrement:
			return base + operand, nil
		case OpDecrement:
			return base - operand, nil
		default:
			if op.Value == nil {
				return nil, errors.Newf(errors.KindStateAccess, errors.CodeTypeMismatch,
					"multiply at %s requires a value", op.Path)
			}
			return base * operand, nil
		}

	case OpAppend:
		switch cur := current.(type) {
		case nil:
			return []any{cloneValue(op.Value)}, nil
		case []any:
			out := make([]any, len(cur), len(cur)+1)
			copy(out, cur)
			return append(out, cloneValue(op.Value)), nil
		case string:
			str, ok := op.Value.(string)
			if !ok {
				return nil, errors.Newf(errors.KindStateAccess, errors.CodeTypeMismatch,
					"append to string at %s requires a string value, got %T", op.Path, op.Value)
			}
			return cur + str, nil
		default:
			return nil, errors.Newf(errors.KindStateAccess, errors.CodeTypeMismatch,
				"append at %s requires an array or string, found %T", op.Path, current)
		}

	default:
		return nil, errors.Newf(errors.KindStateAccess, errors.CodeTypeMismatch,
			"unknown operation %q at %s", op.Operation, op.Path)
	}
}

// asNumber coerces JSON number representations to float64.
func asNumber(v any, path string) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, errors.Newf(errors.KindStateAccess, errors.CodeTypeMismatch,
			"numeric operation at %s on non-number %T", path, v)
	}
}

// getPath navigates nested maps.
func getPath(m map[string]any, segs []string) (any, bool) {
	var cur any = m
	for _, seg := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes into nested maps, creating intermediate maps as needed.
func setPath(m map[string]any, segs []string, val any) error {
	cur := m
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok || next == nil {
			child := make(map[string]any)
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return errors.Newf(errors.KindStateAccess, errors.CodeTypeMismatch,
				"cannot descend through non-object at %s", joinSegs(segs[:i+1]))
		}
		cur = child
	}
	cur[segs[len(segs)-1]] = val
	return nil
}

func joinSegs(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "."
		}
		out += s
	}
	return out
}

// cloneMap deep-copies a JSON-shaped map; nil becomes an empty map.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies JSON-shaped values.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// String implements fmt.Stringer for debugging.
func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Store{state: %d keys, inputs: %d keys, computed: %d fields}",
		len(s.state), len(s.inputs), len(s.graph.nodes))
}
