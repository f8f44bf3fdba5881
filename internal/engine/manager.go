package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aromcp/workflow-engine/internal/config"
	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/executor"
	"github.com/aromcp/workflow-engine/internal/expression"
	"github.com/aromcp/workflow-engine/internal/state"
	"github.com/aromcp/workflow-engine/internal/types"
)

// WorkflowSource supplies workflow definitions by name.
type WorkflowSource interface {
	Get(name string) (*types.WorkflowDef, error)
	List() []types.Summary
}

// Engine owns every running workflow instance and exposes the public API
// surface: start, polling, state updates, and lifecycle control.
type Engine struct {
	cfg    *config.Config
	log    *slog.Logger
	eval   *expression.Evaluator
	shell  *executor.Shell
	tools  *ToolHost
	reg    *Registry
	source WorkflowSource
	serial bool

	mu        sync.Mutex
	instances map[string]*Instance
}

// New constructs an engine from config. Debug-serial mode is taken from the
// config, which reads AROMCP_WORKFLOW_DEBUG.
func New(cfg *config.Config, log *slog.Logger, source WorkflowSource) *Engine {
	return &Engine{
		cfg: cfg,
		log: log,
		eval: expression.New(expression.Options{
			Timeout:  cfg.Engine.EvalTimeout,
			MaxDepth: cfg.Engine.EvalMaxDepth,
		}),
		shell:     executor.NewShell(),
		tools:     NewToolHost(),
		reg:       defaultRegistry(),
		source:    source,
		serial:    cfg.Engine.DebugSerial,
		instances: make(map[string]*Instance),
	}
}

// Tools exposes the server-side tool host for registration.
func (e *Engine) Tools() *ToolHost { return e.tools }

// Registry exposes the step handler registry for extension.
func (e *Engine) Registry() *Registry { return e.reg }

// ListWorkflows returns the loadable definitions.
func (e *Engine) ListWorkflows() []types.Summary {
	return e.source.List()
}

// Info is the get_info view: the full definition minus step bodies.
type Info struct {
	Name          string                    `json:"name"`
	Version       string                    `json:"version,omitempty"`
	Description   string                    `json:"description,omitempty"`
	Inputs        map[string]types.InputDef `json:"inputs,omitempty"`
	DefaultState  map[string]any            `json:"default_state,omitempty"`
	Computed      map[string]any            `json:"computed,omitempty"`
	StepCount     int                       `json:"step_count"`
	SubAgentTasks []string                  `json:"sub_agent_tasks,omitempty"`
	Config        types.WorkflowConfig      `json:"config,omitempty"`
}

// GetInfo describes one workflow definition.
func (e *Engine) GetInfo(name string) (*Info, error) {
	def, err := e.source.Get(name)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Name:         def.Name,
		Version:      def.Version,
		Description:  def.Description,
		Inputs:       def.Inputs,
		DefaultState: def.DefaultState,
		StepCount:    len(def.Steps),
		Config:       def.Config,
	}
	if len(def.StateSchema.Computed) > 0 {
		info.Computed = make(map[string]any, len(def.StateSchema.Computed))
		for fname, spec := range def.StateSchema.Computed {
			info.Computed[fname] = map[string]any{
				"from": []string(spec.From), "transform": spec.Transform,
			}
		}
	}
	for tname := range def.SubAgentTasks {
		info.SubAgentTasks = append(info.SubAgentTasks, tname)
	}
	return info, nil
}

// Start creates a new instance: inputs validated against the schema, tiers
// initialised, computed fields recomputed, root steps queued, status Running.
func (e *Engine) Start(name string, inputs map[string]any) (string, error) {
	def, err := e.source.Get(name)
	if err != nil {
		return "", err
	}

	bound, verr := validateInputs(def, inputs)
	if verr != nil {
		return "", verr
	}

	store, serr := state.New(bound, def.DefaultState, def.StateSchema.Computed, e.eval.Evaluate)
	if serr != nil {
		return "", serr
	}

	now := time.Now()
	in := &Instance{
		def:       def,
		status:    types.StatusPending,
		store:     store,
		frames:    []*ExecFrame{{Steps: def.Steps, LoopIndex: -1}},
		tracker:   NewTracker(e.cfg.Engine.TrackerCapacity),
		createdAt: now,
		updatedAt: now,
	}
	if def.Config.TimeoutSeconds > 0 {
		in.wfDeadline = now.Add(time.Duration(def.Config.TimeoutSeconds) * time.Second)
	}
	wireLegacyWarnings(store, in.tracker)
	_ = in.transition(types.StatusRunning)

	e.mu.Lock()
	e.reapLocked(now)
	for {
		id := newInstanceID()
		if _, taken := e.instances[id]; !taken {
			in.ID = id
			e.instances[id] = in
			break
		}
	}
	e.mu.Unlock()

	e.log.Info("workflow started", "workflow", name, "instance", in.ID)
	return in.ID, nil
}

// wireLegacyWarnings surfaces deprecated raw.* path usage as tracker
// warnings. The store calls back once per distinct legacy path.
func wireLegacyWarnings(store *state.Store, tr *Tracker) {
	store.OnLegacyPath(func(path string) {
		tr.Warn("", "deprecated raw.* path, use inputs.*", map[string]any{"path": path})
	})
}

// validateInputs checks required inputs and declared types, and applies
// defaults.
func validateInputs(def *types.WorkflowDef, inputs map[string]any) (map[string]any, *errors.EngineError) {
	bound := make(map[string]any, len(inputs))
	for k, v := range inputs {
		bound[k] = v
	}
	for name, spec := range def.Inputs {
		v, present := bound[name]
		if !present {
			if spec.Default != nil {
				bound[name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, errors.Newf(errors.KindValidation, errors.CodeMissingInput,
					"required input %q not supplied", name)
			}
			continue
		}
		if spec.Type != "" && !matchesType(v, spec.Type) {
			return nil, errors.Newf(errors.KindValidation, errors.CodeSchemaMismatch,
				"input %q: expected %s, got %T", name, spec.Type, v)
		}
	}
	return bound, nil
}

// matchesType checks a value against a declared input type tag.
func matchesType(v any, typeTag string) bool {
	switch typeTag {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

// reapLocked drops terminal instances past their retention window. Caller
// holds e.mu.
func (e *Engine) reapLocked(now time.Time) {
	retain := e.cfg.Engine.RetainTerminal
	if retain <= 0 {
		return
	}
	for id, in := range e.instances {
		in.mu.Lock()
		expired := in.status.IsTerminal() && !in.doneAt.IsZero() && now.Sub(in.doneAt) > retain
		in.mu.Unlock()
		if expired {
			delete(e.instances, id)
		}
	}
}

// lookup finds a root instance by id.
func (e *Engine) lookup(id string) (*Instance, *errors.EngineError) {
	e.mu.Lock()
	in, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.KindValidation, errors.CodeInstanceNotFound,
			"no instance %q", id)
	}
	return in, nil
}

// subAgent finds a sub-agent of a root instance by task id.
func (e *Engine) subAgent(root *Instance, taskID string) (*Instance, *errors.EngineError) {
	root.mu.Lock()
	sub, ok := root.subAgents[taskID]
	root.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.KindValidation, errors.CodeInstanceNotFound,
			"no sub-agent %q under %s", taskID, root.ID)
	}
	return sub, nil
}

// GetNextStep drives the scheduler for the targeted instance or sub-agent.
// A nil envelope with a nil error means the instance is terminal, paused, or
// a sub-agent still waiting for a fan-out semaphore slot.
func (e *Engine) GetNextStep(id, taskID string) (*StepEnvelope, error) {
	root, lerr := e.lookup(id)
	if lerr != nil {
		return nil, lerr
	}

	if taskID == "" {
		root.mu.Lock()
		env, derr := e.drive(root)
		root.mu.Unlock()
		if derr != nil {
			return nil, derr
		}
		return env, nil
	}

	sub, lerr := e.subAgent(root, taskID)
	if lerr != nil {
		return nil, lerr
	}

	sub.mu.Lock()
	e.checkSubDeadline(sub)
	env, derr := e.drive(sub)
	terminal := sub.status.IsTerminal()
	sub.mu.Unlock()

	if terminal {
		e.onSubTerminal(root)
	}
	if derr != nil {
		return nil, derr
	}
	return env, nil
}

// UpdateState applies ops through the instance's store and returns the new
// flattened view.
func (e *Engine) UpdateState(id string, ops []state.Op) (map[string]any, error) {
	in, lerr := e.lookup(id)
	if lerr != nil {
		return nil, lerr
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	records, err := in.store.ApplyUpdates(ops)
	if err != nil {
		return nil, err
	}
	e.recordWrites(in, "", records)
	in.updatedAt = time.Now()
	return in.store.Flatten()
}

// Pause stops draining; queued positions are preserved.
func (e *Engine) Pause(id string) (StatusRecord, error) {
	in, lerr := e.lookup(id)
	if lerr != nil {
		return StatusRecord{}, lerr
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.status == types.StatusWaitingForClient {
		if err := in.transition(types.StatusRunning); err != nil {
			return in.statusRecordLocked(), err
		}
	}
	if err := in.transition(types.StatusPaused); err != nil {
		return in.statusRecordLocked(), err
	}
	return in.statusRecordLocked(), nil
}

// Resume returns a paused instance to Running.
func (e *Engine) Resume(id string) (StatusRecord, error) {
	in, lerr := e.lookup(id)
	if lerr != nil {
		return StatusRecord{}, lerr
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.transition(types.StatusRunning); err != nil {
		return in.statusRecordLocked(), err
	}
	// A preserved pending step keeps the instance waiting for its client.
	if in.pending != nil {
		_ = in.transition(types.StatusWaitingForClient)
	}
	return in.statusRecordLocked(), nil
}

// Cancel terminates the instance and cascades to every sub-agent. Cancelling
// an already-cancelled instance is a no-op.
func (e *Engine) Cancel(id string) (StatusRecord, error) {
	in, lerr := e.lookup(id)
	if lerr != nil {
		return StatusRecord{}, lerr
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.status == types.StatusCancelled {
		return in.statusRecordLocked(), nil
	}
	if in.status.IsTerminal() {
		return in.statusRecordLocked(), errors.Newf(errors.KindControlFlow, errors.CodeBadTransition,
			"cannot cancel %s instance", in.status)
	}

	for _, tid := range in.subOrder {
		sub := in.subAgents[tid]
		sub.mu.Lock()
		if !sub.status.IsTerminal() {
			sub.pending = nil
			_ = sub.transition(types.StatusCancelled)
		}
		sub.mu.Unlock()
	}
	in.pending = nil
	in.fanout = nil
	_ = in.transition(types.StatusCancelled)
	e.log.Info("workflow cancelled", "instance", in.ID)
	return in.statusRecordLocked(), nil
}

// Status returns the read-only status record.
func (e *Engine) Status(id string) (StatusRecord, error) {
	in, lerr := e.lookup(id)
	if lerr != nil {
		return StatusRecord{}, lerr
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.statusRecordLocked(), nil
}

// ListSubAgents summarises an instance's sub-agents in dispatch order.
func (e *Engine) ListSubAgents(id string) ([]SubAgentSummary, error) {
	in, lerr := e.lookup(id)
	if lerr != nil {
		return nil, lerr
	}

	in.mu.Lock()
	order := append([]string(nil), in.subOrder...)
	subs := in.subAgents
	in.mu.Unlock()

	out := make([]SubAgentSummary, 0, len(order))
	for _, tid := range order {
		sub := subs[tid]
		sub.mu.Lock()
		summary := SubAgentSummary{
			TaskID:    sub.TaskID,
			Status:    sub.status,
			Item:      sub.itemContext["item"],
			Error:     sub.failure,
			UpdatedAt: sub.updatedAt,
		}
		if idx, ok := sub.itemContext["index"].(float64); ok {
			summary.Index = int(idx)
		}
		sub.mu.Unlock()
		out = append(out, summary)
	}
	return out, nil
}

// Trace exports the execution tracker's buffered events for an instance or
// one of its sub-agents.
func (e *Engine) Trace(id, taskID string) ([]Event, error) {
	root, lerr := e.lookup(id)
	if lerr != nil {
		return nil, lerr
	}
	if taskID == "" {
		return root.tracker.Events(), nil
	}
	sub, lerr := e.subAgent(root, taskID)
	if lerr != nil {
		return nil, lerr
	}
	return sub.tracker.Events(), nil
}
