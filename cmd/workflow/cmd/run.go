package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aromcp/workflow-engine/internal/cli"
	"github.com/aromcp/workflow-engine/internal/engine"
	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/logging"
	"github.com/aromcp/workflow-engine/internal/workflow"
)

var (
	runInputs     []string
	runInputsJSON string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow in-process, driving client steps on the terminal",
	Long: `Run starts an instance in-process and acts as its client: messages
print to stdout, user_input prompts read from stdin, agent_response and
client-side mcp_call steps read one JSON line from stdin. Sub-agent fan-out
executes serially on this terminal.

Inputs are given as --input key=value pairs (values are strings) or as a
single --inputs-json object for typed values.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "workflow input as key=value (repeatable)")
	runCmd.Flags().StringVar(&runInputsJSON, "inputs-json", "", "workflow inputs as a JSON object")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// One terminal can only drive one step at a time.
	cfg.Engine.DebugSerial = true

	inputs, err := parseInputs(runInputs, runInputsJSON)
	if err != nil {
		return err
	}

	log, closer, err := logging.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	loader := workflow.NewLoader(cfg.Paths.WorkflowDir, log)
	eng := engine.New(cfg, log, loader)

	id, err := eng.Start(args[0], inputs)
	if err != nil {
		return err
	}

	d := &terminalDriver{
		eng:    eng,
		id:     id,
		out:    cmd.OutOrStdout(),
		prompt: cli.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout()),
	}
	return d.drive()
}

// parseInputs merges --input pairs over --inputs-json.
func parseInputs(pairs []string, jsonBlob string) (map[string]any, error) {
	inputs := make(map[string]any)
	if jsonBlob != "" {
		if err := json.Unmarshal([]byte(jsonBlob), &inputs); err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, errors.CodeWorkflowInvalid,
				"parsing --inputs-json")
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.Newf(errors.KindValidation, errors.CodeWorkflowInvalid,
				"--input %q is not key=value", pair)
		}
		inputs[key] = value
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	return inputs, nil
}

// terminalDriver plays the agent-client role against an in-process engine.
type terminalDriver struct {
	eng    *engine.Engine
	id     string
	out    io.Writer
	prompt *cli.Prompter
}

func (d *terminalDriver) drive() error {
	for {
		env, err := d.eng.GetNextStep(d.id, "")
		if err != nil {
			return err
		}
		if env == nil {
			return d.finish()
		}
		if err := d.handle(env); err != nil {
			return err
		}
	}
}

// finish reports the instance's terminal status.
func (d *terminalDriver) finish() error {
	rec, err := d.eng.Status(d.id)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "workflow %s: %s\n", d.id, rec.Status)
	if rec.Error != nil {
		return rec.Error
	}
	return nil
}

func (d *terminalDriver) handle(env *engine.StepEnvelope) error {
	taskID := ""
	if env.Context != nil {
		taskID = env.Context.TaskID
	}

	switch env.Type {
	case "user_message":
		d.printMessages(env)
		return nil
	case "user_input":
		prompt, _ := env.Definition["prompt"].(string)
		if errMsg, ok := env.Definition["error"].(string); ok && errMsg != "" {
			prompt = fmt.Sprintf("%s (%s)", prompt, errMsg)
		}
		var line string
		if choices := stringSlice(env.Definition["choices"]); len(choices) > 0 {
			line = d.prompt.Select(prompt, choices)
		} else {
			line = d.prompt.Line(prompt)
		}
		return d.complete(env, taskID, map[string]any{"value": line})
	case "agent_prompt":
		prompt, _ := env.Definition["prompt"].(string)
		fmt.Fprintln(d.out, prompt)
		return d.complete(env, taskID, map[string]any{})
	case "agent_response":
		fmt.Fprintln(d.out, "reply with one JSON object:")
		return d.completeJSON(env, taskID)
	case "mcp_call":
		payload, _ := json.Marshal(env.Definition)
		fmt.Fprintf(d.out, "tool call %s, reply with one JSON object:\n", payload)
		return d.completeJSON(env, taskID)
	case "wait_step":
		if msg, ok := env.Definition["message"].(string); ok && msg != "" {
			fmt.Fprintln(d.out, msg)
		}
		d.prompt.Line("press enter to continue")
		return d.complete(env, taskID, map[string]any{})
	default:
		return errors.Newf(errors.KindInternal, errors.CodeInternal,
			"unexpected client step type %q", env.Type)
	}
}

func (d *terminalDriver) printMessages(env *engine.StepEnvelope) {
	messages, _ := env.Definition["messages"].([]any)
	for _, raw := range messages {
		m, _ := raw.(map[string]any)
		kind, _ := m["type"].(string)
		text, _ := m["message"].(string)
		if kind != "" && kind != "info" {
			fmt.Fprintf(d.out, "[%s] %s\n", kind, text)
		} else {
			fmt.Fprintln(d.out, text)
		}
	}
}

// stringSlice converts a decoded JSON array to strings, dropping anything
// that is not one.
func stringSlice(raw any) []string {
	items, _ := raw.([]any)
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (d *terminalDriver) completeJSON(env *engine.StepEnvelope, taskID string) error {
	line := d.prompt.Line("")
	result := make(map[string]any)
	if strings.TrimSpace(line) != "" {
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			return errors.Wrapf(err, errors.KindValidation, errors.CodeWorkflowInvalid,
				"parsing response JSON")
		}
	}
	return d.complete(env, taskID, result)
}

func (d *terminalDriver) complete(env *engine.StepEnvelope, taskID string, result map[string]any) error {
	return d.eng.StepComplete(d.id, env.ID, result, taskID)
}
