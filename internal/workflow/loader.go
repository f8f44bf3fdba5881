// Package workflow loads and validates workflow definitions from disk.
//
// Definitions are YAML files in a single directory. A file named feature.yaml
// defines the workflow "feature" unless the definition's name field says
// otherwise. The loader re-reads the directory on every List/Get so edits are
// picked up without a restart.
package workflow

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/types"
)

// Loader resolves workflow definitions by name from a directory of YAML
// files. It implements the engine's WorkflowSource.
type Loader struct {
	dir string
	log *slog.Logger
}

// NewLoader creates a loader over dir.
func NewLoader(dir string, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{dir: dir, log: log}
}

// Dir returns the directory the loader reads from.
func (l *Loader) Dir() string {
	return l.dir
}

// Get loads, parses, and validates the named workflow.
func (l *Loader) Get(name string) (*types.WorkflowDef, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// List returns summaries of every parseable definition in the directory,
// sorted by name. Files that fail to parse or validate are logged and
// skipped; a broken definition should not hide the rest.
func (l *Loader) List() []types.Summary {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.log.Warn("workflow dir unreadable", "dir", l.dir, "error", err)
		return nil
	}

	var out []types.Summary
	for _, e := range entries {
		if e.IsDir() || !isWorkflowFile(e.Name()) {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		def, err := LoadFile(path)
		if err != nil {
			l.log.Warn("skipping workflow", "path", path, "error", err)
			continue
		}
		out = append(out, def.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// resolve maps a workflow name to a file path, preferring .yaml over .yml.
func (l *Loader) resolve(name string) (string, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(l.dir, name+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", errors.Newf(errors.KindValidation, errors.CodeWorkflowNotFound,
		"workflow %q not found in %s", name, l.dir)
}

// LoadFile parses and validates a single definition file. The definition
// name defaults to the file's base name when the YAML omits it.
func LoadFile(path string) (*types.WorkflowDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, errors.CodeWorkflowNotFound,
			"reading %s", path)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, errorCode(err),
			"in %s", path)
	}
	if def.Name == "" {
		def.Name = baseName(path)
	}
	if verr := Validate(def); verr != nil {
		return nil, errors.Wrapf(verr, errors.KindValidation, verr.Code,
			"in %s", path)
	}
	return def, nil
}

// Parse decodes YAML into a definition without validating it.
func Parse(data []byte) (*types.WorkflowDef, error) {
	var def types.WorkflowDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, errors.CodeWorkflowParse,
			"parsing workflow")
	}
	return &def, nil
}

func errorCode(err error) string {
	if ee, ok := err.(*errors.EngineError); ok {
		return ee.Code
	}
	return errors.CodeWorkflowParse
}

func isWorkflowFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
}
