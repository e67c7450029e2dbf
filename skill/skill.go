// Package skill loads the YAML workflow definitions the dispatcher
// (C7) executes. A skill is a static, ordered list of steps; loading
// never mutates it at runtime, matching spec.md §3's Skill/Step data
// model.
//
// Grounded on the teacher's configuration-loading idiom (YAML via
// gopkg.in/yaml.v3, a typed struct per document) generalized to the
// step shape spec.md §3/§4.7 define — no skill YAML syntax survives
// from original_source/ since the distillation explicitly leaves the
// exact syntax a non-goal; this format is the smallest one that can
// carry every field the dispatcher actually consumes.
package skill

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Action is the closed set of internal (non-tool-server) step actions.
type Action string

const (
	ActionStoreFindings Action = "store_findings"
	ActionSuggestNext   Action = "suggest_next"
)

// Step is one unit of work in a skill's ordered pipeline.
type Step struct {
	Tool        string         `yaml:"tool"`
	InputRef    string         `yaml:"input_ref,omitempty"`
	Output      string         `yaml:"output,omitempty"`
	Action      Action         `yaml:"action,omitempty"`
	ExtraParams map[string]any `yaml:"extra_params,omitempty"`
	TimeoutSec  int            `yaml:"timeout_sec,omitempty"` // used by suggest_next's approval gate
}

// Definition is a loaded, immutable skill.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

// Loader reads skill definitions from a directory of "<name>.yaml" files.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads "<name>.yaml" from the skills directory. A missing file is
// an error the dispatcher terminal-fails the job with — per spec.md
// §4.7 step 2 ("if missing, terminal-fail"), this is a job-level
// failure, never a process-level one.
func (l *Loader) Load(name string) (Definition, error) {
	path := filepath.Join(l.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("skill: load %q: %w", name, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("skill: parse %q: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	return def, nil
}
