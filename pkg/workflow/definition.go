// Package workflow provides named, versioned, ordered step sequences and the
// engine that executes them against a project workspace.
//
// Definitions are authored in YAML. The version field is optional and
// defaults to "1.0". Definition-level defaults (model, timeout) fill in any
// step that leaves the corresponding field empty.
package workflow

import (
	"fmt"

	"dario.cat/mergo"
)

// Step types.
const (
	StepLLMGenerate = "LLM_GENERATE"
	StepShell       = "SHELL"
	StepFileWrite   = "FILE_WRITE"
)

// DefaultVersion is applied when a definition omits its version.
const DefaultVersion = "1.0"

// Definition is a named, versioned, ordered sequence of steps.
type Definition struct {
	// Name is the identifier runs select the workflow by.
	Name string `yaml:"name" json:"name"`

	// Version tracks the definition revision (optional, defaults to "1.0").
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Description provides human-readable context about the workflow.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Defaults fill in steps that omit model or timeout.
	Defaults Defaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Steps are the executable units, run in order.
	Steps []Step `yaml:"steps" json:"steps"`
}

// Defaults are definition-level fallbacks merged into each step.
type Defaults struct {
	Model          string `yaml:"model,omitempty" json:"model,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Step is one unit of work in a workflow.
type Step struct {
	// Name identifies the step within its workflow.
	Name string `yaml:"name" json:"name"`

	// Type is one of LLM_GENERATE, SHELL, FILE_WRITE.
	Type string `yaml:"type" json:"type"`

	// Model is the model id for LLM_GENERATE steps; subject to the per-run
	// override chain at execution time.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Prompt is the generation prompt (LLM_GENERATE).
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// OutputFile is a workspace-relative path the step writes its result to
	// (LLM_GENERATE optional, FILE_WRITE required).
	OutputFile string `yaml:"output_file,omitempty" json:"output_file,omitempty"`

	// Command is the shell command line (SHELL), run in the workspace.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Content is the literal file content (FILE_WRITE).
	Content string `yaml:"content,omitempty" json:"content,omitempty"`

	// SaveArtifact emits ARTIFACT_CREATED for the written output file.
	SaveArtifact bool `yaml:"save_artifact,omitempty" json:"save_artifact,omitempty"`

	// TimeoutSeconds overrides the engine default for this step.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

var validStepTypes = map[string]bool{
	StepLLMGenerate: true,
	StepShell:       true,
	StepFileWrite:   true,
}

// Normalize applies the default version and merges definition-level defaults
// into every step that leaves the corresponding field zero.
func (d *Definition) Normalize() error {
	if d.Version == "" {
		d.Version = DefaultVersion
	}
	fill := Step{Model: d.Defaults.Model, TimeoutSeconds: d.Defaults.TimeoutSeconds}
	for i := range d.Steps {
		if err := mergo.Merge(&d.Steps[i], fill); err != nil {
			return fmt.Errorf("failed to merge defaults into step %q: %w", d.Steps[i].Name, err)
		}
	}
	return nil
}

// Validate checks structural invariants after normalization.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow %q: step %d has no name", d.Name, i)
		}
		if seen[step.Name] {
			return fmt.Errorf("workflow %q: duplicate step name %q", d.Name, step.Name)
		}
		seen[step.Name] = true

		if !validStepTypes[step.Type] {
			return fmt.Errorf("workflow %q: step %q has unknown type %q", d.Name, step.Name, step.Type)
		}
		switch step.Type {
		case StepLLMGenerate:
			if step.Prompt == "" {
				return fmt.Errorf("workflow %q: step %q requires a prompt", d.Name, step.Name)
			}
		case StepShell:
			if step.Command == "" {
				return fmt.Errorf("workflow %q: step %q requires a command", d.Name, step.Name)
			}
		case StepFileWrite:
			if step.OutputFile == "" {
				return fmt.Errorf("workflow %q: step %q requires an output_file", d.Name, step.Name)
			}
		}
		if step.TimeoutSeconds < 0 {
			return fmt.Errorf("workflow %q: step %q has negative timeout", d.Name, step.Name)
		}
	}
	return nil
}
