package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAppliesDefaults(t *testing.T) {
	def := &Definition{
		Name:     "demo",
		Defaults: Defaults{Model: "llama3:8b", TimeoutSeconds: 120},
		Steps: []Step{
			{Name: "a", Type: StepLLMGenerate, Prompt: "p"},
			{Name: "b", Type: StepLLMGenerate, Prompt: "p", Model: "qwen2.5-coder:7b", TimeoutSeconds: 10},
		},
	}
	require.NoError(t, def.Normalize())

	assert.Equal(t, DefaultVersion, def.Version)
	// Zero fields are filled from defaults.
	assert.Equal(t, "llama3:8b", def.Steps[0].Model)
	assert.Equal(t, 120, def.Steps[0].TimeoutSeconds)
	// Explicit step values win over defaults.
	assert.Equal(t, "qwen2.5-coder:7b", def.Steps[1].Model)
	assert.Equal(t, 10, def.Steps[1].TimeoutSeconds)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			name: "valid",
			def: Definition{Name: "ok", Steps: []Step{
				{Name: "gen", Type: StepLLMGenerate, Prompt: "p"},
				{Name: "ls", Type: StepShell, Command: "ls"},
				{Name: "write", Type: StepFileWrite, OutputFile: "out.txt"},
			}},
		},
		{
			name:    "missing name",
			def:     Definition{Steps: []Step{{Name: "s", Type: StepShell, Command: "ls"}}},
			wantErr: "name is required",
		},
		{
			name:    "no steps",
			def:     Definition{Name: "empty"},
			wantErr: "has no steps",
		},
		{
			name: "unknown type",
			def: Definition{Name: "bad", Steps: []Step{
				{Name: "s", Type: "HTTP_CALL"},
			}},
			wantErr: "unknown type",
		},
		{
			name: "duplicate step names",
			def: Definition{Name: "dup", Steps: []Step{
				{Name: "s", Type: StepShell, Command: "ls"},
				{Name: "s", Type: StepShell, Command: "ls"},
			}},
			wantErr: "duplicate step name",
		},
		{
			name: "llm without prompt",
			def: Definition{Name: "bad", Steps: []Step{
				{Name: "gen", Type: StepLLMGenerate},
			}},
			wantErr: "requires a prompt",
		},
		{
			name: "shell without command",
			def: Definition{Name: "bad", Steps: []Step{
				{Name: "sh", Type: StepShell},
			}},
			wantErr: "requires a command",
		},
		{
			name: "file write without output",
			def: Definition{Name: "bad", Steps: []Step{
				{Name: "w", Type: StepFileWrite},
			}},
			wantErr: "requires an output_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveWorkspacePath(t *testing.T) {
	ws := t.TempDir()

	abs, err := resolveWorkspacePath(ws, "output/report.md")
	require.NoError(t, err)
	assert.Contains(t, abs, ws)

	_, err = resolveWorkspacePath(ws, "/etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")

	_, err = resolveWorkspacePath(ws, "../outside.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	_, err = resolveWorkspacePath(ws, "nested/../../outside.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	// Traversal that stays inside the workspace is fine.
	_, err = resolveWorkspacePath(ws, "nested/../inside.txt")
	assert.NoError(t, err)
}
