package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
components:
  - name: panel
    defaults:
      theme: light
  - name: grid
    version: "1.2.0"
root:
  component: panel
  config:
    label: root
    prefs: ["get-store", {name: prefs}]
    motd: ["get-record", {name: prefs}, "motd"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateValidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "valid (2 descriptors)")
}

func TestValidateValidConfigJSON(t *testing.T) {
	path := writeConfig(t, validConfig)

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestValidateMalformedDescriptors(t *testing.T) {
	path := writeConfig(t, `
components:
  - name: panel
root:
  component: panel
  config:
    bad-load: ["load-resource", {type: json}]
    bad-get: ["get-record", {name: prefs}]
`)

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "url is empty")
	assert.Contains(t, buf.String(), "needs a store and a key")
}

func TestValidateUnknownRootComponent(t *testing.T) {
	path := writeConfig(t, `
components:
  - name: panel
root:
  component: missing
`)

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	require.Error(t, cmd.Execute())
	assert.Contains(t, buf.String(), `unknown component "missing"`)
}

func TestValidateMissingFile(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"/nonexistent/config.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateConfig_UnknownTagIsNotCounted(t *testing.T) {
	cfg := &ConfigFile{
		Components: []ComponentSpec{{Name: "panel"}},
		Root: &RootSpec{
			Component: "panel",
			Config: map[string]any{
				"plain": []any{"not-an-op", "x"},
			},
		},
	}
	result := ValidateConfig(cfg)
	assert.True(t, result.Valid)
	assert.Zero(t, result.Descriptors)
}

func TestValidateConfig_DuplicateIdentity(t *testing.T) {
	cfg := &ConfigFile{
		Components: []ComponentSpec{{Name: "panel"}, {Name: "panel"}},
	}
	result := ValidateConfig(cfg)
	require.False(t, result.Valid)
	assert.Contains(t, result.Issues[0].Message, "duplicate component identity")
}
