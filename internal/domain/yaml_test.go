package domain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCascadeYAML_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cascade.yaml")
	writeFile(t, path, `
cascade_id: greeting
cells:
  - name: draft
    instructions: "say hi"
  - name: publish
    tool: post
`)

	c, err := LoadCascadeYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "greeting", c.CascadeID)
	require.Len(t, c.Cells, 2)
	assert.Equal(t, "draft", c.Cells[0].Name)
}

func TestLoadCascadeYAML_InvalidCascadeFailsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cascade.yaml")
	writeFile(t, path, `
cells:
  - name: draft
    instructions: "say hi"
`)

	_, err := LoadCascadeYAML(path)
	assert.Error(t, err)
}

func TestLoadCascadeYAML_MissingFileErrors(t *testing.T) {
	_, err := LoadCascadeYAML("/nonexistent/path/cascade.yaml")
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
