package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/crewd/crewd/pkg/api/v1"
)

const researchPreset = `name: research-duo
description: A leader and one researcher
agents:
  - name: lead
    provider: anthropic
    model: claude-sonnet-4-20250514
    system_prompt: You coordinate the team.
    role: leader
    connections: [researcher]
  - name: researcher
    provider: ollama
    model: "llama3.2:3b"
    system_prompt: You research topics.
    connections: [lead]
`

func TestLoadPresets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(researchPreset), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	presets, err := LoadPresets(dir)
	require.NoError(t, err)
	require.Len(t, presets, 1)

	p := presets[0]
	assert.Equal(t, "research-duo", p.Name)
	require.Len(t, p.Agents, 2)
	assert.Equal(t, "lead", p.Agents[0].Name)
	assert.Equal(t, v1.RoleLeader, p.Agents[0].Role)
	assert.Equal(t, "You coordinate the team.", p.Agents[0].SystemPrompt)
	assert.Equal(t, []string{"lead"}, p.Agents[1].Connections)
}

func TestLoadPresetsNameDefaultsToFilename(t *testing.T) {
	dir := t.TempDir()
	content := "agents:\n  - name: solo\n    provider: ollama\n    model: \"llama3.2:3b\"\n    system_prompt: hi\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "solo-team.yml"), []byte(content), 0o644))

	presets, err := LoadPresets(dir)
	require.NoError(t, err)
	require.Len(t, presets, 1)
	assert.Equal(t, "solo-team", presets[0].Name)
}

func TestLoadPresetsMissingDir(t *testing.T) {
	presets, err := LoadPresets(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, presets)
}

func TestLoadPresetsBadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("agents: [unclosed"), 0o644))

	_, err := LoadPresets(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestFindPreset(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(researchPreset), 0o644))

	p, err := FindPreset(dir, "research-duo")
	require.NoError(t, err)
	assert.Equal(t, "research-duo", p.Name)

	_, err = FindPreset(dir, "missing")
	require.Error(t, err)
}
