package skill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSkillFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644))
}

func TestLoadParsesStepsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "recon", `
name: recon
description: full recon chain
steps:
  - tool: subdomain_enum
    output: subs
  - tool: port_scan
    input_ref: subs
    output: ports
  - action: store_findings
  - action: suggest_next
    timeout_sec: 300
`)

	l := NewLoader(dir)
	def, err := l.Load("recon")
	require.NoError(t, err)
	require.Equal(t, "recon", def.Name)
	require.Len(t, def.Steps, 4)
	require.Equal(t, "subdomain_enum", def.Steps[0].Tool)
	require.Equal(t, "subs", def.Steps[1].InputRef)
	require.Equal(t, ActionStoreFindings, def.Steps[2].Action)
	require.Equal(t, ActionSuggestNext, def.Steps[3].Action)
	require.Equal(t, 300, def.Steps[3].TimeoutSec)
}

func TestLoadDefaultsNameToFileName(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "osint", `
description: open source intel sweep
steps:
  - tool: darkweb_search
`)

	def, err := NewLoader(dir).Load("osint")
	require.NoError(t, err)
	require.Equal(t, "osint", def.Name)
}

func TestLoadMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLoader(dir).Load("nonexistent")
	require.Error(t, err)
}

func TestLoadExtraParamsSurvive(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "devops", `
name: devops
steps:
  - tool: git_deploy
    extra_params:
      branch: main
      dry_run: true
`)

	def, err := NewLoader(dir).Load("devops")
	require.NoError(t, err)
	require.Equal(t, "main", def.Steps[0].ExtraParams["branch"])
	require.Equal(t, true, def.Steps[0].ExtraParams["dry_run"])
}
