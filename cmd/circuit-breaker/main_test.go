package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate",
		"../../examples/definitions/document.yaml",
		"../../examples/definitions/issue.yaml",
		"../../examples/definitions/publication.yaml",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "document (5 places, 4 transitions, terminal [approved rejected])")
	assert.Contains(t, out, "issue (5 places, 5 transitions, terminal [done])")
	assert.Contains(t, out, "publication (3 places, 2 transitions, terminal [withdrawn])")

	out, err = execute(t, "validate", "../../workflow/testdata/invalid.yaml", "../../examples/definitions/issue.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 definitions invalid")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "ok   ../../examples/definitions/issue.yaml")
}

func TestValidatePrintsCanonicalDocument(t *testing.T) {
	t.Cleanup(func() { _ = validateCmd.Flags().Set("print", "false") })
	out, err := execute(t, "validate", "--print", "../../examples/definitions/publication.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "---\nname: publication\nobject_type: publication")
	assert.Contains(t, out, "special_states:")
	assert.Contains(t, out, "- withdrawn")
}

func TestReplayCommandOnMemoryBus(t *testing.T) {
	out, err := execute(t, "replay", "error.>")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))

	_, err = execute(t, "replay", "nowhere.>")
	assert.Error(t, err)
}

func TestLoadSetup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log: {level: error}
definitions: [../../examples/definitions/document.yaml]
`), 0o600))

	cmd := &cobra.Command{}
	cmd.Flags().String("config", path, "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().String("log-format", "json", "")
	cmd.Flags().StringSlice("definition", []string{"../../examples/definitions/issue.yaml"}, "")

	s, err := loadSetup(cmd)
	require.NoError(t, err)
	require.Len(t, s.docs, 2)
	assert.Equal(t, "document", s.docs[0].WorkflowName())
	assert.Equal(t, "issue", s.docs[1].WorkflowName())
	// The file level wins over the document's logging hint.
	assert.Equal(t, "error", s.cfg.Log.Level)
	assert.Equal(t, "json", s.cfg.Log.Format)
	// Metrics are switched on by the document metadata.
	assert.True(t, s.cfg.Metrics.Enabled)

	require.NoError(t, cmd.Flags().Set("log-level", "loud"))
	_, err = loadSetup(cmd)
	assert.Error(t, err)
}

func TestParseAttributes(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().StringToString("attr", nil, "")
	attrs, err := parseAttributes(cmd)
	require.NoError(t, err)
	assert.Nil(t, attrs)

	require.NoError(t, cmd.Flags().Set("attr", "count=3,urgent=true,title=Hello world,empty="))
	attrs, err = parseAttributes(cmd)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"count":  3,
		"urgent": true,
		"title":  "Hello world",
		"empty":  "",
	}, attrs)
}
