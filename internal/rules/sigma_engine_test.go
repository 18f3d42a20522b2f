package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offensesync/pkg/models"
)

const bruteForceRule = `title: SSH Brute Force Offense
id: 6f0c9d1e-0000-4000-8000-000000000001
status: experimental
logsource:
  product: qradar
  category: offense
detection:
  selection:
    description|contains: 'Login Failures'
  condition: selection
level: high
`

const windowsRule = `title: Windows Process Creation
logsource:
  product: windows
  category: process_creation
detection:
  selection:
    Image|endswith: '\cmd.exe'
  condition: selection
`

const keywordRule = `title: Brute Keyword
logsource:
  product: qradar
detection:
  keywords:
    - 'brute'
  condition: keywords
`

func writeRules(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func decodeOffense(t *testing.T, body string) *models.Offense {
	t.Helper()
	var offense models.Offense
	require.NoError(t, json.Unmarshal([]byte(body), &offense))
	return &offense
}

func TestSigmaEngineLoadsOffenseRulesOnly(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"brute.yml":   bruteForceRule,
		"windows.yml": windowsRule,
		"kw.yaml":     keywordRule,
		"broken.yml":  "title: [",
		"notes.txt":   "ignored",
	})

	_, stats, err := NewSigmaEngine(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalFiles)
	assert.Equal(t, 1, stats.Loaded)
	assert.Equal(t, 1, stats.SkippedDatasource)
	assert.Equal(t, 1, stats.SkippedComplex)
	assert.Equal(t, 1, stats.SkippedInvalid)
}

func TestSigmaEngineTagsMatchingOffense(t *testing.T) {
	dir := writeRules(t, map[string]string{"brute.yml": bruteForceRule})
	engine, _, err := NewSigmaEngine(dir)
	require.NoError(t, err)

	match := decodeOffense(t, `{"id": 42, "description": "Multiple Login Failures for admin", "offense_source": "10.0.0.5"}`)
	assert.Equal(t, []string{"sigma:SSH Brute Force Offense"}, engine.Apply(match))

	miss := decodeOffense(t, `{"id": 43, "description": "Malware detected", "offense_source": "10.0.0.6"}`)
	assert.Empty(t, engine.Apply(miss))
}

func TestSigmaEngineUsesTypedFieldsWithoutRaw(t *testing.T) {
	dir := writeRules(t, map[string]string{"brute.yml": bruteForceRule})
	engine, _, err := NewSigmaEngine(dir)
	require.NoError(t, err)

	offense := &models.Offense{ID: 1, Description: "Login Failures"}
	assert.Len(t, engine.Apply(offense), 1)
}

func TestSigmaEngineSingleFile(t *testing.T) {
	dir := writeRules(t, map[string]string{"brute.yaml": bruteForceRule})
	_, stats, err := NewSigmaEngine(filepath.Join(dir, "brute.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Loaded)

	_, _, err = NewSigmaEngine(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestNoopEngine(t *testing.T) {
	var engine Engine = &NoopEngine{}
	assert.Nil(t, engine.Apply(&models.Offense{ID: 1}))
}
