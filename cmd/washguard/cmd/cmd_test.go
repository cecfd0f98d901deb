package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()

	content := `
watchlist: [ULTY, TSLA, SPY]
options_watchlist: []
state:
  backend: file
  path: ` + filepath.Join(dir, "bot_state.json") + `
journal:
  type: sqlite
  db_path: ` + filepath.Join(dir, "journal.db") + `
log:
  level: error
  format: json
brokers:
  - name: paper
    kind: paper
    enabled: true
    rate_per_sec: -1
    paper:
      account_id: SIM-T
      cash: 1000
      quotes:
        ULTY: 38.57
        TSLA: 89
        SPY: 500
      positions:
        - symbol: ULTY
          quantity: 10
          average_price: 40
          dividends: 0.55
        - symbol: TSLA
          quantity: 5
          average_price: 100
`
	path := filepath.Join(dir, "washguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "washguard version "+version)
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "washguard.yaml")

	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Created default configuration")

	_, err = execute(t, "config", "init", "-o", path)
	assert.Error(t, err, "init must not clobber an existing file")

	out, err = execute(t, "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Watchlist: SPY, QQQ, TSLA, NVDA")
	assert.Contains(t, out, "Broker: paper (paper)")
}

func TestOnceThenInspect(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	out, err := execute(t, "once", "--config", cfg)
	require.NoError(t, err)
	assert.Regexp(t, `ULTY\s+hold`, out)
	assert.Regexp(t, `TSLA\s+sold\s+SELL_CRITICAL order=`, out)
	assert.Regexp(t, `SPY\s+monitoring`, out)

	out, err = execute(t, "ledger", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Cooldown window: 31 days")
	assert.Regexp(t, `TSLA\s+\d{4}-\d{2}-\d{2}\s+31`, out)
	assert.NotContains(t, out, "ULTY")

	out, err = execute(t, "journal", "orders", "--db", filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	assert.Regexp(t, `TSLA\s+SELL\s+5`, out)
	assert.Contains(t, out, "accepted")

	out, err = execute(t, "journal", "decisions", "--db", filepath.Join(dir, "journal.db"), "--symbol", "ULTY")
	require.NoError(t, err)
	assert.Contains(t, out, "HOLD")
	assert.NotContains(t, out, "TSLA")

	// a second cycle skips the symbol under cooldown
	out, err = execute(t, "once", "--config", cfg)
	require.NoError(t, err)
	assert.Regexp(t, `TSLA\s+restricted`, out)
}

func TestCheck(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())

	out, err := execute(t, "check", "--config", cfg, "--symbol", "ULTY")
	require.NoError(t, err)
	assert.Contains(t, out, "Broker paper")
	assert.Contains(t, out, "✓ account SIM-T")
	assert.Contains(t, out, "✓ 2 positions")
	assert.Contains(t, out, "✓ quote ULTY $38.57")
}
