package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/creditgate/internal/daemon"
	"github.com/tutu-network/creditgate/internal/domain"
)

// execute runs the root command with args against an isolated home.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func isolatedHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(daemon.HomeEnv, home)
	t.Setenv(daemon.ConfigEnv, "")
	return home
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "creditgate "+daemon.Version)
}

func TestPricing(t *testing.T) {
	isolatedHome(t)

	out, err := execute(t, "pricing", "--date", "2025-06-20")
	require.NoError(t, err)
	assert.Contains(t, out, "SURGE")
	assert.Contains(t, out, "2x")
	assert.Contains(t, out, "high")
	assert.Contains(t, out, "Next change: 11 day(s)")

	out, err = execute(t, "pricing", "--date", "2025-05-20")
	require.NoError(t, err)
	assert.Contains(t, out, "normal")
	assert.Contains(t, out, "1x")

	_, err = execute(t, "pricing", "--date", "tomorrow")
	assert.Error(t, err)
}

func TestPricing_UsesConfigFile(t *testing.T) {
	home := isolatedHome(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(`
[surge]
month = 12
start_day = 1
end_day = 31
surge_multiplier = 3
`), 0600))

	out, err := execute(t, "pricing", "--date", "2025-12-10")
	require.NoError(t, err)
	assert.Contains(t, out, "SURGE")
	assert.Contains(t, out, "3x")
}

func TestCredits(t *testing.T) {
	isolatedHome(t)

	out, err := execute(t, "credits", "balance", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "acme: 100 credits")

	out, err = execute(t, "credits", "grant", "acme", "5.5", "-d", "welcome bonus")
	require.NoError(t, err)
	assert.Contains(t, out, "Balance: 105.5")

	out, err = execute(t, "credits", "history", "acme", "--limit", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "welcome bonus")
	assert.Contains(t, out, string(domain.EntryCredit))

	out, err = execute(t, "credits", "history", "globex")
	require.NoError(t, err)
	assert.Contains(t, out, "No transactions for globex.")

	_, err = execute(t, "credits", "grant", "acme", "--", "-1")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = execute(t, "credits", "grant", "acme", "lots")
	assert.Error(t, err)
}

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		addr    string
		host    string
		port    int
		wantErr bool
	}{
		{"0.0.0.0:9000", "0.0.0.0", 9000, false},
		{":8080", "", 8080, false},
		{"localhost", "", 0, true},
		{"host:http", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			host, port, err := splitAddr(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}
