//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/llm-factory/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "status", "failed", "migrate", "export", "tasks"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "llm-factory", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{
		"input", "output", "store", "task", "taxonomy", "rules", "key-field",
		"batch-size", "workers", "limit", "model", "provider", "keep-raw", "dry-run",
	} {
		require.NotNil(t, runCmd.Flags().Lookup(name), "run command should have --%s flag", name)
	}
	assert.Equal(t, "0", runCmd.Flags().Lookup("limit").DefValue)
}

func TestMigrateCommand_Flags(t *testing.T) {
	flag := migrateCmd.Flags().Lookup("batch-size")
	require.NotNil(t, flag)
	assert.Equal(t, "100", flag.DefValue)
	require.NotNil(t, migrateCmd.Flags().Lookup("input"))
}

func TestExportCommand_Flags(t *testing.T) {
	require.NotNil(t, exportCmd.Flags().Lookup("dest"))
	require.NotNil(t, exportCmd.Flags().Lookup("format"))
}

func TestFailedCommand_Flags(t *testing.T) {
	flag := failedCmd.Flags().Lookup("keys")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level", "log-format"} {
		require.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "root command should have --%s flag", name)
	}
}

func TestApplyLogFlags(t *testing.T) {
	c := baseConfig("out.jsonl")
	c.Log = config.LogConfig{Level: "info", Format: "json"}
	applyLogFlags(rootCmd, c)
	assert.Equal(t, "info", c.Log.Level)

	require.NoError(t, rootCmd.ParseFlags([]string{"--log-level=debug", "--log-format=console"}))
	t.Cleanup(func() {
		for _, name := range []string{"log-level", "log-format"} {
			f := rootCmd.Flags().Lookup(name)
			_ = f.Value.Set("")
			f.Changed = false
		}
	})
	applyLogFlags(rootCmd, c)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)
}
