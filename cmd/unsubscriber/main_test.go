package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eraser-privacy/unsubscriber/internal/config"
)

func TestMissingCredentialsFails(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "config.yaml")
	t.Cleanup(func() { cfgFile = "" })
	t.Setenv("EMAIL", "")
	t.Setenv("PASSWORD", "")

	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgFile, "run", "--dry-run"})

	err := root.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingCredentials)
}

func TestApplyFlagsOnlyOverridesChanged(t *testing.T) {
	cmd := runCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--concurrency", "9"}))

	cfg := &config.Config{}
	cfg.Visitor.Timeout = 3 * time.Second
	cfg.Output.Dir = "out"

	applyFlags(cmd, cfg, runFlags{concurrency: 9, timeout: time.Minute, outDir: "ignored"})

	assert.Equal(t, 9, cfg.Visitor.Concurrency)
	assert.Equal(t, 3*time.Second, cfg.Visitor.Timeout)
	assert.Equal(t, "out", cfg.Output.Dir)
}

func TestTruncateURL(t *testing.T) {
	assert.Equal(t, "https://a.com", truncateURL("https://a.com", 20))
	assert.Equal(t, "https:...", truncateURL("https://example.com/unsubscribe", 9))
}
