package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/hostingd/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostingd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodeId: node-7
lrm:
  cpuCores: 4
codePackage:
  maxContinuousFailure: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, 4.0, cfg.LRM.CPUCores)
	assert.Equal(t, uint64(10), cfg.CodePackage.MaxContinuousFailure)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Storage.Path, cfg.Storage.Path)
	assert.Equal(t, Default().CodePackage.BaseRetryInterval, cfg.CodePackage.BaseRetryInterval)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/hostingd.yaml")
	require.Error(t, err)
}

func TestConversionHelpers(t *testing.T) {
	cfg := Default()

	assert.Equal(t, cfg.LRM.CPUCores, cfg.LRMCapacity().CPUCores)
	assert.Equal(t, cfg.CodePackage.MaxRetryInterval, cfg.CodePackageOptions().MaxRetryInterval)
	assert.Equal(t, cfg.Activator.ActivationRetryBackoffInterval, cfg.ActivatorOptions().ActivationRetryBackoffInterval)
}

func TestLogOptions_UnknownLevelDefaultsToInfo(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "silly"
	opts := cfg.LogOptions()
	assert.Equal(t, log.InfoLevel, opts.Level)
	assert.Equal(t, cfg.Log.JSONOutput, opts.JSONOutput)
}
