package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fmueller/voxserve/internal/config"
)

func newTestAppState(t *testing.T) *appState {
	t.Helper()

	return &appState{
		cfg:    config.Default(),
		logger: zap.NewNop(),
	}
}

func TestEnsureModelAlreadyPresent(t *testing.T) {
	app := newTestAppState(t)
	app.cfg.Model.Dir = t.TempDir()
	app.cfg.Model.Name = "tiny"

	modelPath := filepath.Join(app.cfg.Model.Dir, "ggml-tiny.bin")
	require.NoError(t, os.WriteFile(modelPath, []byte("weights"), 0o644))

	resolved, err := app.ensureModel(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tiny", resolved.Name)
	require.Equal(t, modelPath, resolved.Path)
	require.False(t, resolved.NeedsDownload)
}

func TestEnsureModelMissingWithoutAutoDownload(t *testing.T) {
	app := newTestAppState(t)
	app.cfg.Model.Dir = t.TempDir()
	app.cfg.Model.Name = "tiny"
	app.cfg.Model.AutoDownload = false

	_, err := app.ensureModel(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "voxserve setup")
}

func TestEnsureModelUnknownName(t *testing.T) {
	app := newTestAppState(t)
	app.cfg.Model.Dir = t.TempDir()
	app.cfg.Model.Name = "gigantic"

	_, err := app.ensureModel(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown model")
}

func TestEnsureModelCustomPath(t *testing.T) {
	app := newTestAppState(t)

	modelPath := filepath.Join(t.TempDir(), "custom.bin")
	require.NoError(t, os.WriteFile(modelPath, []byte("weights"), 0o644))
	app.cfg.Model.Name = modelPath

	resolved, err := app.ensureModel(context.Background())
	require.NoError(t, err)
	require.True(t, resolved.IsCustomPath)
	require.Equal(t, modelPath, resolved.Path)
}
