package onnxmodel

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apk-analysis/apk-risk-go/internal/risk"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps(t *testing.T) (*risk.RuleScorer, *logrus.Logger) {
	t.Helper()
	rules, err := risk.NewRuleScorer(nil)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return rules, logger
}

func TestLoad_RequiresModelFile(t *testing.T) {
	rules, logger := testDeps(t)

	_, err := Load(Options{}, rules, logger)
	assert.Error(t, err)

	_, err = Load(Options{ModelPath: filepath.Join(t.TempDir(), "absent.onnx")}, rules, logger)
	assert.Error(t, err)
}

func TestLoad_RequiresRuleScorer(t *testing.T) {
	_, logger := testDeps(t)
	_, err := Load(Options{ModelPath: "model.onnx"}, nil, logger)
	assert.Error(t, err)
}

func TestLoad_PositiveIndexRange(t *testing.T) {
	rules, logger := testDeps(t)
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o644))

	_, err := Load(Options{ModelPath: path, PositiveIndex: 2}, rules, logger)
	assert.Error(t, err)
}

func TestResolveSharedLibraryPath(t *testing.T) {
	assert.Equal(t, "/opt/ort/libonnxruntime.so", resolveSharedLibraryPath(" /opt/ort/libonnxruntime.so ", t.TempDir()))

	t.Setenv("ONNXRUNTIME_SHARED_LIBRARY_PATH", "/env/libonnxruntime.so")
	assert.Equal(t, "/env/libonnxruntime.so", resolveSharedLibraryPath("", t.TempDir()))

	t.Setenv("ONNXRUNTIME_SHARED_LIBRARY_PATH", "")
	dir := t.TempDir()
	lib := filepath.Join(dir, "libonnxruntime.so")
	require.NoError(t, os.WriteFile(lib, nil, 0o644))
	assert.Equal(t, lib, resolveSharedLibraryPath("", dir))
}
