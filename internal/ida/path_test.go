package ida_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/binslab/idarun/internal/ida"

	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func TestLocate(t *testing.T) {
	t.Run("env points to install dir", func(t *testing.T) {
		dir := t.TempDir()
		want := writeExecutable(t, dir, "idat64")
		t.Setenv(ida.PathEnv, dir)

		got, err := ida.Locate()
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("env points to the binary", func(t *testing.T) {
		want := writeExecutable(t, t.TempDir(), "idat")
		t.Setenv(ida.PathEnv, want)

		got, err := ida.Locate()
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("env set but invalid falls back to PATH", func(t *testing.T) {
		dir := t.TempDir()
		want := writeExecutable(t, dir, "ida64")
		t.Setenv(ida.PathEnv, filepath.Join(dir, "missing"))
		t.Setenv("PATH", dir)

		got, err := ida.Locate()
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("prefers idat64 over ida", func(t *testing.T) {
		dir := t.TempDir()
		writeExecutable(t, dir, "ida")
		want := writeExecutable(t, dir, "idat64")
		t.Setenv(ida.PathEnv, dir)

		got, err := ida.Locate()
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("nothing found", func(t *testing.T) {
		t.Setenv(ida.PathEnv, "")
		t.Setenv("PATH", t.TempDir())

		_, err := ida.Locate()
		require.ErrorIs(t, err, ida.ErrToolNotFound)
	})
}

func TestNopScript(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path, err := ida.NopScript(dir)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), "ida_auto.auto_wait()")
	require.Contains(t, string(content), "ida_pro.qexit(0)")
}
