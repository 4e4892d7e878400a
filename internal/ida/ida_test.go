package ida_test

import (
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/binslab/idarun/internal/ida"

	"github.com/stretchr/testify/require"
)

// stubTool writes an executable shell script standing in for the idat
// binary and returns its path.
func stubTool(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "idat64")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)
	require.NoError(t, err)
	return path
}

func tmpBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o644))
	return path
}

func tmpScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.py")
	require.NoError(t, os.WriteFile(path, []byte("pass\n"), 0o644))
	return path
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("missing target", func(t *testing.T) {
		t.Parallel()
		_, err := ida.New(filepath.Join(t.TempDir(), "does-not-exist"))
		require.Error(t, err)
		require.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("missing script", func(t *testing.T) {
		t.Parallel()
		_, err := ida.New(tmpBinary(t), ida.WithScript(filepath.Join(t.TempDir(), "nope.py")))
		require.Error(t, err)
		require.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("malformed direct option", func(t *testing.T) {
		t.Parallel()
		_, err := ida.New(tmpBinary(t), ida.WithOptions("nocolon"))
		require.Error(t, err)
		require.ErrorIs(t, err, ida.ErrMalformedOption)
	})

	t.Run("script and direct options conflict", func(t *testing.T) {
		t.Parallel()
		_, err := ida.New(tmpBinary(t),
			ida.WithScript(tmpScript(t)),
			ida.WithOptions("key:value"),
		)
		require.Error(t, err)
		require.ErrorIs(t, err, ida.ErrModeConflict)
	})

	t.Run("script mode", func(t *testing.T) {
		t.Parallel()
		job, err := ida.New(tmpBinary(t), ida.WithScript(tmpScript(t), "a", "b"))
		require.NoError(t, err)
		require.Equal(t, ida.ModeScript, job.Mode())
	})

	t.Run("direct mode", func(t *testing.T) {
		t.Parallel()
		job, err := ida.New(tmpBinary(t), ida.WithOptions("BinExport:AutoAction:BinExportBinary"))
		require.NoError(t, err)
		require.Equal(t, ida.ModeDirect, job.Mode())
	})
}

func TestLifecycleBeforeStart(t *testing.T) {
	t.Parallel()
	job, err := ida.New(tmpBinary(t), ida.WithScript(tmpScript(t)))
	require.NoError(t, err)
	require.Equal(t, ida.NotStarted, job.State())

	_, err = job.Wait(t.Context())
	require.ErrorIs(t, err, ida.ErrNotStarted)

	require.ErrorIs(t, job.Terminate(), ida.ErrNotStarted)
	require.ErrorIs(t, job.Kill(), ida.ErrNotStarted)

	_, err = job.PID()
	require.ErrorIs(t, err, ida.ErrNotStarted)
	_, err = job.ExitCode()
	require.ErrorIs(t, err, ida.ErrNotStarted)
	_, err = job.Finished()
	require.ErrorIs(t, err, ida.ErrNotStarted)
	_, err = job.Stdout()
	require.ErrorIs(t, err, ida.ErrNotStarted)
	_, err = job.Stderr()
	require.ErrorIs(t, err, ida.ErrNotStarted)
}

func TestStartModeNotSet(t *testing.T) {
	t.Parallel()
	job, err := ida.New(tmpBinary(t))
	require.NoError(t, err)
	require.ErrorIs(t, job.Start(), ida.ErrModeNotSet)
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	job, err := ida.New(tmpBinary(t),
		ida.WithScript(tmpScript(t)),
		ida.WithBinary(stubTool(t, "exit 0")),
	)
	require.NoError(t, err)
	require.NoError(t, job.Start())
	require.ErrorIs(t, job.Start(), ida.ErrAlreadyStarted)

	code, err := job.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.ErrorIs(t, job.Start(), ida.ErrAlreadyStarted)
}

func TestWait(t *testing.T) {
	t.Parallel()

	t.Run("zero exit", func(t *testing.T) {
		t.Parallel()
		job, err := ida.New(tmpBinary(t),
			ida.WithScript(tmpScript(t)),
			ida.WithBinary(stubTool(t, "exit 0")),
		)
		require.NoError(t, err)
		require.NoError(t, job.Start())

		pid, err := job.PID()
		require.NoError(t, err)
		require.Greater(t, pid, 0)

		code, err := job.Wait(t.Context())
		require.NoError(t, err)
		require.Equal(t, 0, code)
		require.Equal(t, ida.Exited, job.State())

		// Wait on a terminal job keeps returning the same code
		code, err = job.Wait(t.Context())
		require.NoError(t, err)
		require.Equal(t, 0, code)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		t.Parallel()
		job, err := ida.New(tmpBinary(t),
			ida.WithScript(tmpScript(t)),
			ida.WithBinary(stubTool(t, "exit 3")),
		)
		require.NoError(t, err)
		require.NoError(t, job.Start())

		code, err := job.Wait(t.Context())
		require.NoError(t, err)
		require.Equal(t, 3, code)

		exit, err := job.ExitCode()
		require.NoError(t, err)
		require.Equal(t, 3, exit)

		finished, err := job.Finished()
		require.NoError(t, err)
		require.True(t, finished)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		job, err := ida.New(tmpBinary(t),
			ida.WithScript(tmpScript(t)),
			ida.WithBinary(stubTool(t, "exec sleep 30")),
			ida.WithTimeout(200*time.Millisecond),
		)
		require.NoError(t, err)
		require.NoError(t, job.Start())

		start := time.Now()
		code, err := job.Wait(t.Context())
		require.NoError(t, err)
		require.Equal(t, ida.TimeoutExitCode, code)
		require.Equal(t, ida.TimedOut, job.State())
		require.Less(t, time.Since(start), 3*time.Second)
	})
}

func TestOutputCapture(t *testing.T) {
	t.Parallel()
	job, err := ida.New(tmpBinary(t),
		ida.WithScript(tmpScript(t)),
		ida.WithBinary(stubTool(t, "echo out; echo err 1>&2")),
	)
	require.NoError(t, err)
	require.NoError(t, job.Start())

	_, err = job.Wait(t.Context())
	require.NoError(t, err)

	stdout, err := job.Stdout()
	require.NoError(t, err)
	require.Equal(t, "out\n", stdout)
	stderr, err := job.Stderr()
	require.NoError(t, err)
	require.Equal(t, "err\n", stderr)
}

func TestTerminateFinishedJob(t *testing.T) {
	t.Parallel()
	job, err := ida.New(tmpBinary(t),
		ida.WithScript(tmpScript(t)),
		ida.WithBinary(stubTool(t, "exit 0")),
	)
	require.NoError(t, err)
	require.NoError(t, job.Start())
	_, err = job.Wait(t.Context())
	require.NoError(t, err)

	// double termination of an exited process must not fail
	require.NoError(t, job.Terminate())
	require.NoError(t, job.Kill())
}

func TestEnvironment(t *testing.T) {
	venv := filepath.Join(t.TempDir(), "venv")
	require.NoError(t, os.MkdirAll(filepath.Join(venv, "bin"), 0o755))
	t.Setenv("VIRTUAL_ENV", venv)
	t.Setenv("PATH", filepath.Join(venv, "bin")+string(os.PathListSeparator)+os.Getenv("PATH"))

	stub := stubTool(t, `echo "TVHEADLESS=$TVHEADLESS TERM=$TERM VIRTUAL_ENV=$VIRTUAL_ENV"; echo "$PATH"`)

	t.Run("headless markers", func(t *testing.T) {
		job, err := ida.New(tmpBinary(t),
			ida.WithScript(tmpScript(t)),
			ida.WithBinary(stub),
		)
		require.NoError(t, err)
		require.NoError(t, job.Start())
		_, err = job.Wait(t.Context())
		require.NoError(t, err)

		stdout, err := job.Stdout()
		require.NoError(t, err)
		require.Contains(t, stdout, "TVHEADLESS=1 TERM=xterm")
		require.Contains(t, stdout, venv)
	})

	t.Run("detached", func(t *testing.T) {
		job, err := ida.New(tmpBinary(t),
			ida.WithScript(tmpScript(t)),
			ida.WithBinary(stub),
			ida.WithDetachedEnv(),
		)
		require.NoError(t, err)
		require.NoError(t, job.Start())
		_, err = job.Wait(t.Context())
		require.NoError(t, err)

		stdout, err := job.Stdout()
		require.NoError(t, err)
		require.Contains(t, stdout, "TVHEADLESS=1 TERM=xterm VIRTUAL_ENV=\n")
		require.NotContains(t, stdout, venv)
	})
}
