package installer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundleretry/internal/session"
	"bundleretry/pkg/retry"
)

func TestFileAcquirer_Acquire(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app.msi")
	require.NoError(t, os.WriteFile(src, []byte("msi-bytes"), 0o600))
	cache := t.TempDir()

	a := NewFileAcquirer(cache, nil)
	pkg := session.Package{ID: "app", Command: []string{"msiexec"}}
	payload := session.Payload{ID: "app.msi", Source: src}

	code := a.Acquire(context.Background(), pkg, payload)
	require.Equal(t, int32(0), code)

	dst := filepath.Join(cache, "app", "app.msi")
	assert.Equal(t, dst, a.Path(pkg, payload))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "msi-bytes", string(got))

	// Re-acquiring overwrites in place and leaves no temp files behind.
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o600))
	require.Equal(t, int32(0), a.Acquire(context.Background(), pkg, payload))
	got, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	entries, err := os.ReadDir(filepath.Join(cache, "app"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileAcquirer_MissingSource(t *testing.T) {
	a := NewFileAcquirer(t.TempDir(), nil)
	code := a.Acquire(context.Background(),
		session.Package{ID: "app"},
		session.Payload{ID: "app.msi", Source: filepath.Join(t.TempDir(), "missing.msi")})

	assert.Equal(t, retry.HResultFromWin32(retry.ErrorFileNotFound), code)
	assert.False(t, retry.DefaultTransient(code))
}

func TestFileAcquirer_Cancelled(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.cab")
	require.NoError(t, os.WriteFile(src, []byte("cab"), 0o600))
	cache := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := NewFileAcquirer(cache, nil).Acquire(ctx, session.Package{ID: "app"}, session.Payload{ID: "a.cab", Source: src})
	assert.Equal(t, retry.HResultFromWin32(retry.ErrorCancelled), code)
	_, err := os.Stat(filepath.Join(cache, "app", "a.cab"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileAcquirer_PathPerPackage(t *testing.T) {
	a := NewFileAcquirer("/cache", nil)
	assert.Equal(t, filepath.Join("/cache", "app", "app.msi"), a.Path(session.Package{ID: "app"}, session.Payload{ID: "app.msi"}))
	assert.NotEqual(t,
		a.Path(session.Package{ID: "a"}, session.Payload{ID: "x"}),
		a.Path(session.Package{ID: "b"}, session.Payload{ID: "x"}))
}

func TestFileAcquirer_RefusesIDsLeavingCache(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))
	cache := filepath.Join(root, "cache")
	a := NewFileAcquirer(cache, nil)

	tests := []struct {
		name    string
		pkg     string
		payload string
	}{
		{"parent package", "..", "f"},
		{"nested package", "a/x", "f"},
		{"parent payload", "app", "../f"},
		{"dot payload", "app", "."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := a.Acquire(context.Background(), session.Package{ID: tt.pkg}, session.Payload{ID: tt.payload, Source: src})
			assert.Equal(t, retry.ErrorInvalidName, code)
		})
	}

	_, err := os.Stat(filepath.Join(root, "f"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(cache)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCommandExecutor_ExitCodes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}

	tests := []struct {
		name string
		exit string
		want int32
	}{
		{"success", "0", 0},
		{"failure", "3", 3},
		{"install already running", "82", 82},
	}
	e := NewCommandExecutor(t.TempDir(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg := session.Package{ID: "p", Command: []string{"sh", "-c", "echo working; exit " + tt.exit}}
			assert.Equal(t, tt.want, e.Execute(context.Background(), pkg))
		})
	}
}

func TestCommandExecutor_Cancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewCommandExecutor("", nil)
	code := e.Execute(ctx, session.Package{ID: "p", Command: []string{"sh", "-c", "sleep 10"}})
	assert.Equal(t, retry.HResultFromWin32(retry.ErrorCancelled), code)
}

func TestCommandExecutor_MissingBinary(t *testing.T) {
	e := NewCommandExecutor("", nil)
	code := e.Execute(context.Background(), session.Package{ID: "p", Command: []string{filepath.Join(t.TempDir(), "nope")}})
	assert.True(t, retry.Failed(code))
	assert.False(t, retry.DefaultTransient(code))
}

func TestExitResult(t *testing.T) {
	assert.Equal(t, int32(0), exitResult(context.Background(), nil))
	assert.Equal(t, retry.EFail, exitResult(context.Background(), assert.AnError))

	assert.Equal(t, int32(0), exitCodeResult(3010), "reboot required")
	assert.Equal(t, int32(0), exitCodeResult(1641), "reboot initiated")
	assert.Equal(t, int32(1618), exitCodeResult(1618))
	assert.Equal(t, retry.EFail, exitCodeResult(-1))
	assert.Equal(t, "ab", tail([]byte("xab"), 2))
}
