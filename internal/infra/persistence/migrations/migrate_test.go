package migrations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveDirSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db", "migrations")
	require.NoError(t, os.MkdirAll(path, 0o755))

	resolved, err := resolveDir(path)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
	require.Equal(t, filepath.Clean(resolved), resolved)
}

func TestResolveDirMissing(t *testing.T) {
	_, err := resolveDir(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestResolveDirFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	_, err := resolveDir(path)
	require.ErrorIs(t, err, errNotDirectory)
}

func TestSourceDefaultsToEmbeddedMigrations(t *testing.T) {
	files, label, err := Source("")
	require.NoError(t, err)
	require.Equal(t, "embedded", label)

	ups, err := fs.Glob(files, "*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	downs, err := fs.Glob(files, "*.down.sql")
	require.NoError(t, err)
	require.Len(t, downs, len(ups), "every up migration needs a down migration")
}

func TestSourceReadsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_x.up.sql"), []byte("SELECT 1;"), 0o600))
	files, label, err := Source(dir)
	require.NoError(t, err)
	require.Equal(t, dir, label)
	data, err := fs.ReadFile(files, "0001_x.up.sql")
	require.NoError(t, err)
	require.Equal(t, "SELECT 1;", string(data))
}

func TestApplyValidatesPathBeforeConnecting(t *testing.T) {
	err := Apply(context.Background(), "postgresql://invalid", "does-not-exist", nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRollbackValidatesArgumentsBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	err := Rollback(ctx, "postgresql://invalid", "still-missing", 1, nil)
	require.ErrorIs(t, err, fs.ErrNotExist)

	err = Rollback(ctx, "postgresql://invalid", "", 0, nil)
	require.True(t, errors.Is(err, errInvalidSteps), "got %v", err)
}
