package fs

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateSecureFolder(t *testing.T) {
	base := t.TempDir()
	folder := path.Join(base, "key")

	require.Equal(t, folder, CreateSecureFolder(folder))
	info, err := os.Stat(folder)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// idempotent on an existing folder
	require.Equal(t, folder, CreateSecureFolder(folder))
}

func TestCreateSecureFile(t *testing.T) {
	base := t.TempDir()
	file := path.Join(base, "dora_id.private")

	fd, err := CreateSecureFile(file)
	require.NoError(t, err)
	_, err = fd.WriteString("secret")
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	info, err := os.Stat(file)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCreateSecureFileTruncates(t *testing.T) {
	base := t.TempDir()
	file := path.Join(base, "dora_id.private")

	fd, err := CreateSecureFile(file)
	require.NoError(t, err)
	_, err = fd.WriteString("a long first version")
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	fd, err = CreateSecureFile(file)
	require.NoError(t, err)
	_, err = fd.WriteString("short")
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Equal(t, "short", string(data))
}
