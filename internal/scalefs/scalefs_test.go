package scalefs

import (
	"testing"

	"scalefs/internal/blockdev"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	dev := blockdev.NewMemDevice(4096)
	fs, err := Format(dev, 2, "test-mount", logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	return fs
}

func TestCreateFileAndReadBack(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()

	child, err := fs.InitializeFile(0, root, "hello.txt")
	require.NoError(t, err)
	require.NoError(t, fs.ProcessMetadataLogAndFlush())

	looked, err := fs.Lookup(root, "hello.txt")
	require.NoError(t, err)
	require.NotNil(t, looked)
	require.Equal(t, child.Id, looked.Id)

	payload := []byte("scalable filesystems are fun")
	n, err := fs.SyncFilePage(looked, 0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = fs.LoadFilePage(looked, 0, buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestCreateDirAndReaddir(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()

	_, err := fs.InitializeDir(0, root, "sub")
	require.NoError(t, err)
	_, err = fs.InitializeFile(0, root, "top.txt")
	require.NoError(t, err)
	require.NoError(t, fs.ProcessMetadataLogAndFlush())

	names, err := fs.Readdir(root)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sub", "top.txt"}, names)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()

	_, err := fs.InitializeFile(0, root, "gone.txt")
	require.NoError(t, err)
	require.NoError(t, fs.ProcessMetadataLogAndFlush())

	require.NoError(t, fs.Unlink(0, root, "gone.txt"))
	require.NoError(t, fs.ProcessMetadataLogAndFlush())

	looked, err := fs.Lookup(root, "gone.txt")
	require.NoError(t, err)
	require.Nil(t, looked)
}

func TestRenameRejectsMovingDirectoryUnderItself(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()

	parent, err := fs.InitializeDir(0, root, "parent")
	require.NoError(t, err)
	require.NoError(t, fs.ProcessMetadataLogAndFlush())

	child, err := fs.InitializeDir(0, parent, "child")
	require.NoError(t, err)
	require.NoError(t, fs.ProcessMetadataLogAndFlush())

	err = fs.Rename(0, parent, root, "parent", child, "parent")
	require.Error(t, err)
}

func TestSyncSurvivesRemount(t *testing.T) {
	dev := blockdev.NewMemDevice(4096)
	log := logrus.NewEntry(logrus.New())

	fs1, err := Format(dev, 2, "mount-1", log)
	require.NoError(t, err)
	root := fs1.Root()
	_, err = fs1.InitializeFile(0, root, "persisted.txt")
	require.NoError(t, err)
	require.NoError(t, fs1.ProcessMetadataLogAndFlush())

	fs2, err := StartFS(dev, 2, "mount-2", log)
	require.NoError(t, err)
	looked, err := fs2.Lookup(fs2.Root(), "persisted.txt")
	require.NoError(t, err)
	require.NotNil(t, looked)
}
