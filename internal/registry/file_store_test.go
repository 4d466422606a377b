package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Register(Descriptor{Name: "echo", Argv: []string{"echo-server"}}))
	require.NoError(t, s.Register(Descriptor{Name: "aardvark", Argv: []string{"aardvark-server"}}))

	got := s.List()
	require.Len(t, got, 2)
	assert.Equal(t, "aardvark", got[0].Name)
	assert.Equal(t, "echo", got[1].Name)
}

func TestRegisterDuplicateFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Register(Descriptor{Name: "echo", Argv: []string{"echo-server"}}))
	err = s.Register(Descriptor{Name: "echo", Argv: []string{"other"}})
	assert.ErrorIs(t, err, ErrExists)
}

func TestUnregisterMissingFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)

	err = s.Unregister("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReloadPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	s1, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Register(Descriptor{
		Name: "echo",
		Argv: []string{"echo-server", "--stdio"},
		Env:  map[string]string{"FOO": "bar"},
	}))

	s2, err := OpenFileStore(path)
	require.NoError(t, err)
	got := s2.List()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"echo-server", "--stdio"}, got[0].Argv)
	assert.Equal(t, "bar", got[0].Env["FOO"])
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "registry.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	assert.Empty(t, s.List())
}

func TestSnapshotImplementsLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Register(Descriptor{Name: "echo", Argv: []string{"echo-server"}}))

	var l Loader = s
	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestCommandSplitsArgv(t *testing.T) {
	d := Descriptor{Name: "echo", Argv: []string{"echo-server", "--stdio", "-v"}}
	path, args := d.Command()
	assert.Equal(t, "echo-server", path)
	assert.Equal(t, []string{"--stdio", "-v"}, args)
}
