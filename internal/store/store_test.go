package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetGetSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Get("steer_config")
	assert.False(t, ok)

	s.Set("steer_config", []byte{0x10, 3, 0, 0})
	v, ok := s.Get("steer_config")
	require.True(t, ok)
	assert.Equal(t, []byte{0x10, 3, 0, 0}, v)

	require.NoError(t, s.Save())
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")

	s, err := Open(path)
	require.NoError(t, err)
	s.Set("steer_settings", []byte{50, 200, 30, 25, 100, 0, 0, 0})
	require.NoError(t, s.Save())
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	v, ok := s2.Get("steer_settings")
	require.True(t, ok)
	assert.Equal(t, []byte{50, 200, 30, 25, 100, 0, 0, 0}, v)
}

func TestStoreUnsavedValuesNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")

	s, err := Open(path)
	require.NoError(t, err)
	s.Set("transient", []byte{1})
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	_, ok := s2.Get("transient")
	assert.False(t, ok)
}

func TestStoreOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	s.Set("k", []byte{1})
	require.NoError(t, s.Save())
	s.Set("k", []byte{2})
	require.NoError(t, s.Save())

	v, _ := s.Get("k")
	assert.Equal(t, []byte{2}, v)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	s.Set("k", []byte{1, 2, 3})
	v, _ := s.Get("k")
	v[0] = 99

	again, _ := s.Get("k")
	assert.Equal(t, []byte{1, 2, 3}, again)
}

func TestMemStoreCountsSaves(t *testing.T) {
	m := NewMemStore()
	m.Set("a", []byte{1})
	assert.Zero(t, m.Saves)
	require.NoError(t, m.Save())
	require.NoError(t, m.Save())
	assert.Equal(t, 2, m.Saves)
}
