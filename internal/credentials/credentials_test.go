package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/muurk/iotgate/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories runs the same behaviour checks against every backend that
// keeps a device list.
var storeFactories = map[string]func(t *testing.T, dir string) Store{
	BackendFile: func(t *testing.T, dir string) Store {
		s, err := OpenFileStore(filepath.Join(dir, "devices.yaml"))
		require.NoError(t, err)
		return s
	},
	BackendSQLite: func(t *testing.T, dir string) Store {
		s, err := OpenSQLStore(filepath.Join(dir, "devices.db"))
		require.NoError(t, err)
		return s
	},
}

func TestStores(t *testing.T) {
	for name, open := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := open(t, t.TempDir())
			defer s.Close()

			assert.False(t, s.Verify(1234567890, "AJ"), "unknown device")

			require.NoError(t, s.Add(1234567890, "AJ", "kitchen"))
			require.NoError(t, s.Add(7, "other", ""))

			assert.True(t, s.Verify(1234567890, "AJ"))
			assert.False(t, s.Verify(1234567890, "aj"))
			assert.False(t, s.Verify(7, "AJ"))

			assert.ErrorIs(t, s.Add(7, "again", ""), ErrExists)
			assert.ErrorIs(t, s.Add(8, "", ""), ErrEmptyKey)

			entries, err := s.List()
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, protocol.DeviceID(7), entries[0].ID)
			assert.Equal(t, protocol.DeviceID(1234567890), entries[1].ID)
			assert.Equal(t, "kitchen", entries[1].Label)
			assert.False(t, entries[1].CreatedAt.IsZero())

			require.NoError(t, s.Remove(7))
			assert.ErrorIs(t, s.Remove(7), ErrNotFound)
			assert.False(t, s.Verify(7, "other"))
		})
	}
}

func TestStoresPersist(t *testing.T) {
	for name, open := range storeFactories {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := open(t, dir)
			require.NoError(t, s.Add(1234567890, "AJ", "kitchen"))
			require.NoError(t, s.Close())

			reopened := open(t, dir)
			defer reopened.Close()
			assert.True(t, reopened.Verify(1234567890, "AJ"))
		})
	}
}

func TestFileStoreDoesNotStorePlainKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "devices.yaml")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Add(1234567890, "super-secret", ""))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")
	assert.Contains(t, string(data), `"1234567890"`)
	assert.Contains(t, string(data), hashKey("super-secret"))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file is renamed away")
}

func TestFileStoreRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not yaml", "devices: [unterminated"},
		{"wrong version", "version: 2\ndevices: {}\n"},
		{"bad id", "version: 1\ndevices:\n  \"12\":\n    key_hash: abc\n"},
		{"missing hash", "version: 1\ndevices:\n  \"1234567890\":\n    label: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "devices.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := OpenFileStore(path)
			var se *StoreError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "parse", se.Op)
			assert.Equal(t, path, se.Path)
		})
	}
}

func TestHMACVerifier(t *testing.T) {
	_, err := NewHMACVerifier("   ")
	assert.Error(t, err)

	v, err := NewHMACVerifier("fleet-secret")
	require.NoError(t, err)

	key := v.KeyFor(1234567890)
	assert.Len(t, key, 64)
	assert.True(t, v.Verify(1234567890, key))
	assert.False(t, v.Verify(1234567891, key), "key is bound to the id")
	assert.False(t, v.Verify(1234567890, "not-hex"))
	assert.False(t, v.Verify(1234567890, ""))

	other, err := NewHMACVerifier("other-secret")
	require.NoError(t, err)
	assert.False(t, other.Verify(1234567890, key))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	v, err := OpenVerifier(BackendHMAC, "", "secret")
	require.NoError(t, err)
	assert.IsType(t, &HMACVerifier{}, v)

	_, err = OpenVerifier(BackendHMAC, "", "")
	assert.Error(t, err)

	s, err := OpenStore("", filepath.Join(dir, "devices.yaml"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = OpenStore(BackendHMAC, "")
	assert.Error(t, err)

	_, err = OpenStore("ldap", "")
	assert.Error(t, err)
}
