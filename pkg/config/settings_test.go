package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cloudkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
endpoint: s3.example.com
bucket_name: backups
size: 1073741824
verify_cache: true
`)

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "s3.example.com", s.Endpoint)
	require.Equal(t, "backups", s.BucketName)
	require.Equal(t, int64(1073741824), s.Size)
	require.True(t, s.VerifyCache)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
endpoint: s3.example.com
bucket_name: backups
`)

	t.Setenv("CLOUDKV_BUCKET_NAME", "overridden")
	t.Setenv("CLOUDKV_VERIFY_CACHE", "true")
	t.Setenv("CLOUDKV_SIZE", "42")

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "s3.example.com", s.Endpoint)
	require.Equal(t, "overridden", s.BucketName)
	require.True(t, s.VerifyCache)
	require.Equal(t, int64(42), s.Size)
}

func TestDeriveDataKeyIsDeterministicAndKeyed(t *testing.T) {
	a := Settings{EncryptionKey: "secret"}.DeriveDataKey()
	b := Settings{EncryptionKey: "secret"}.DeriveDataKey()
	require.Equal(t, a, b)
	require.Len(t, a, 32)

	c := Settings{EncryptionKey: "different"}.DeriveDataKey()
	require.NotEqual(t, a, c)
}
