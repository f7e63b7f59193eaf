package transfer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestSFTPConfigAuthMethods(t *testing.T) {
	t.Run("no credentials", func(t *testing.T) {
		_, err := SFTPConfig{}.authMethods()
		require.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("password only", func(t *testing.T) {
		methods, err := SFTPConfig{Password: "secret"}.authMethods()
		require.NoError(t, err)
		assert.Len(t, methods, 1)
	})

	t.Run("missing key file", func(t *testing.T) {
		_, err := SFTPConfig{PrivateKeyPath: filepath.Join(t.TempDir(), "absent")}.authMethods()
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("valid key file", func(t *testing.T) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		pemBlock, err := ssh.MarshalPrivateKey(priv, "")
		require.NoError(t, err)
		keyPath := filepath.Join(t.TempDir(), "id_ed25519")
		require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600))

		methods, err := SFTPConfig{PrivateKeyPath: keyPath}.authMethods()
		require.NoError(t, err)
		assert.Len(t, methods, 1)
	})
}

func TestSFTPConfigHostKeyCallback(t *testing.T) {
	t.Run("nothing configured", func(t *testing.T) {
		_, err := SFTPConfig{}.hostKeyCallback()
		require.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("pinned host key", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		sshPub, err := ssh.NewPublicKey(pub)
		require.NoError(t, err)
		cfg := SFTPConfig{HostKey: base64.StdEncoding.EncodeToString(sshPub.Marshal())}

		callback, err := cfg.hostKeyCallback()
		require.NoError(t, err)
		assert.NotNil(t, callback)
	})

	t.Run("garbage host key", func(t *testing.T) {
		_, err := SFTPConfig{HostKey: "not base64!!"}.hostKeyCallback()
		require.Error(t, err)
	})

	t.Run("missing known_hosts file", func(t *testing.T) {
		cfg := SFTPConfig{KnownHostsFile: filepath.Join(t.TempDir(), "absent")}
		_, err := cfg.hostKeyCallback()
		require.Error(t, err)
	})
}
