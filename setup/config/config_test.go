package config

import (
	"crypto/rand"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

const testConfig = `
version: 2
global:
  server_name: localhost
  private_key: matrix_key.pem
  jetstream:
    in_memory: true
  cache:
    max_size_estimated: 8mb
room_server:
  database:
    connection_string: file:roomserver.db
  state_compression:
    merge_bias: 4
    max_chain_depth: 2
federation_api:
  database:
    connection_string: file:federationapi.db
`

func testReadFile(t *testing.T) func(string) ([]byte, error) {
	t.Helper()
	_, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:    "MATRIX PRIVATE KEY",
		Headers: map[string]string{"Key-ID": "ed25519:test"},
		Bytes:   private.Seed(),
	})
	return func(path string) ([]byte, error) {
		return keyPEM, nil
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("/etc/construct", []byte(testConfig), testReadFile(t))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Global.ServerName)
	assert.Equal(t, "ed25519:test", string(cfg.Global.KeyID))
	assert.Len(t, cfg.Global.PrivateKey, ed25519.PrivateKeySize)
	assert.EqualValues(t, 8*1024*1024, cfg.Global.Cache.EstimatedMaxSize)

	// Sections are wired back to the global config.
	require.NotNil(t, cfg.RoomServer.Matrix)
	assert.Equal(t, "localhost", cfg.RoomServer.Matrix.ServerName)

	assert.EqualValues(t, 4, cfg.RoomServer.StateCompression.MergeBias)
	assert.Equal(t, 2, cfg.RoomServer.StateCompression.MaxChainDepth)
}

func TestLoadConfigDefaults(t *testing.T) {
	minimal := `
version: 2
global:
  server_name: localhost
  private_key: matrix_key.pem
  jetstream:
    in_memory: true
room_server:
  database:
    connection_string: file:roomserver.db
federation_api:
  database:
    connection_string: file:federationapi.db
`
	cfg, err := loadConfig("/etc/construct", []byte(minimal), testReadFile(t))
	require.NoError(t, err)
	assert.EqualValues(t, 2, cfg.RoomServer.StateCompression.MergeBias)
	assert.Equal(t, 3, cfg.RoomServer.StateCompression.MaxChainDepth)
	assert.EqualValues(t, 16, cfg.FederationAPI.FederationMaxRetries)
}

func TestLoadConfigVersionMismatch(t *testing.T) {
	_, err := loadConfig("/etc/construct", []byte("version: 1"), testReadFile(t))
	assert.Error(t, err)
}

func TestLoadConfigMissingServerName(t *testing.T) {
	broken := `
version: 2
global:
  private_key: matrix_key.pem
  jetstream:
    in_memory: true
room_server:
  database:
    connection_string: file:roomserver.db
federation_api:
  database:
    connection_string: file:federationapi.db
`
	_, err := loadConfig("/etc/construct", []byte(broken), testReadFile(t))
	require.Error(t, err)
	assert.IsType(t, ConfigErrors{}, err)
}

func TestDataSourceKinds(t *testing.T) {
	assert.True(t, DataSource("file:test.db").IsSQLite())
	assert.True(t, DataSource("postgres://user@host/db").IsPostgres())
	assert.False(t, DataSource("postgres://user@host/db").IsSQLite())
}
