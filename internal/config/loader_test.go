package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validConfig = `
# profile server config
primary_port = 7100
server_neighbor_port = 7101
client_non_customer_port = 7102
client_customer_port = 7103
client_app_service_port = 7104
external_server_address = 203.0.113.10
loc_port = 7200
tls_server_certificate = /etc/profileserver/server.pfx
image_data_folder = /var/lib/profileserver/images
db_file_name = ProfileServer.db
max_hosted_identities = 50
`

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadValidConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7100, cfg.PrimaryPort)
	require.Equal(t, 105, cfg.MaxNeighbors) // default, not present in file
	require.Equal(t, 200, cfg.MaxFollowers)
	require.Equal(t, "203.0.113.10", cfg.ExternalServerAddress)
}

func TestLoadMissingRequiredKeyAborts(t *testing.T) {
	without := `
primary_port = 7100
server_neighbor_port = 7101
client_non_customer_port = 7102
client_customer_port = 7103
client_app_service_port = 7104
external_server_address = 203.0.113.10
loc_port = 7200
tls_server_certificate = /etc/profileserver/server.pfx
image_data_folder = /var/lib/profileserver/images
`
	path := writeConfig(t, t.TempDir(), without)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestLoadUnknownKeysIgnored(t *testing.T) {
	withExtra := validConfig + "\nsome_future_key = whatever\n"
	path := writeConfig(t, t.TempDir(), withExtra)
	_, err := Load(path)
	require.NoError(t, err)
}

func TestLoadRejectsOutOfRangePort(t *testing.T) {
	bad := validConfig + "\nprimary_port = 99999\n"
	path := writeConfig(t, t.TempDir(), bad)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestLoadRejectsLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validConfig)
	require.NoError(t, os.Chmod(path, 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	require.ErrorIs(t, err, ErrConfigNotFound)
}
