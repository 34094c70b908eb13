package config

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

const validYAML = `
socket_path: /run/parsec/parsec.sock
providers:
  - provider_type: mbed_crypto
    key_info_manager: /var/lib/parsec/kim/mbed-crypto
  - provider_type: pkcs11
    key_info_manager: /var/lib/parsec/kim/pkcs11
    library_path: /usr/lib/softhsm/libsofthsm2.so
    slot_number: 0
    user_pin: "1234"
  - provider_type: tpm
    key_info_manager: /var/lib/parsec/kim/tpm
    tcti: device:/dev/tpmrm0
    owner_hierarchy_auth: ""
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	require.Equal(t, "/run/parsec/parsec.sock", cfg.SocketPath)
	require.Len(t, cfg.Providers, 3)

	require.Equal(t, provider.MbedCrypto, cfg.Providers[0].ID)
	require.Equal(t, "/var/lib/parsec/kim/mbed-crypto", cfg.Providers[0].MbedCrypto.KeyInfoManager)

	require.Equal(t, provider.Pkcs11, cfg.Providers[1].ID)
	require.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", cfg.Providers[1].Pkcs11.LibraryPath)
	require.Equal(t, uint(0), cfg.Providers[1].Pkcs11.SlotNumber)
	require.Equal(t, "1234", cfg.Providers[1].Pkcs11.UserPIN)

	require.Equal(t, provider.Tpm, cfg.Providers[2].ID)
	require.Equal(t, "device:/dev/tpmrm0", cfg.Providers[2].Tpm.TCTI)
}

func TestParseUnknownProviderType(t *testing.T) {
	_, err := Parse([]byte(`
socket_path: /run/parsec/parsec.sock
providers:
  - provider_type: rocket_crypto
    key_info_manager: /var/lib/parsec/kim/x
`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestParsePkcs11MissingLibraryPath(t *testing.T) {
	_, err := Parse([]byte(`
socket_path: /run/parsec/parsec.sock
providers:
  - provider_type: pkcs11
    key_info_manager: /var/lib/parsec/kim/pkcs11
`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestParseMissingSocketPath(t *testing.T) {
	_, err := Parse([]byte(`
providers:
  - provider_type: mbed_crypto
    key_info_manager: /var/lib/parsec/kim/mbed-crypto
`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestParseDuplicateProviderID(t *testing.T) {
	_, err := Parse([]byte(`
socket_path: /run/parsec/parsec.sock
providers:
  - provider_type: mbed_crypto
    key_info_manager: /var/lib/parsec/kim/a
  - provider_type: mbed_crypto
    key_info_manager: /var/lib/parsec/kim/b
`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
