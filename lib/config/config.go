// Package config loads parsec.yaml: the daemon's socket path and the
// list of providers to construct at startup.
package config

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// ProviderType discriminates a ProviderConfig variant; it is the
// provider_type tag in serialized form.
type ProviderType string

const (
	ProviderTypeMbedCrypto ProviderType = "mbed_crypto"
	ProviderTypePkcs11     ProviderType = "pkcs11"
	ProviderTypeTpm        ProviderType = "tpm"
)

// MbedCryptoConfig is the software-provider variant.
type MbedCryptoConfig struct {
	KeyInfoManager string `yaml:"key_info_manager"`
}

// Pkcs11Config is the HSM-provider variant.
type Pkcs11Config struct {
	KeyInfoManager string `yaml:"key_info_manager"`
	LibraryPath    string `yaml:"library_path"`
	SlotNumber     uint   `yaml:"slot_number"`
	UserPIN        string `yaml:"user_pin"`
}

// TpmConfig is the TPM-provider variant.
type TpmConfig struct {
	KeyInfoManager     string `yaml:"key_info_manager"`
	TCTI               string `yaml:"tcti"`
	OwnerHierarchyAuth string `yaml:"owner_hierarchy_auth"`
}

// ProviderConfig is one entry of the providers: list. Exactly one of
// MbedCrypto/Pkcs11/Tpm is populated, selected by Type.
type ProviderConfig struct {
	ID         provider.ID
	Type       ProviderType
	MbedCrypto MbedCryptoConfig
	Pkcs11     Pkcs11Config
	Tpm        TpmConfig
}

// Config is the top-level daemon configuration.
type Config struct {
	SocketPath string           `yaml:"socket_path"`
	Providers  []ProviderConfig `yaml:"providers"`
}

// rawProviderConfig is the flattened wire shape every variant's fields
// share; UnmarshalYAML dispatches on provider_type into the typed variant.
type rawProviderConfig struct {
	ProviderType       string `yaml:"provider_type"`
	KeyInfoManager     string `yaml:"key_info_manager"`
	LibraryPath        string `yaml:"library_path"`
	SlotNumber         uint   `yaml:"slot_number"`
	UserPIN            string `yaml:"user_pin"`
	TCTI               string `yaml:"tcti"`
	OwnerHierarchyAuth string `yaml:"owner_hierarchy_auth"`
}

func (c *ProviderConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw rawProviderConfig
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	if raw.KeyInfoManager == "" {
		return trace.BadParameter("provider config missing key_info_manager")
	}

	switch ProviderType(raw.ProviderType) {
	case ProviderTypeMbedCrypto:
		c.ID = provider.MbedCrypto
		c.Type = ProviderTypeMbedCrypto
		c.MbedCrypto = MbedCryptoConfig{KeyInfoManager: raw.KeyInfoManager}
	case ProviderTypePkcs11:
		if raw.LibraryPath == "" {
			return trace.BadParameter("pkcs11 provider config missing library_path")
		}
		c.ID = provider.Pkcs11
		c.Type = ProviderTypePkcs11
		c.Pkcs11 = Pkcs11Config{
			KeyInfoManager: raw.KeyInfoManager,
			LibraryPath:    raw.LibraryPath,
			SlotNumber:     raw.SlotNumber,
			UserPIN:        raw.UserPIN,
		}
	case ProviderTypeTpm:
		if raw.TCTI == "" {
			return trace.BadParameter("tpm provider config missing tcti")
		}
		c.ID = provider.Tpm
		c.Type = ProviderTypeTpm
		c.Tpm = TpmConfig{
			KeyInfoManager:     raw.KeyInfoManager,
			TCTI:               raw.TCTI,
			OwnerHierarchyAuth: raw.OwnerHierarchyAuth,
		}
	case "":
		return trace.BadParameter("provider config missing provider_type")
	default:
		return trace.BadParameter("unknown provider_type %q", raw.ProviderType)
	}
	return nil
}

// Load parses a parsec.yaml file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return Parse(data)
}

// Parse parses parsec.yaml content already read into memory.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.SocketPath == "" {
		return nil, trace.BadParameter("config missing socket_path")
	}
	seen := make(map[provider.ID]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if seen[p.ID] {
			return nil, trace.BadParameter("duplicate provider_type for provider id %s", p.ID)
		}
		seen[p.ID] = true
	}
	return &cfg, nil
}
