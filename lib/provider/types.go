// Package provider defines the capability contract every crypto backend
// (software, PKCS#11, TPM, core) implements, along with the shared types
// that flow across that contract: provider/opcode/status identifiers, key
// attributes, and the per-provider local id cache.
package provider

import (
	"fmt"
)

// ID identifies a provider on the wire. One byte, per spec.
type ID byte

const (
	Core       ID = 0x00
	MbedCrypto ID = 0x01
	Pkcs11     ID = 0x02
	Tpm        ID = 0x03
)

func (p ID) String() string {
	switch p {
	case Core:
		return "core"
	case MbedCrypto:
		return "mbed-crypto"
	case Pkcs11:
		return "pkcs11"
	case Tpm:
		return "tpm"
	default:
		return fmt.Sprintf("provider(0x%02x)", byte(p))
	}
}

// Opcode identifies an operation on the wire. Two bytes, per spec.
type Opcode uint16

const (
	Ping               Opcode = 0x0001
	PsaGenerateKey     Opcode = 0x0002
	PsaDestroyKey      Opcode = 0x0003
	PsaSignHash        Opcode = 0x0004
	PsaVerifyHash      Opcode = 0x0005
	PsaImportKey       Opcode = 0x0006
	PsaExportPublicKey Opcode = 0x0007
	ListProviders      Opcode = 0x0008
	ListOpcodes        Opcode = 0x0009
)

func (o Opcode) String() string {
	switch o {
	case Ping:
		return "Ping"
	case PsaGenerateKey:
		return "PsaGenerateKey"
	case PsaDestroyKey:
		return "PsaDestroyKey"
	case PsaSignHash:
		return "PsaSignHash"
	case PsaVerifyHash:
		return "PsaVerifyHash"
	case PsaImportKey:
		return "PsaImportKey"
	case PsaExportPublicKey:
		return "PsaExportPublicKey"
	case ListProviders:
		return "ListProviders"
	case ListOpcodes:
		return "ListOpcodes"
	default:
		return fmt.Sprintf("opcode(0x%04x)", uint16(o))
	}
}

// KeyLifetime says whether a key survives provider restart.
type KeyLifetime int

const (
	Persistent KeyLifetime = iota
	Volatile
)

// KeyType names the PSA key type family.
type KeyType int

const (
	RsaKeyPair KeyType = iota
	RsaPublicKey
	EccKeyPair
	EccPublicKey
)

func (t KeyType) String() string {
	switch t {
	case RsaKeyPair:
		return "RsaKeyPair"
	case RsaPublicKey:
		return "RsaPublicKey"
	case EccKeyPair:
		return "EccKeyPair"
	case EccPublicKey:
		return "EccPublicKey"
	default:
		return "unknown"
	}
}

// HashAlg is the hash used inside a signature algorithm.
type HashAlg int

const (
	Sha256 HashAlg = iota
	Sha384
	Sha512
)

// Algorithm names a signature algorithm, e.g. RSA PKCS#1 v1.5 over SHA-256.
type Algorithm struct {
	RsaPkcs1v15Sign bool
	EcdsaSign       bool
	Hash            HashAlg
}

func (a Algorithm) String() string {
	var fam string
	switch {
	case a.RsaPkcs1v15Sign:
		fam = "RsaPkcs1v15Sign"
	case a.EcdsaSign:
		fam = "EcdsaSign"
	default:
		fam = "none"
	}
	return fmt.Sprintf("%s(%v)", fam, a.Hash)
}

// Equal reports whether two algorithms describe the same operation.
func (a Algorithm) Equal(b Algorithm) bool {
	return a == b
}

// UsageFlags is a bitmask of permitted key operations.
type UsageFlags uint32

const (
	UsageSignHash UsageFlags = 1 << iota
	UsageVerifyHash
	UsageExport
)

func (f UsageFlags) Has(flag UsageFlags) bool { return f&flag != 0 }

// Policy bounds what a key may be used for.
type Policy struct {
	Usage     UsageFlags
	Permitted Algorithm
}

// KeyAttributes are immutable once a key is created.
type KeyAttributes struct {
	Lifetime KeyLifetime
	Type     KeyType
	Bits     uint32
	Policy   Policy
}

// ApplicationName is an opaque, non-empty identifier supplied by the
// authenticator. The core never interprets it.
type ApplicationName string

// KeyTriple is the globally unique identity of a key.
type KeyTriple struct {
	Application ApplicationName
	Name        string
	Provider    ID
}

func (t KeyTriple) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Application, t.Name, t.Provider)
}

// KeyInfo is what KIM stores for a KeyTriple: the backend-native id plus
// the attributes the key was created with.
type KeyInfo struct {
	BackendID []byte
	Attrs     KeyAttributes
}

// KeyState is the observable lifecycle state of a KeyTriple.
type KeyState int

const (
	Absent KeyState = iota
	Live
)
