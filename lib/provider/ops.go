package provider

import "context"

// GenerateKeyOperation requests a new key be created under Name.
type GenerateKeyOperation struct {
	Name  string
	Attrs KeyAttributes
}

type GenerateKeyResult struct{}

// ImportKeyOperation imports externally-supplied key material.
type ImportKeyOperation struct {
	Name     string
	Attrs    KeyAttributes
	KeyBytes []byte // PKCS#8 DER for key pairs, SPKI DER for public keys
}

type ImportKeyResult struct{}

// ExportPublicKeyOperation asks for the public half of a key pair (or a
// stored public key) as a DER-encoded SubjectPublicKeyInfo.
type ExportPublicKeyOperation struct {
	Name string
}

type ExportPublicKeyResult struct {
	KeyBytes []byte
}

// DestroyKeyOperation removes a key permanently.
type DestroyKeyOperation struct {
	Name string
}

type DestroyKeyResult struct{}

// SignHashOperation signs a precomputed hash.
type SignHashOperation struct {
	Name string
	Alg  Algorithm
	Hash []byte
}

type SignHashResult struct {
	Signature []byte
}

// VerifyHashOperation verifies a signature over a precomputed hash.
type VerifyHashOperation struct {
	Name      string
	Alg       Algorithm
	Hash      []byte
	Signature []byte
}

type VerifyHashResult struct{}

// ProviderInfo is what describe() reports about a backend.
type ProviderInfo struct {
	UUID        string
	Description string
	Vendor      string
	Version     string
	ID          ID
}

// Provider is the capability set every backend implements. All variants
// share this contract; a tagged provider_id at the wire boundary selects
// which implementation handles a given request.
type Provider interface {
	Describe() (ProviderInfo, map[Opcode]struct{})
	Ping(ctx context.Context) error

	GenerateKey(ctx context.Context, app ApplicationName, op GenerateKeyOperation) (GenerateKeyResult, Status)
	ImportKey(ctx context.Context, app ApplicationName, op ImportKeyOperation) (ImportKeyResult, Status)
	ExportPublicKey(ctx context.Context, app ApplicationName, op ExportPublicKeyOperation) (ExportPublicKeyResult, Status)
	DestroyKey(ctx context.Context, app ApplicationName, op DestroyKeyOperation) (DestroyKeyResult, Status)
	SignHash(ctx context.Context, app ApplicationName, op SignHashOperation) (SignHashResult, Status)
	VerifyHash(ctx context.Context, app ApplicationName, op VerifyHashOperation) (VerifyHashResult, Status)
}

// Unimplemented can be embedded by a provider that only implements a
// subset of the contract (CoreProvider implements none of the key ops).
// Ping reports success; every key operation returns PsaErrorNotSupported.
type Unimplemented struct{}

func (Unimplemented) Ping(ctx context.Context) error { return nil }

func (Unimplemented) GenerateKey(context.Context, ApplicationName, GenerateKeyOperation) (GenerateKeyResult, Status) {
	return GenerateKeyResult{}, PsaErrorNotSupported
}

func (Unimplemented) ImportKey(context.Context, ApplicationName, ImportKeyOperation) (ImportKeyResult, Status) {
	return ImportKeyResult{}, PsaErrorNotSupported
}

func (Unimplemented) ExportPublicKey(context.Context, ApplicationName, ExportPublicKeyOperation) (ExportPublicKeyResult, Status) {
	return ExportPublicKeyResult{}, PsaErrorNotSupported
}

func (Unimplemented) DestroyKey(context.Context, ApplicationName, DestroyKeyOperation) (DestroyKeyResult, Status) {
	return DestroyKeyResult{}, PsaErrorNotSupported
}

func (Unimplemented) SignHash(context.Context, ApplicationName, SignHashOperation) (SignHashResult, Status) {
	return SignHashResult{}, PsaErrorNotSupported
}

func (Unimplemented) VerifyHash(context.Context, ApplicationName, VerifyHashOperation) (VerifyHashResult, Status) {
	return VerifyHashResult{}, PsaErrorNotSupported
}
