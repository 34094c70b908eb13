package wire

import (
	"bytes"
	"io"

	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// Operation payloads carry a key name, immutable KeyAttributes where the
// operation creates a key, and opaque byte blobs (hashes, signatures, key
// material) — all length-prefixed for arbitrary-length fields, fixed-width
// for the small enumerations.

func appendString(buf []byte, s string) []byte {
	return appendLenPrefixed(buf, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readLenPrefixed(r)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(b), nil
}

func appendAttrs(buf []byte, a provider.KeyAttributes) []byte {
	buf = append(buf, byte(a.Lifetime), byte(a.Type))
	buf = appendUint32(buf, a.Bits)
	buf = appendUint32(buf, uint32(a.Policy.Usage))
	buf = appendAlgorithm(buf, a.Policy.Permitted)
	return buf
}

func readAttrs(r io.Reader) (provider.KeyAttributes, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return provider.KeyAttributes{}, trace.Wrap(err)
	}
	var bitsBuf [4]byte
	if _, err := io.ReadFull(r, bitsBuf[:]); err != nil {
		return provider.KeyAttributes{}, trace.Wrap(err)
	}
	var usageBuf [4]byte
	if _, err := io.ReadFull(r, usageBuf[:]); err != nil {
		return provider.KeyAttributes{}, trace.Wrap(err)
	}
	alg, err := readAlgorithm(r)
	if err != nil {
		return provider.KeyAttributes{}, trace.Wrap(err)
	}
	return provider.KeyAttributes{
		Lifetime: provider.KeyLifetime(hdr[0]),
		Type:     provider.KeyType(hdr[1]),
		Bits:     byteOrder.Uint32(bitsBuf[:]),
		Policy: provider.Policy{
			Usage:     provider.UsageFlags(byteOrder.Uint32(usageBuf[:])),
			Permitted: alg,
		},
	}, nil
}

func appendAlgorithm(buf []byte, a provider.Algorithm) []byte {
	var flags byte
	if a.RsaPkcs1v15Sign {
		flags |= 1
	}
	if a.EcdsaSign {
		flags |= 2
	}
	return append(buf, flags, byte(a.Hash))
}

func readAlgorithm(r io.Reader) (provider.Algorithm, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return provider.Algorithm{}, trace.Wrap(err)
	}
	return provider.Algorithm{
		RsaPkcs1v15Sign: b[0]&1 != 0,
		EcdsaSign:       b[0]&2 != 0,
		Hash:            provider.HashAlg(b[1]),
	}, nil
}

// EncodeGenerateKeyOperation/DecodeGenerateKeyOperation handle PsaGenerateKey.
func EncodeGenerateKeyOperation(op provider.GenerateKeyOperation) []byte {
	buf := appendString(nil, op.Name)
	buf = appendAttrs(buf, op.Attrs)
	return buf
}

func DecodeGenerateKeyOperation(payload []byte) (provider.GenerateKeyOperation, error) {
	r := bytes.NewReader(payload)
	name, err := readString(r)
	if err != nil {
		return provider.GenerateKeyOperation{}, ErrInvalidEncoding
	}
	attrs, err := readAttrs(r)
	if err != nil {
		return provider.GenerateKeyOperation{}, ErrInvalidEncoding
	}
	return provider.GenerateKeyOperation{Name: name, Attrs: attrs}, nil
}

// EncodeImportKeyOperation/DecodeImportKeyOperation handle PsaImportKey.
func EncodeImportKeyOperation(op provider.ImportKeyOperation) []byte {
	buf := appendString(nil, op.Name)
	buf = appendAttrs(buf, op.Attrs)
	buf = appendLenPrefixed(buf, op.KeyBytes)
	return buf
}

func DecodeImportKeyOperation(payload []byte) (provider.ImportKeyOperation, error) {
	r := bytes.NewReader(payload)
	name, err := readString(r)
	if err != nil {
		return provider.ImportKeyOperation{}, ErrInvalidEncoding
	}
	attrs, err := readAttrs(r)
	if err != nil {
		return provider.ImportKeyOperation{}, ErrInvalidEncoding
	}
	keyBytes, err := readLenPrefixed(r)
	if err != nil {
		return provider.ImportKeyOperation{}, ErrInvalidEncoding
	}
	return provider.ImportKeyOperation{Name: name, Attrs: attrs, KeyBytes: keyBytes}, nil
}

// EncodeExportPublicKeyOperation/DecodeExportPublicKeyOperation handle
// PsaExportPublicKey.
func EncodeExportPublicKeyOperation(op provider.ExportPublicKeyOperation) []byte {
	return appendString(nil, op.Name)
}

func DecodeExportPublicKeyOperation(payload []byte) (provider.ExportPublicKeyOperation, error) {
	r := bytes.NewReader(payload)
	name, err := readString(r)
	if err != nil {
		return provider.ExportPublicKeyOperation{}, ErrInvalidEncoding
	}
	return provider.ExportPublicKeyOperation{Name: name}, nil
}

func EncodeExportPublicKeyResult(res provider.ExportPublicKeyResult) []byte {
	return appendLenPrefixed(nil, res.KeyBytes)
}

func DecodeExportPublicKeyResult(payload []byte) (provider.ExportPublicKeyResult, error) {
	r := bytes.NewReader(payload)
	keyBytes, err := readLenPrefixed(r)
	if err != nil {
		return provider.ExportPublicKeyResult{}, ErrInvalidEncoding
	}
	return provider.ExportPublicKeyResult{KeyBytes: keyBytes}, nil
}

// EncodeDestroyKeyOperation/DecodeDestroyKeyOperation handle PsaDestroyKey.
func EncodeDestroyKeyOperation(op provider.DestroyKeyOperation) []byte {
	return appendString(nil, op.Name)
}

func DecodeDestroyKeyOperation(payload []byte) (provider.DestroyKeyOperation, error) {
	r := bytes.NewReader(payload)
	name, err := readString(r)
	if err != nil {
		return provider.DestroyKeyOperation{}, ErrInvalidEncoding
	}
	return provider.DestroyKeyOperation{Name: name}, nil
}

// EncodeSignHashOperation/DecodeSignHashOperation handle PsaSignHash.
func EncodeSignHashOperation(op provider.SignHashOperation) []byte {
	buf := appendString(nil, op.Name)
	buf = appendAlgorithm(buf, op.Alg)
	buf = appendLenPrefixed(buf, op.Hash)
	return buf
}

func DecodeSignHashOperation(payload []byte) (provider.SignHashOperation, error) {
	r := bytes.NewReader(payload)
	name, err := readString(r)
	if err != nil {
		return provider.SignHashOperation{}, ErrInvalidEncoding
	}
	alg, err := readAlgorithm(r)
	if err != nil {
		return provider.SignHashOperation{}, ErrInvalidEncoding
	}
	hash, err := readLenPrefixed(r)
	if err != nil {
		return provider.SignHashOperation{}, ErrInvalidEncoding
	}
	return provider.SignHashOperation{Name: name, Alg: alg, Hash: hash}, nil
}

func EncodeSignHashResult(res provider.SignHashResult) []byte {
	return appendLenPrefixed(nil, res.Signature)
}

func DecodeSignHashResult(payload []byte) (provider.SignHashResult, error) {
	r := bytes.NewReader(payload)
	sig, err := readLenPrefixed(r)
	if err != nil {
		return provider.SignHashResult{}, ErrInvalidEncoding
	}
	return provider.SignHashResult{Signature: sig}, nil
}

// EncodeVerifyHashOperation/DecodeVerifyHashOperation handle PsaVerifyHash.
func EncodeVerifyHashOperation(op provider.VerifyHashOperation) []byte {
	buf := appendString(nil, op.Name)
	buf = appendAlgorithm(buf, op.Alg)
	buf = appendLenPrefixed(buf, op.Hash)
	buf = appendLenPrefixed(buf, op.Signature)
	return buf
}

func DecodeVerifyHashOperation(payload []byte) (provider.VerifyHashOperation, error) {
	r := bytes.NewReader(payload)
	name, err := readString(r)
	if err != nil {
		return provider.VerifyHashOperation{}, ErrInvalidEncoding
	}
	alg, err := readAlgorithm(r)
	if err != nil {
		return provider.VerifyHashOperation{}, ErrInvalidEncoding
	}
	hash, err := readLenPrefixed(r)
	if err != nil {
		return provider.VerifyHashOperation{}, ErrInvalidEncoding
	}
	sig, err := readLenPrefixed(r)
	if err != nil {
		return provider.VerifyHashOperation{}, ErrInvalidEncoding
	}
	return provider.VerifyHashOperation{Name: name, Alg: alg, Hash: hash, Signature: sig}, nil
}

// EncodeListOpcodesOperation/DecodeListOpcodesOperation handle ListOpcodes:
// a single byte naming the target provider_id being queried.
func EncodeListOpcodesOperation(target provider.ID) []byte {
	return []byte{byte(target)}
}

func DecodeListOpcodesOperation(payload []byte) (provider.ID, error) {
	if len(payload) != 1 {
		return 0, ErrInvalidEncoding
	}
	return provider.ID(payload[0]), nil
}

func EncodeListOpcodesResult(ops []provider.Opcode) []byte {
	buf := appendUint32(nil, uint32(len(ops)))
	for _, op := range ops {
		buf = appendUint16(buf, uint16(op))
	}
	return buf
}

func DecodeListOpcodesResult(payload []byte) ([]provider.Opcode, error) {
	r := bytes.NewReader(payload)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, ErrInvalidEncoding
	}
	count := byteOrder.Uint32(countBuf[:])
	out := make([]provider.Opcode, 0, count)
	for i := uint32(0); i < count; i++ {
		var opBuf [2]byte
		if _, err := io.ReadFull(r, opBuf[:]); err != nil {
			return nil, ErrInvalidEncoding
		}
		out = append(out, provider.Opcode(byteOrder.Uint16(opBuf[:])))
	}
	return out, nil
}

// EncodeListProvidersResult/DecodeListProvidersResult handle ListProviders
// (ListProviders itself carries no request payload).
func EncodeListProvidersResult(infos []provider.ProviderInfo) []byte {
	buf := appendUint32(nil, uint32(len(infos)))
	for _, info := range infos {
		buf = append(buf, byte(info.ID))
		buf = appendString(buf, info.UUID)
		buf = appendString(buf, info.Description)
		buf = appendString(buf, info.Vendor)
		buf = appendString(buf, info.Version)
	}
	return buf
}

func DecodeListProvidersResult(payload []byte) ([]provider.ProviderInfo, error) {
	r := bytes.NewReader(payload)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, ErrInvalidEncoding
	}
	count := byteOrder.Uint32(countBuf[:])
	out := make([]provider.ProviderInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var idByte [1]byte
		if _, err := io.ReadFull(r, idByte[:]); err != nil {
			return nil, ErrInvalidEncoding
		}
		uuid, err := readString(r)
		if err != nil {
			return nil, ErrInvalidEncoding
		}
		desc, err := readString(r)
		if err != nil {
			return nil, ErrInvalidEncoding
		}
		vendor, err := readString(r)
		if err != nil {
			return nil, ErrInvalidEncoding
		}
		version, err := readString(r)
		if err != nil {
			return nil, ErrInvalidEncoding
		}
		out = append(out, provider.ProviderInfo{
			ID:          provider.ID(idByte[0]),
			UUID:        uuid,
			Description: desc,
			Vendor:      vendor,
			Version:     version,
		})
	}
	return out, nil
}
