package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		ProviderID: provider.Pkcs11,
		Opcode:     provider.PsaSignHash,
		AuthBlob:   []byte("app-token"),
		Payload:    []byte{1, 2, 3, 4},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{Status: provider.PsaErrorDoesNotExist, Payload: []byte{9, 9}}

	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestGenerateKeyOperationRoundTrip(t *testing.T) {
	op := provider.GenerateKeyOperation{
		Name: "k1",
		Attrs: provider.KeyAttributes{
			Lifetime: provider.Persistent,
			Type:     provider.EccKeyPair,
			Bits:     256,
			Policy: provider.Policy{
				Usage:     provider.UsageSignHash | provider.UsageVerifyHash,
				Permitted: provider.Algorithm{EcdsaSign: true, Hash: provider.Sha256},
			},
		},
	}
	got, err := DecodeGenerateKeyOperation(EncodeGenerateKeyOperation(op))
	require.NoError(t, err)
	require.Equal(t, op, got)
}

func TestSignAndVerifyOperationRoundTrip(t *testing.T) {
	sign := provider.SignHashOperation{
		Name: "k1",
		Alg:  provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha384},
		Hash: []byte{1, 2, 3},
	}
	gotSign, err := DecodeSignHashOperation(EncodeSignHashOperation(sign))
	require.NoError(t, err)
	require.Equal(t, sign, gotSign)

	verify := provider.VerifyHashOperation{
		Name:      "k1",
		Alg:       sign.Alg,
		Hash:      sign.Hash,
		Signature: []byte{4, 5, 6},
	}
	gotVerify, err := DecodeVerifyHashOperation(EncodeVerifyHashOperation(verify))
	require.NoError(t, err)
	require.Equal(t, verify, gotVerify)
}

func TestListProvidersResultRoundTrip(t *testing.T) {
	infos := []provider.ProviderInfo{
		{ID: provider.Core, UUID: "core-uuid", Description: "core", Vendor: "parsec", Version: "1.0.0"},
		{ID: provider.MbedCrypto, UUID: "sw-uuid", Description: "software", Vendor: "parsec", Version: "1.0.0"},
	}
	got, err := DecodeListProvidersResult(EncodeListProvidersResult(infos))
	require.NoError(t, err)
	require.Equal(t, infos, got)
}

func TestListOpcodesRoundTrip(t *testing.T) {
	target, err := DecodeListOpcodesOperation(EncodeListOpcodesOperation(provider.Tpm))
	require.NoError(t, err)
	require.Equal(t, provider.Tpm, target)

	ops := []provider.Opcode{provider.Ping, provider.PsaGenerateKey, provider.PsaSignHash}
	gotOps, err := DecodeListOpcodesResult(EncodeListOpcodesResult(ops))
	require.NoError(t, err)
	require.Equal(t, ops, gotOps)
}

func TestDecodeMalformedPayloadIsInvalidEncoding(t *testing.T) {
	_, err := DecodeSignHashOperation([]byte{0x00})
	require.ErrorIs(t, err, ErrInvalidEncoding)
}
