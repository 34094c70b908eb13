package pkcs11

import (
	"crypto/elliptic"
	"encoding/asn1"
	"math/big"

	"github.com/gravitational/trace"
	"github.com/miekg/pkcs11"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// digestInfoPrefix is the DER-encoded DigestInfo prefix PKCS#1 v1.5
// prepends ahead of the raw hash, matching crypto/rsa's own pkcs1v15HashInfo
// table. CKM_RSA_PKCS expects the caller to supply exactly this shape — it
// performs the padding step, not the hash-identification step.
var digestInfoPrefix = map[provider.HashAlg][]byte{
	provider.Sha256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	provider.Sha384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	provider.Sha512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// mechanismFor picks the PKCS#11 mechanism for a permitted algorithm, and
// for RSA returns the exact bytes CKM_RSA_PKCS should sign (DigestInfo ||
// hash) rather than the bare hash.
func mechanismFor(alg provider.Algorithm, hash []byte) (*pkcs11.Mechanism, []byte, error) {
	switch {
	case alg.RsaPkcs1v15Sign:
		prefix, ok := digestInfoPrefix[alg.Hash]
		if !ok {
			return nil, nil, trace.BadParameter("unsupported hash for RSA PKCS#1 v1.5")
		}
		data := append(append([]byte{}, prefix...), hash...)
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), data, nil
	case alg.EcdsaSign:
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), hash, nil
	default:
		return nil, nil, trace.BadParameter("unsupported algorithm %s", alg)
	}
}

// ecdsaSigToASN1 converts a PKCS#11 raw r||s ECDSA signature into the
// ASN.1 DER SEQUENCE{r,s} form the rest of this daemon standardizes on
// (matching crypto/ecdsa.VerifyASN1's expected shape).
func ecdsaSigToASN1(raw []byte) ([]byte, error) {
	if len(raw)%2 != 0 {
		return nil, trace.BadParameter("malformed ECDSA signature from HSM")
	}
	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])
	return asn1.Marshal(struct{ R, S *big.Int }{r, s})
}

// ecdsaSigFromASN1 converts an ASN.1 DER ECDSA signature into the PKCS#11
// raw r||s form, padded to the curve's field size.
func ecdsaSigFromASN1(der []byte, curve elliptic.Curve) ([]byte, error) {
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, trace.BadParameter("malformed ASN.1 ECDSA signature: %v", err)
	}
	size := (curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out, nil
}
