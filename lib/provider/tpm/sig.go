package tpm

import (
	"encoding/asn1"
	"math/big"

	"github.com/gravitational/trace"
)

// asn1EncodeECDSA packs the raw r/s buffers the TPM returns into the
// ASN.1 DER SEQUENCE{r,s} shape used across every provider in this
// daemon, matching crypto/ecdsa.VerifyASN1's expected signature encoding.
func asn1EncodeECDSA(rBytes, sBytes []byte) ([]byte, error) {
	r := new(big.Int).SetBytes(rBytes)
	s := new(big.Int).SetBytes(sBytes)
	return asn1.Marshal(struct{ R, S *big.Int }{r, s})
}

func asn1DecodeECDSA(der []byte) (r, s *big.Int, err error) {
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, trace.BadParameter("malformed ASN.1 ECDSA signature: %v", err)
	}
	return sig.R, sig.S, nil
}
