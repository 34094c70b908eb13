package software

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"

	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

func hashFunc(h provider.HashAlg) crypto.Hash {
	switch h {
	case provider.Sha256:
		return crypto.SHA256
	case provider.Sha384:
		return crypto.SHA384
	case provider.Sha512:
		return crypto.SHA512
	default:
		return 0
	}
}

func hashLen(h crypto.Hash) int {
	switch h {
	case crypto.SHA256:
		return 32
	case crypto.SHA384:
		return 48
	case crypto.SHA512:
		return 64
	default:
		return 0
	}
}

// generateKeyPair creates fresh key material for attrs.Type and returns it
// PKCS#8-encoded, along with the public half.
func generateKeyPair(attrs provider.KeyAttributes) ([]byte, crypto.PublicKey, error) {
	switch attrs.Type {
	case provider.RsaKeyPair:
		bits := int(attrs.Bits)
		if bits == 0 {
			bits = 2048
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return der, &key.PublicKey, nil
	case provider.EccKeyPair:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return der, &key.PublicKey, nil
	default:
		return nil, nil, trace.BadParameter("software provider cannot generate key type %s", attrs.Type)
	}
}

// parseSigner loads a PKCS#8-encoded private key back into a crypto.Signer.
func parseSigner(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, trace.BadParameter("stored key material is not a signing key")
	}
	return signer, nil
}

// importKeyPair validates and re-encodes externally supplied key material
// for the given attrs, returning normalized PKCS#8 DER plus the public key.
func importKeyPair(raw []byte, attrs provider.KeyAttributes) ([]byte, crypto.PublicKey, error) {
	switch attrs.Type {
	case provider.RsaKeyPair, provider.EccKeyPair:
		key, err := x509.ParsePKCS8PrivateKey(raw)
		if err != nil {
			return nil, nil, trace.BadParameter("invalid PKCS#8 key material: %v", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, nil, trace.BadParameter("imported key is not a signing key")
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return der, signer.Public(), nil
	case provider.RsaPublicKey, provider.EccPublicKey:
		pub, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			return nil, nil, trace.BadParameter("invalid SubjectPublicKeyInfo: %v", err)
		}
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return der, pub, nil
	default:
		return nil, nil, trace.BadParameter("software provider cannot import key type %s", attrs.Type)
	}
}

// exportPublicKeyDER marshals a public key as SubjectPublicKeyInfo DER.
func exportPublicKeyDER(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return der, nil
}

// parsePublicKeyDER loads a stored public-key-only record back into its
// crypto.PublicKey form (used to load RsaPublicKey/EccPublicKey backend
// entries, which have no private half to parse as PKCS#8).
func parsePublicKeyDER(der []byte) (crypto.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pub, nil
}

func signHash(signer crypto.Signer, alg provider.Algorithm, hash []byte) ([]byte, error) {
	h := hashFunc(alg.Hash)
	if h == 0 || len(hash) != hashLen(h) {
		return nil, trace.BadParameter("hash length %d does not match algorithm %s", len(hash), alg)
	}
	switch {
	case alg.RsaPkcs1v15Sign:
		if _, ok := signer.Public().(*rsa.PublicKey); !ok {
			return nil, trace.BadParameter("key is not an RSA key")
		}
		return signer.Sign(rand.Reader, hash, h)
	case alg.EcdsaSign:
		if _, ok := signer.Public().(*ecdsa.PublicKey); !ok {
			return nil, trace.BadParameter("key is not an ECDSA key")
		}
		return signer.Sign(rand.Reader, hash, h)
	default:
		return nil, trace.BadParameter("unsupported algorithm %s", alg)
	}
}

func verifyHash(pub crypto.PublicKey, alg provider.Algorithm, hash, sig []byte) error {
	h := hashFunc(alg.Hash)
	if h == 0 || len(hash) != hashLen(h) {
		return trace.BadParameter("hash length %d does not match algorithm %s", len(hash), alg)
	}
	switch {
	case alg.RsaPkcs1v15Sign:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return trace.BadParameter("key is not an RSA key")
		}
		if err := rsa.VerifyPKCS1v15(rsaPub, h, hash, sig); err != nil {
			return trace.AccessDenied("signature verification failed: %v", err)
		}
		return nil
	case alg.EcdsaSign:
		ecdsaPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return trace.BadParameter("key is not an ECDSA key")
		}
		if !ecdsa.VerifyASN1(ecdsaPub, hash, sig) {
			return trace.AccessDenied("signature verification failed")
		}
		return nil
	default:
		return trace.BadParameter("unsupported algorithm %s", alg)
	}
}
