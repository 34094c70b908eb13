// Package tpm implements a TPM 2.0-backed PSA Crypto provider built on
// google/go-tpm's command-struct API.
// A single owner-hierarchy ECC primary is created at startup and kept
// loaded for the provider's lifetime; every other key is created as a
// child of that primary and loaded transiently for the duration of one
// operation.
package tpm

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/binary"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/kim"
	"github.com/SilvaMatteus/parsec/lib/provider"
)

var providerUUID = uuid.MustParse("dd02c566-1da3-4ca1-8ad3-37d4e3e33d3c").String()

// Config configures a TpmProvider.
type Config struct {
	// TCTI selects the TPM transport: "simulator" for an in-process
	// software TPM (tests and development), or a device path such as
	// "/dev/tpmrm0" for a real TPM.
	TCTI string
	// OwnerHierarchyAuth authorizes the owner hierarchy used to create
	// the provider's primary key. Empty means the well-known empty auth.
	OwnerHierarchyAuth string
	// KeyBlobDir holds the persisted child-key blobs. Empty means a
	// sibling directory next to the KIM root (the KIM path with a
	// ".blobs" suffix).
	KeyBlobDir string
}

// Provider is the TPM 2.0-backed PSA Crypto backend.
type Provider struct {
	provider.DegradeGuard

	transport transport.TPMCloser
	ownerAuth string
	primary   tpm2.TPMHandle

	// tpmMu serializes every command sent to the device: a TPM has a
	// single command/response channel.
	tpmMu sync.Mutex

	kim     kim.Manager
	ids     *provider.LocalIDStore
	counter *kim.Counter
	blobs   *blobStore

	log *slog.Logger
}

func openTransport(tcti string) (transport.TPMCloser, error) {
	if tcti == "" || tcti == "simulator" {
		sim, err := simulator.GetWithFixedSeedInsecure(0)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return transport.FromReadWriteCloser(sim), nil
	}
	// "device:/dev/tpmrm0" and a bare device path both name a character
	// device TCTI.
	path := strings.TrimPrefix(tcti, "device:")
	t, err := linuxtpm.Open(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return t, nil
}

// New opens the TPM transport, creates (or re-creates, since the daemon
// does not persist primary-key context across restarts) the owner
// primary, and reconciles against KIM.
func New(ctx context.Context, cfg Config, manager kim.Manager, kimRoot string, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	t, err := openTransport(cfg.TCTI)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	blobDir := cfg.KeyBlobDir
	if blobDir == "" {
		blobDir = kimRoot + ".blobs"
	}
	blobs, err := newBlobStore(blobDir)
	if err != nil {
		t.Close()
		return nil, trace.Wrap(err)
	}
	counter, err := kim.NewCounter(kimRoot, provider.Tpm)
	if err != nil {
		t.Close()
		return nil, trace.Wrap(err)
	}

	p := &Provider{
		transport: t,
		ownerAuth: cfg.OwnerHierarchyAuth,
		kim:       manager,
		ids:       provider.NewLocalIDStore(),
		counter:   counter,
		blobs:     blobs,
		log:       log,
	}
	p.SetLogger(log)

	if err := p.createPrimary(); err != nil {
		t.Close()
		return nil, trace.Wrap(err)
	}
	if err := p.reconcile(); err != nil {
		p.Close()
		return nil, trace.Wrap(err)
	}
	return p, nil
}

func (p *Provider) ownerAuthSession() tpm2.Session {
	return tpm2.PasswordAuth([]byte(p.ownerAuth))
}

func (p *Provider) createPrimary() error {
	p.tpmMu.Lock()
	defer p.tpmMu.Unlock()

	resp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   p.ownerAuthSession(),
		},
		InPublic: tpm2.New2B(tpm2.ECCSRKTemplate),
	}.Execute(p.transport)
	if err != nil {
		return trace.Wrap(err)
	}
	p.primary = resp.ObjectHandle
	return nil
}

// Close flushes the primary and closes the transport. Called exactly
// once at daemon shutdown.
func (p *Provider) Close() {
	p.tpmMu.Lock()
	if p.primary != 0 {
		_, _ = tpm2.FlushContext{FlushHandle: p.primary}.Execute(p.transport)
	}
	p.tpmMu.Unlock()
	_ = p.transport.Close()
}

func (p *Provider) reconcile() error {
	triples, err := p.kim.GetAll(provider.Tpm)
	if err != nil {
		return trace.Wrap(err)
	}
	var toRemove []provider.KeyTriple
	for _, triple := range triples {
		info, err := p.kim.Get(triple)
		if err != nil {
			return trace.Wrap(err)
		}
		id, err := decodeID(info.BackendID)
		if err != nil {
			return trace.Wrap(err)
		}
		if _, err := p.blobs.load(id); err != nil {
			if trace.IsNotFound(err) {
				toRemove = append(toRemove, triple)
				p.log.Warn("TPM key blob missing on disk, dropping stale KIM entry", "triple", triple.String())
				continue
			}
			return trace.Wrap(err)
		}
		if err := p.ids.Add(info.BackendID, triple); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, triple := range toRemove {
		if err := p.kim.Remove(triple); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

func encodeID(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

func decodeID(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, trace.BadParameter("malformed TPM backend id")
	}
	return binary.BigEndian.Uint32(b), nil
}

func (p *Provider) triple(app provider.ApplicationName, name string) provider.KeyTriple {
	return provider.KeyTriple{Application: app, Name: name, Provider: provider.Tpm}
}

func (p *Provider) Describe() (provider.ProviderInfo, map[provider.Opcode]struct{}) {
	info := provider.ProviderInfo{
		UUID:        providerUUID,
		Description: "TPM 2.0-backed PSA Crypto provider",
		Vendor:      "parsec",
		Version:     "1.0.0",
		ID:          provider.Tpm,
	}
	ops := map[provider.Opcode]struct{}{
		provider.Ping:               {},
		provider.PsaGenerateKey:     {},
		provider.PsaExportPublicKey: {},
		provider.PsaDestroyKey:      {},
		provider.PsaSignHash:        {},
		provider.PsaVerifyHash:      {},
	}
	return info, ops
}

func (p *Provider) Ping(ctx context.Context) error {
	if err := p.CheckDegraded(); err != nil {
		return err
	}
	p.tpmMu.Lock()
	defer p.tpmMu.Unlock()
	_, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}.Execute(p.transport)
	return trace.Wrap(err)
}

func eccSignTemplate(usage provider.UsageFlags) tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgECC,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			NoDA:                true,
			SignEncrypt:         usage.Has(provider.UsageSignHash),
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				CurveID: tpm2.TPMECCNistP256,
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgECDSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgECDSA,
						&tpm2.TPMSSigSchemeECDSA{HashAlg: tpm2.TPMAlgSHA256},
					),
				},
			},
		),
	}
}

func (p *Provider) GenerateKey(ctx context.Context, app provider.ApplicationName, op provider.GenerateKeyOperation) (res provider.GenerateKeyResult, status provider.Status) {
	defer p.Recover(&status)
	if err := p.CheckDegraded(); err != nil {
		return res, provider.PsaErrorGenericError
	}
	if op.Attrs.Type != provider.EccKeyPair {
		return res, provider.PsaErrorNotSupported
	}
	if op.Attrs.Policy.Usage == 0 {
		return res, provider.PsaErrorInvalidArgument
	}
	triple := p.triple(app, op.Name)
	if p.kim.Exists(triple) {
		return res, provider.PsaErrorAlreadyExists
	}

	counterVal, err := p.counter.Next()
	if err != nil {
		return res, provider.PsaErrorGenericError
	}

	var blob keyBlob
	err = func() error {
		p.tpmMu.Lock()
		defer p.tpmMu.Unlock()
		resp, err := tpm2.Create{
			ParentHandle: tpm2.AuthHandle{
				Handle: p.primary,
				Auth:   tpm2.PasswordAuth(nil),
			},
			InPublic: tpm2.New2B(eccSignTemplate(op.Attrs.Policy.Usage)),
		}.Execute(p.transport)
		if err != nil {
			return err
		}
		blob = keyBlob{Public: resp.OutPublic, Private: resp.OutPrivate}
		return nil
	}()
	if err != nil {
		return res, provider.PsaErrorGenericError
	}

	if err := p.blobs.save(counterVal, blob); err != nil {
		return res, provider.PsaErrorGenericError
	}

	backendID := encodeID(counterVal)
	info := provider.KeyInfo{BackendID: backendID, Attrs: op.Attrs}
	if err := p.kim.Insert(triple, info); err != nil {
		_ = p.blobs.delete(counterVal)
		return res, provider.StatusFromError(err)
	}
	if err := p.ids.Add(backendID, triple); err != nil {
		p.log.Error("local id store rejected newly generated TPM key", "error", err)
	}
	return res, provider.Success
}

func (p *Provider) ImportKey(ctx context.Context, app provider.ApplicationName, op provider.ImportKeyOperation) (res provider.ImportKeyResult, status provider.Status) {
	defer p.Recover(&status)
	// The reference implementation has no portable way to import raw key
	// material under a TPM's sensitive-data-origin object; duplication-
	// based import is out of scope here.
	return res, provider.PsaErrorNotSupported
}

type loadedKey struct {
	p      *Provider
	handle tpm2.TPMHandle
	pub    tpm2.TPMTPublic
}

func (p *Provider) load(id uint32) (*loadedKey, error) {
	blob, err := p.blobs.load(id)
	if err != nil {
		return nil, err
	}
	pub, err := blob.Public.Contents()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.tpmMu.Lock()
	resp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: p.primary,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPrivate: blob.Private,
		InPublic:  blob.Public,
	}.Execute(p.transport)
	p.tpmMu.Unlock()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &loadedKey{p: p, handle: resp.ObjectHandle, pub: *pub}, nil
}

func (k *loadedKey) Close() {
	k.p.tpmMu.Lock()
	defer k.p.tpmMu.Unlock()
	_, _ = tpm2.FlushContext{FlushHandle: k.handle}.Execute(k.p.transport)
}

func (k *loadedKey) ecdsaPublicKey() (*ecdsa.PublicKey, error) {
	point, err := k.pub.Unique.ECC()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	x := new(big.Int).SetBytes(point.X.Buffer)
	y := new(big.Int).SetBytes(point.Y.Buffer)
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

func (p *Provider) ExportPublicKey(ctx context.Context, app provider.ApplicationName, op provider.ExportPublicKeyOperation) (res provider.ExportPublicKeyResult, status provider.Status) {
	defer p.Recover(&status)
	if err := p.CheckDegraded(); err != nil {
		return res, provider.PsaErrorGenericError
	}
	triple := p.triple(app, op.Name)
	info, err := p.kim.Get(triple)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	id, err := decodeID(info.BackendID)
	if err != nil {
		return res, provider.PsaErrorGenericError
	}

	key, err := p.load(id)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	defer key.Close()

	pub, err := key.ecdsaPublicKey()
	if err != nil {
		return res, provider.PsaErrorGenericError
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return res, provider.PsaErrorGenericError
	}
	return provider.ExportPublicKeyResult{KeyBytes: der}, provider.Success
}

func (p *Provider) DestroyKey(ctx context.Context, app provider.ApplicationName, op provider.DestroyKeyOperation) (res provider.DestroyKeyResult, status provider.Status) {
	defer p.Recover(&status)
	if err := p.CheckDegraded(); err != nil {
		return res, provider.PsaErrorGenericError
	}
	triple := p.triple(app, op.Name)
	info, err := p.kim.Get(triple)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	id, err := decodeID(info.BackendID)
	if err != nil {
		return res, provider.PsaErrorGenericError
	}

	if err := p.blobs.delete(id); err != nil && !trace.IsNotFound(err) {
		return res, provider.StatusFromError(err)
	}

	p.ids.Remove(info.BackendID)
	if err := p.kim.Remove(triple); err != nil {
		return res, provider.StatusFromError(err)
	}
	return res, provider.Success
}

func (p *Provider) SignHash(ctx context.Context, app provider.ApplicationName, op provider.SignHashOperation) (res provider.SignHashResult, status provider.Status) {
	defer p.Recover(&status)
	if err := p.CheckDegraded(); err != nil {
		return res, provider.PsaErrorGenericError
	}
	triple := p.triple(app, op.Name)
	info, err := p.kim.Get(triple)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	if !info.Attrs.Policy.Usage.Has(provider.UsageSignHash) || !info.Attrs.Policy.Permitted.Equal(op.Alg) {
		return res, provider.PsaErrorNotPermitted
	}
	if !op.Alg.EcdsaSign {
		return res, provider.PsaErrorNotSupported
	}
	id, err := decodeID(info.BackendID)
	if err != nil {
		return res, provider.PsaErrorGenericError
	}

	key, err := p.load(id)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	defer key.Close()

	var sigResp *tpm2.SignResponse
	err = func() error {
		p.tpmMu.Lock()
		defer p.tpmMu.Unlock()
		resp, err := tpm2.Sign{
			KeyHandle: tpm2.AuthHandle{
				Handle: key.handle,
				Auth:   tpm2.PasswordAuth(nil),
			},
			Digest: tpm2.TPM2BDigest{Buffer: op.Hash},
			InScheme: tpm2.TPMTSigScheme{
				Scheme: tpm2.TPMAlgECDSA,
				Details: tpm2.NewTPMUSigScheme(
					tpm2.TPMAlgECDSA,
					&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
				),
			},
			Validation: tpm2.TPMTTKHashcheck{
				Tag:       tpm2.TPMSTHashcheck,
				Hierarchy: tpm2.TPMRHNull,
			},
		}.Execute(p.transport)
		if err != nil {
			return err
		}
		sigResp = resp
		return nil
	}()
	if err != nil {
		return res, provider.PsaErrorGenericError
	}

	ecdsaSig, err := sigResp.Signature.Signature.ECDSA()
	if err != nil {
		return res, provider.PsaErrorGenericError
	}
	der, err := asn1EncodeECDSA(ecdsaSig.SignatureR.Buffer, ecdsaSig.SignatureS.Buffer)
	if err != nil {
		return res, provider.PsaErrorGenericError
	}
	return provider.SignHashResult{Signature: der}, provider.Success
}

func (p *Provider) VerifyHash(ctx context.Context, app provider.ApplicationName, op provider.VerifyHashOperation) (res provider.VerifyHashResult, status provider.Status) {
	defer p.Recover(&status)
	if err := p.CheckDegraded(); err != nil {
		return res, provider.PsaErrorGenericError
	}
	triple := p.triple(app, op.Name)
	info, err := p.kim.Get(triple)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	if !info.Attrs.Policy.Usage.Has(provider.UsageVerifyHash) || !info.Attrs.Policy.Permitted.Equal(op.Alg) {
		return res, provider.PsaErrorNotPermitted
	}
	id, err := decodeID(info.BackendID)
	if err != nil {
		return res, provider.PsaErrorGenericError
	}

	key, err := p.load(id)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	defer key.Close()

	pub, err := key.ecdsaPublicKey()
	if err != nil {
		return res, provider.PsaErrorGenericError
	}
	r, s, err := asn1DecodeECDSA(op.Signature)
	if err != nil {
		return res, provider.PsaErrorInvalidArgument
	}
	if !ecdsa.Verify(pub, op.Hash, r, s) {
		return res, provider.PsaErrorNotPermitted
	}
	return provider.VerifyHashResult{}, provider.Success
}

var _ provider.Provider = (*Provider)(nil)
