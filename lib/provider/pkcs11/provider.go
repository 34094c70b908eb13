// Package pkcs11 implements a PKCS#11-backed PSA Crypto provider, using
// github.com/miekg/pkcs11 for the module handle and a single long-lived
// session.
package pkcs11

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"log/slog"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	p11 "github.com/miekg/pkcs11"

	"github.com/SilvaMatteus/parsec/lib/kim"
	"github.com/SilvaMatteus/parsec/lib/provider"
)

var providerUUID = uuid.MustParse("30e39502-eba6-4d60-b240-ab134c407087").String()

var oidP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}

// Config configures an HsmProvider.
type Config struct {
	LibraryPath string
	SlotNumber  uint
	UserPIN     string
}

// Provider is the PKCS#11-backed PSA Crypto backend.
type Provider struct {
	provider.DegradeGuard

	ctx     *p11.Ctx
	slot    uint
	session p11.SessionHandle
	pin     string

	// sessionMu serializes every call into the module: PKCS#11 sessions
	// are single-threaded.
	sessionMu sync.Mutex

	kim     kim.Manager
	ids     *provider.LocalIDStore
	counter *kim.Counter

	log *slog.Logger
}

// New opens the PKCS#11 module, establishes the long-lived session, and
// reconciles against KIM.
func New(ctx context.Context, cfg Config, manager kim.Manager, kimRoot string, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	module := p11.New(cfg.LibraryPath)
	if module == nil {
		return nil, trace.BadParameter("failed to load PKCS#11 module %q", cfg.LibraryPath)
	}
	if err := module.Initialize(); err != nil {
		return nil, trace.Wrap(err)
	}

	session, err := module.OpenSession(cfg.SlotNumber, p11.CKF_SERIAL_SESSION|p11.CKF_RW_SESSION)
	if err != nil {
		module.Finalize()
		module.Destroy()
		return nil, trace.Wrap(err)
	}

	counter, err := kim.NewCounter(kimRoot, provider.Pkcs11)
	if err != nil {
		_ = module.CloseSession(session)
		module.Finalize()
		module.Destroy()
		return nil, trace.Wrap(err)
	}

	p := &Provider{
		ctx:     module,
		slot:    cfg.SlotNumber,
		session: session,
		pin:     cfg.UserPIN,
		kim:     manager,
		ids:     provider.NewLocalIDStore(),
		counter: counter,
		log:     log,
	}
	p.SetLogger(log)

	if err := p.reconcile(); err != nil {
		p.Close()
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// Close logs out, closes the session, and finalizes the module. Must be
// called exactly once at daemon shutdown: the HSM session is only
// released by an explicit teardown.
func (p *Provider) Close() {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	_ = p.ctx.Logout(p.session)
	_ = p.ctx.CloseSession(p.session)
	p.ctx.Finalize()
	p.ctx.Destroy()
}

func (p *Provider) withLogin(fn func() error) error {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()

	if p.pin != "" {
		if err := p.ctx.Login(p.session, p11.CKU_USER, p.pin); err != nil &&
			err != p11.Error(p11.CKR_USER_ALREADY_LOGGED_IN) {
			return trace.Wrap(err)
		}
		defer p.ctx.Logout(p.session)
	}
	return fn()
}

func (p *Provider) reconcile() error {
	triples, err := p.kim.GetAll(provider.Pkcs11)
	if err != nil {
		return trace.Wrap(err)
	}
	var toRemove []provider.KeyTriple
	for _, triple := range triples {
		info, err := p.kim.Get(triple)
		if err != nil {
			return trace.Wrap(err)
		}
		// A key pair has a private object, an imported public key only a
		// public one: check both classes before declaring the id dead.
		handles, err := p.findObjects(p11.CKO_PRIVATE_KEY, info.BackendID)
		if err != nil {
			return trace.Wrap(err)
		}
		if len(handles) == 0 {
			handles, err = p.findObjects(p11.CKO_PUBLIC_KEY, info.BackendID)
			if err != nil {
				return trace.Wrap(err)
			}
		}
		if len(handles) == 0 {
			toRemove = append(toRemove, triple)
			continue
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

func (p *Provider) findObjects(class uint, id []byte) ([]p11.ObjectHandle, error) {
	tmpl := []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, class),
		p11.NewAttribute(p11.CKA_ID, id),
	}
	if err := p.ctx.FindObjectsInit(p.session, tmpl); err != nil {
		return nil, trace.Wrap(err)
	}
	defer p.ctx.FindObjectsFinal(p.session)
	handles, _, err := p.ctx.FindObjects(p.session, 2)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return handles, nil
}

func encodeID(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

func (p *Provider) triple(app provider.ApplicationName, name string) provider.KeyTriple {
	return provider.KeyTriple{Application: app, Name: name, Provider: provider.Pkcs11}
}

func (p *Provider) Describe() (provider.ProviderInfo, map[provider.Opcode]struct{}) {
	info := provider.ProviderInfo{
		UUID:        providerUUID,
		Description: "PKCS#11-backed HSM PSA Crypto provider",
		Vendor:      "parsec",
		Version:     "1.0.0",
		ID:          provider.Pkcs11,
	}
	ops := map[provider.Opcode]struct{}{
		provider.Ping:               {},
		provider.PsaGenerateKey:     {},
		provider.PsaImportKey:       {},
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
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	_, err := p.ctx.GetSessionInfo(p.session)
	return trace.Wrap(err)
}

func rsaPublicTemplate(attrs provider.KeyAttributes, id []byte) []*p11.Attribute {
	bits := int(attrs.Bits)
	if bits == 0 {
		bits = 2048
	}
	return []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, p11.CKO_PUBLIC_KEY),
		p11.NewAttribute(p11.CKA_KEY_TYPE, p11.CKK_RSA),
		p11.NewAttribute(p11.CKA_TOKEN, attrs.Lifetime == provider.Persistent),
		p11.NewAttribute(p11.CKA_ID, id),
		p11.NewAttribute(p11.CKA_MODULUS_BITS, bits),
		p11.NewAttribute(p11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
		p11.NewAttribute(p11.CKA_VERIFY, attrs.Policy.Usage.Has(provider.UsageVerifyHash)),
	}
}

func rsaPrivateTemplate(attrs provider.KeyAttributes, id []byte) []*p11.Attribute {
	return []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, p11.CKO_PRIVATE_KEY),
		p11.NewAttribute(p11.CKA_KEY_TYPE, p11.CKK_RSA),
		p11.NewAttribute(p11.CKA_TOKEN, attrs.Lifetime == provider.Persistent),
		p11.NewAttribute(p11.CKA_ID, id),
		p11.NewAttribute(p11.CKA_PRIVATE, true),
		p11.NewAttribute(p11.CKA_SENSITIVE, true),
		p11.NewAttribute(p11.CKA_SIGN, attrs.Policy.Usage.Has(provider.UsageSignHash)),
		p11.NewAttribute(p11.CKA_EXTRACTABLE, false),
	}
}

func ecPublicTemplate(id []byte, attrs provider.KeyAttributes) ([]*p11.Attribute, error) {
	params, err := asn1.Marshal(oidP256)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, p11.CKO_PUBLIC_KEY),
		p11.NewAttribute(p11.CKA_KEY_TYPE, p11.CKK_EC),
		p11.NewAttribute(p11.CKA_TOKEN, attrs.Lifetime == provider.Persistent),
		p11.NewAttribute(p11.CKA_ID, id),
		p11.NewAttribute(p11.CKA_EC_PARAMS, params),
		p11.NewAttribute(p11.CKA_VERIFY, attrs.Policy.Usage.Has(provider.UsageVerifyHash)),
	}, nil
}

func ecPrivateTemplate(id []byte, attrs provider.KeyAttributes) []*p11.Attribute {
	return []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, p11.CKO_PRIVATE_KEY),
		p11.NewAttribute(p11.CKA_KEY_TYPE, p11.CKK_EC),
		p11.NewAttribute(p11.CKA_TOKEN, attrs.Lifetime == provider.Persistent),
		p11.NewAttribute(p11.CKA_ID, id),
		p11.NewAttribute(p11.CKA_PRIVATE, true),
		p11.NewAttribute(p11.CKA_SENSITIVE, true),
		p11.NewAttribute(p11.CKA_SIGN, attrs.Policy.Usage.Has(provider.UsageSignHash)),
		p11.NewAttribute(p11.CKA_EXTRACTABLE, false),
	}
}

func (p *Provider) GenerateKey(ctx context.Context, app provider.ApplicationName, op provider.GenerateKeyOperation) (res provider.GenerateKeyResult, status provider.Status) {
	defer p.Recover(&status)
	if err := p.CheckDegraded(); err != nil {
		return res, provider.PsaErrorGenericError
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
	id := encodeID(counterVal)

	var mech *p11.Mechanism
	var pubTmpl, privTmpl []*p11.Attribute
	switch op.Attrs.Type {
	case provider.RsaKeyPair:
		mech = p11.NewMechanism(p11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)
		pubTmpl = rsaPublicTemplate(op.Attrs, id)
		privTmpl = rsaPrivateTemplate(op.Attrs, id)
	case provider.EccKeyPair:
		mech = p11.NewMechanism(p11.CKM_EC_KEY_PAIR_GEN, nil)
		pubTmpl, err = ecPublicTemplate(id, op.Attrs)
		if err != nil {
			return res, provider.PsaErrorGenericError
		}
		privTmpl = ecPrivateTemplate(id, op.Attrs)
	default:
		return res, provider.PsaErrorInvalidArgument
	}

	err = p.withLogin(func() error {
		_, _, err := p.ctx.GenerateKeyPair(p.session, []*p11.Mechanism{mech}, pubTmpl, privTmpl)
		return err
	})
	if err != nil {
		return res, provider.PsaErrorGenericError
	}

	info := provider.KeyInfo{BackendID: id, Attrs: op.Attrs}
	if err := p.kim.Insert(triple, info); err != nil {
		p.destroyByID(id)
		return res, provider.StatusFromError(err)
	}
	if err := p.ids.Add(id, triple); err != nil {
		p.log.Error("local id store rejected newly generated HSM key", "error", err)
	}
	return res, provider.Success
}

func (p *Provider) destroyByID(id []byte) {
	_ = p.withLogin(func() error {
		for _, class := range []uint{p11.CKO_PRIVATE_KEY, p11.CKO_PUBLIC_KEY} {
			handles, err := p.findObjects(class, id)
			if err != nil {
				continue
			}
			for _, h := range handles {
				_ = p.ctx.DestroyObject(p.session, h)
			}
		}
		return nil
	})
}

func (p *Provider) ImportKey(ctx context.Context, app provider.ApplicationName, op provider.ImportKeyOperation) (res provider.ImportKeyResult, status provider.Status) {
	defer p.Recover(&status)
	if err := p.CheckDegraded(); err != nil {
		return res, provider.PsaErrorGenericError
	}
	triple := p.triple(app, op.Name)
	if p.kim.Exists(triple) {
		return res, provider.PsaErrorAlreadyExists
	}

	counterVal, err := p.counter.Next()
	if err != nil {
		return res, provider.PsaErrorGenericError
	}
	id := encodeID(counterVal)

	pub, err := x509.ParsePKIXPublicKey(op.KeyBytes)
	if err != nil {
		return res, provider.PsaErrorInvalidArgument
	}

	var tmpl []*p11.Attribute
	switch op.Attrs.Type {
	case provider.RsaPublicKey:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return res, provider.PsaErrorInvalidArgument
		}
		tmpl = []*p11.Attribute{
			p11.NewAttribute(p11.CKA_CLASS, p11.CKO_PUBLIC_KEY),
			p11.NewAttribute(p11.CKA_KEY_TYPE, p11.CKK_RSA),
			p11.NewAttribute(p11.CKA_TOKEN, op.Attrs.Lifetime == provider.Persistent),
			p11.NewAttribute(p11.CKA_ID, id),
			p11.NewAttribute(p11.CKA_MODULUS, rsaPub.N.Bytes()),
			p11.NewAttribute(p11.CKA_PUBLIC_EXPONENT, big.NewInt(int64(rsaPub.E)).Bytes()),
			p11.NewAttribute(p11.CKA_VERIFY, op.Attrs.Policy.Usage.Has(provider.UsageVerifyHash)),
		}
	case provider.EccPublicKey:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return res, provider.PsaErrorInvalidArgument
		}
		params, err := asn1.Marshal(oidP256)
		if err != nil {
			return res, provider.PsaErrorGenericError
		}
		point, err := asn1.Marshal(elliptic.Marshal(ecPub.Curve, ecPub.X, ecPub.Y))
		if err != nil {
			return res, provider.PsaErrorGenericError
		}
		tmpl = []*p11.Attribute{
			p11.NewAttribute(p11.CKA_CLASS, p11.CKO_PUBLIC_KEY),
			p11.NewAttribute(p11.CKA_KEY_TYPE, p11.CKK_EC),
			p11.NewAttribute(p11.CKA_TOKEN, op.Attrs.Lifetime == provider.Persistent),
			p11.NewAttribute(p11.CKA_ID, id),
			p11.NewAttribute(p11.CKA_EC_PARAMS, params),
			p11.NewAttribute(p11.CKA_EC_POINT, point),
			p11.NewAttribute(p11.CKA_VERIFY, op.Attrs.Policy.Usage.Has(provider.UsageVerifyHash)),
		}
	default:
		return res, provider.PsaErrorNotSupported
	}

	err = p.withLogin(func() error {
		_, err := p.ctx.CreateObject(p.session, tmpl)
		return err
	})
	if err != nil {
		return res, provider.PsaErrorGenericError
	}

	info := provider.KeyInfo{BackendID: id, Attrs: op.Attrs}
	if err := p.kim.Insert(triple, info); err != nil {
		p.destroyByID(id)
		return res, provider.StatusFromError(err)
	}
	if err := p.ids.Add(id, triple); err != nil {
		p.log.Error("local id store rejected imported HSM key", "error", err)
	}
	return res, provider.Success
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

	var der []byte
	err = p.withLogin(func() error {
		handles, err := p.findObjects(p11.CKO_PUBLIC_KEY, info.BackendID)
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			return trace.NotFound("public key object not found")
		}
		der, err = p.exportSPKI(handles[0], info.Attrs.Type)
		return err
	})
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	return provider.ExportPublicKeyResult{KeyBytes: der}, provider.Success
}

func (p *Provider) exportSPKI(handle p11.ObjectHandle, keyType provider.KeyType) ([]byte, error) {
	switch keyType {
	case provider.RsaKeyPair, provider.RsaPublicKey:
		attrs, err := p.ctx.GetAttributeValue(p.session, handle, []*p11.Attribute{
			p11.NewAttribute(p11.CKA_MODULUS, nil),
			p11.NewAttribute(p11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		n := new(big.Int).SetBytes(attrs[0].Value)
		e := new(big.Int).SetBytes(attrs[1].Value)
		pub := &rsa.PublicKey{N: n, E: int(e.Int64())}
		return x509.MarshalPKIXPublicKey(pub)
	case provider.EccKeyPair, provider.EccPublicKey:
		attrs, err := p.ctx.GetAttributeValue(p.session, handle, []*p11.Attribute{
			p11.NewAttribute(p11.CKA_EC_POINT, nil),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		var point []byte
		if _, err := asn1.Unmarshal(attrs[0].Value, &point); err != nil {
			return nil, trace.Wrap(err)
		}
		x, y := elliptic.Unmarshal(elliptic.P256(), point)
		if x == nil {
			return nil, trace.BadParameter("malformed EC point from HSM")
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		return x509.MarshalPKIXPublicKey(pub)
	default:
		return nil, trace.BadParameter("unknown key type %s", keyType)
	}
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

	err = p.withLogin(func() error {
		found := false
		for _, class := range []uint{p11.CKO_PRIVATE_KEY, p11.CKO_PUBLIC_KEY} {
			handles, err := p.findObjects(class, info.BackendID)
			if err != nil {
				return err
			}
			for _, h := range handles {
				if err := p.ctx.DestroyObject(p.session, h); err != nil {
					return err
				}
				found = true
			}
		}
		if !found {
			return trace.NotFound("HSM key object not found")
		}
		return nil
	})
	if err != nil && !trace.IsNotFound(err) {
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

	mech, data, err := mechanismFor(op.Alg, op.Hash)
	if err != nil {
		return res, provider.PsaErrorInvalidArgument
	}

	var sig []byte
	err = p.withLogin(func() error {
		handles, err := p.findObjects(p11.CKO_PRIVATE_KEY, info.BackendID)
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			return trace.NotFound("private key object not found")
		}
		if err := p.ctx.SignInit(p.session, []*p11.Mechanism{mech}, handles[0]); err != nil {
			return err
		}
		sig, err = p.ctx.Sign(p.session, data)
		return err
	})
	if err != nil {
		return res, provider.StatusFromError(err)
	}

	if op.Alg.EcdsaSign {
		sig, err = ecdsaSigToASN1(sig)
		if err != nil {
			return res, provider.PsaErrorGenericError
		}
	}
	return provider.SignHashResult{Signature: sig}, provider.Success
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

	mech, data, err := mechanismFor(op.Alg, op.Hash)
	if err != nil {
		return res, provider.PsaErrorInvalidArgument
	}

	sig := op.Signature
	if op.Alg.EcdsaSign {
		sig, err = ecdsaSigFromASN1(op.Signature, elliptic.P256())
		if err != nil {
			return res, provider.PsaErrorInvalidArgument
		}
	}

	err = p.withLogin(func() error {
		handles, err := p.findObjects(p11.CKO_PUBLIC_KEY, info.BackendID)
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			return trace.NotFound("public key object not found")
		}
		if err := p.ctx.VerifyInit(p.session, []*p11.Mechanism{mech}, handles[0]); err != nil {
			return err
		}
		return p.ctx.Verify(p.session, data, sig)
	})
	if err != nil {
		return res, provider.PsaErrorNotPermitted
	}
	return provider.VerifyHashResult{}, provider.Success
}

var _ provider.Provider = (*Provider)(nil)
