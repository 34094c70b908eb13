package software

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/kim"
	"github.com/SilvaMatteus/parsec/lib/provider"
)

// DefaultSlotCount is PSA_KEY_SLOT_COUNT for the reference implementation.
const DefaultSlotCount = 32

// providerUUID is the stable identity this backend reports from
// Describe, fixed across deployments.
var providerUUID = uuid.MustParse("1c1139dc-ad20-4dc2-46c1-0e389153a5c1").String()

// Config configures a software Provider.
type Config struct {
	// SlotCount bounds concurrently open key slots. Zero means
	// DefaultSlotCount.
	SlotCount int
	// KeyMaterialDir holds the backend's own persistent key material,
	// separate from the KIM directory. Empty means a sibling directory
	// next to the KIM root (the KIM path with a ".keys" suffix). It must
	// never live inside the KIM root, whose reader discards files it
	// cannot parse as leaf records.
	KeyMaterialDir string
}

// Provider is the in-process reference PSA Crypto backend.
type Provider struct {
	provider.DegradeGuard

	kim     kim.Manager
	ids     *provider.LocalIDStore
	counter *kim.Counter
	store   *keyMaterialStore

	slotSem  chan struct{}
	handleMu sync.Mutex

	log *slog.Logger
}

// New constructs a software Provider and performs startup reconciliation
// against the KIM. kimRoot is used both for the KIM instance and to root
// the persisted backend-id counter.
func New(ctx context.Context, cfg Config, manager kim.Manager, kimRoot string, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	slots := cfg.SlotCount
	if slots <= 0 {
		slots = DefaultSlotCount
	}

	materialDir := cfg.KeyMaterialDir
	if materialDir == "" {
		materialDir = kimRoot + ".keys"
	}
	store, err := newKeyMaterialStore(materialDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	counter, err := kim.NewCounter(kimRoot, provider.MbedCrypto)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p := &Provider{
		kim:     manager,
		ids:     provider.NewLocalIDStore(),
		counter: counter,
		store:   store,
		slotSem: make(chan struct{}, slots),
		log:     log,
	}
	p.SetLogger(log)

	if err := p.reconcile(); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// reconcile walks every KIM triple for this provider and tries to open
// its backend id. Missing ids are queued for KIM removal; any other
// error aborts initialization. After this, the local id store and KIM
// mirror each other exactly.
func (p *Provider) reconcile() error {
	triples, err := p.kim.GetAll(provider.MbedCrypto)
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
		if _, err := p.store.load(id); err != nil {
			if trace.IsNotFound(err) {
				toRemove = append(toRemove, triple)
				p.log.Warn("backend key missing on disk, dropping stale KIM entry", "triple", triple.String())
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
		return 0, trace.BadParameter("malformed backend id")
	}
	return binary.BigEndian.Uint32(b), nil
}

func (p *Provider) triple(app provider.ApplicationName, name string) provider.KeyTriple {
	return provider.KeyTriple{Application: app, Name: name, Provider: provider.MbedCrypto}
}

func (p *Provider) Describe() (provider.ProviderInfo, map[provider.Opcode]struct{}) {
	info := provider.ProviderInfo{
		UUID:        providerUUID,
		Description: "In-process reference software PSA Crypto provider",
		Vendor:      "parsec",
		Version:     "1.0.0",
		ID:          provider.MbedCrypto,
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
	return nil
}

func validatePolicy(attrs provider.KeyAttributes) error {
	if attrs.Policy.Usage == 0 {
		return trace.BadParameter("key policy must permit at least one usage")
	}
	return nil
}

func (p *Provider) GenerateKey(ctx context.Context, app provider.ApplicationName, op provider.GenerateKeyOperation) (res provider.GenerateKeyResult, status provider.Status) {
	defer p.Recover(&status)
	if err := p.CheckDegraded(); err != nil {
		return res, provider.PsaErrorGenericError
	}
	if err := validatePolicy(op.Attrs); err != nil {
		return res, provider.PsaErrorInvalidArgument
	}
	triple := p.triple(app, op.Name)
	if p.kim.Exists(triple) {
		return res, provider.PsaErrorAlreadyExists
	}

	id, err := p.counter.Next()
	if err != nil {
		p.log.Error("failed to allocate backend id", "error", err)
		return res, provider.PsaErrorGenericError
	}

	p.handleMu.Lock()
	der, _, err := generateKeyPair(op.Attrs)
	if err == nil {
		err = p.store.save(id, der)
	}
	p.handleMu.Unlock()
	if err != nil {
		return res, provider.StatusFromError(err)
	}

	backendID := encodeID(id)
	info := provider.KeyInfo{BackendID: backendID, Attrs: op.Attrs}
	if err := p.kim.Insert(triple, info); err != nil {
		// Compensating action: the backend key was created but cannot be
		// recorded. Roll it back so the next generate on this triple
		// allocates a fresh id rather than resurrecting this one.
		p.handleMu.Lock()
		_ = p.store.delete(id)
		p.handleMu.Unlock()
		return res, provider.StatusFromError(err)
	}
	if err := p.ids.Add(backendID, triple); err != nil {
		p.log.Error("local id store rejected newly generated key", "error", err)
	}
	return res, provider.Success
}

func (p *Provider) ImportKey(ctx context.Context, app provider.ApplicationName, op provider.ImportKeyOperation) (res provider.ImportKeyResult, status provider.Status) {
	defer p.Recover(&status)
	if err := p.CheckDegraded(); err != nil {
		return res, provider.PsaErrorGenericError
	}
	if err := validatePolicy(op.Attrs); err != nil {
		return res, provider.PsaErrorInvalidArgument
	}
	triple := p.triple(app, op.Name)
	if p.kim.Exists(triple) {
		return res, provider.PsaErrorAlreadyExists
	}

	id, err := p.counter.Next()
	if err != nil {
		p.log.Error("failed to allocate backend id", "error", err)
		return res, provider.PsaErrorGenericError
	}

	p.handleMu.Lock()
	der, _, err := importKeyPair(op.KeyBytes, op.Attrs)
	if err == nil {
		err = p.store.save(id, der)
	}
	p.handleMu.Unlock()
	if err != nil {
		return res, provider.StatusFromError(err)
	}

	backendID := encodeID(id)
	info := provider.KeyInfo{BackendID: backendID, Attrs: op.Attrs}
	if err := p.kim.Insert(triple, info); err != nil {
		p.handleMu.Lock()
		_ = p.store.delete(id)
		p.handleMu.Unlock()
		return res, provider.StatusFromError(err)
	}
	if err := p.ids.Add(backendID, triple); err != nil {
		p.log.Error("local id store rejected imported key", "error", err)
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

	// The public half is never sensitive: exporting it needs no usage
	// flag, only that the key exists.
	id, err := decodeID(info.BackendID)
	if err != nil {
		return res, provider.PsaErrorGenericError
	}
	handle, err := p.openKeyHandle(ctx, id, info.Attrs.Type)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	defer handle.Close()

	der, err := exportPublicKeyDER(handle.pub)
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

	p.handleMu.Lock()
	err = p.store.delete(id)
	p.handleMu.Unlock()
	if err != nil && !trace.IsNotFound(err) {
		// Backend refused to destroy for a real reason: KIM is left
		// untouched and the failure is reported. A missing backend key is
		// absorbed so destroy stays idempotent.
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
	if !info.Attrs.Policy.Usage.Has(provider.UsageSignHash) {
		return res, provider.PsaErrorNotPermitted
	}
	if !info.Attrs.Policy.Permitted.Equal(op.Alg) {
		// The backend must never be touched for a disallowed algorithm.
		return res, provider.PsaErrorNotPermitted
	}

	id, err := decodeID(info.BackendID)
	if err != nil {
		return res, provider.PsaErrorGenericError
	}
	handle, err := p.openKeyHandle(ctx, id, info.Attrs.Type)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	defer handle.Close()

	if handle.signer == nil {
		return res, provider.PsaErrorNotPermitted
	}
	sig, err := signHash(handle.signer, op.Alg, op.Hash)
	if err != nil {
		return res, provider.StatusFromError(err)
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
	if !info.Attrs.Policy.Usage.Has(provider.UsageVerifyHash) {
		return res, provider.PsaErrorNotPermitted
	}
	if !info.Attrs.Policy.Permitted.Equal(op.Alg) {
		return res, provider.PsaErrorNotPermitted
	}

	id, err := decodeID(info.BackendID)
	if err != nil {
		return res, provider.PsaErrorGenericError
	}
	handle, err := p.openKeyHandle(ctx, id, info.Attrs.Type)
	if err != nil {
		return res, provider.StatusFromError(err)
	}
	defer handle.Close()

	if err := verifyHash(handle.pub, op.Alg, op.Hash, op.Signature); err != nil {
		return res, provider.StatusFromError(err)
	}
	return provider.VerifyHashResult{}, provider.Success
}

// OpenSlots reports the number of currently occupied key slots, exposed
// for tests that bound peak slot usage under concurrency.
func (p *Provider) OpenSlots() int { return p.openSlots() }

// Close finalizes the provider. The reference crypto library keeps no
// process-global state needing teardown, so this exists to give every
// backend the same shutdown contract; operations after Close are
// undefined.
func (p *Provider) Close() {}

var _ provider.Provider = (*Provider)(nil)
