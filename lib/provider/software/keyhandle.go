package software

import (
	"context"
	"crypto"

	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/provider"
	"github.com/SilvaMatteus/parsec/lib/provider/lockorder"
)

// keyHandle is a scoped resource: a permit from the slot semaphore plus
// an opened key, released on every exit path via Close. Callers must
// always `defer handle.Close()` immediately after a
// successful openKeyHandle. signer is nil for public-key-only objects
// (RsaPublicKey/EccPublicKey), which can be opened for verify/export but
// never for sign.
type keyHandle struct {
	p      *Provider
	ctx    context.Context
	id     uint32
	signer crypto.Signer
	pub    crypto.PublicKey
}

// openKeyHandle acquires a slot permit, then opens id under the handle
// mutex. If opening fails the permit is released before returning, so a
// failed open never leaks a slot. keyType comes from the KIM-stored
// attributes and determines whether id is parsed as a PKCS#8 key pair or
// a bare SubjectPublicKeyInfo. Acquisitions are reported to lockorder so
// a test that attaches a recorder to ctx can assert the fixed locking
// ladder is actually respected; outside tests this is a no-op.
func (p *Provider) openKeyHandle(ctx context.Context, id uint32, keyType provider.KeyType) (*keyHandle, error) {
	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}
	if err := lockorder.Enter(ctx, lockorder.SlotSemaphore); err != nil {
		p.releaseSlot()
		return nil, trace.Wrap(err)
	}

	if err := lockorder.Enter(ctx, lockorder.BackendMutex); err != nil {
		lockorder.Exit(ctx, lockorder.SlotSemaphore)
		p.releaseSlot()
		return nil, trace.Wrap(err)
	}
	p.handleMu.Lock()
	der, err := p.store.load(id)
	p.handleMu.Unlock()
	lockorder.Exit(ctx, lockorder.BackendMutex)
	if err != nil {
		lockorder.Exit(ctx, lockorder.SlotSemaphore)
		p.releaseSlot()
		return nil, err
	}

	h := &keyHandle{p: p, ctx: ctx, id: id}
	switch keyType {
	case provider.RsaKeyPair, provider.EccKeyPair:
		signer, err := parseSigner(der)
		if err != nil {
			lockorder.Exit(ctx, lockorder.SlotSemaphore)
			p.releaseSlot()
			return nil, trace.Wrap(err)
		}
		h.signer = signer
		h.pub = signer.Public()
	case provider.RsaPublicKey, provider.EccPublicKey:
		pub, err := parsePublicKeyDER(der)
		if err != nil {
			lockorder.Exit(ctx, lockorder.SlotSemaphore)
			p.releaseSlot()
			return nil, trace.Wrap(err)
		}
		h.pub = pub
	default:
		lockorder.Exit(ctx, lockorder.SlotSemaphore)
		p.releaseSlot()
		return nil, trace.BadParameter("unknown key type %s", keyType)
	}
	return h, nil
}

// Close releases the handle's slot permit. The parsed key material is
// dropped with the handle itself; nothing stays open backend-side, so no
// mutex is needed here. Safe to call exactly once; callers must not
// reuse the handle afterward.
func (h *keyHandle) Close() {
	lockorder.Exit(h.ctx, lockorder.SlotSemaphore)
	h.p.releaseSlot()
}

func (p *Provider) acquireSlot(ctx context.Context) error {
	select {
	case p.slotSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func (p *Provider) releaseSlot() {
	<-p.slotSem
}

// openSlots reports the number of currently occupied slots.
func (p *Provider) openSlots() int {
	return len(p.slotSem)
}
