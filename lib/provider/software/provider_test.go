package software

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/SilvaMatteus/parsec/lib/kim"
	"github.com/SilvaMatteus/parsec/lib/provider"
	"github.com/SilvaMatteus/parsec/lib/provider/lockorder"
)

const testApp provider.ApplicationName = "test-app"

func rsaSignAttrs() provider.KeyAttributes {
	return provider.KeyAttributes{
		Lifetime: provider.Persistent,
		Type:     provider.RsaKeyPair,
		Bits:     1024,
		Policy: provider.Policy{
			Usage:     provider.UsageSignHash | provider.UsageVerifyHash,
			Permitted: provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
		},
	}
}

func newTestProvider(t *testing.T) (*Provider, kim.Manager, string) {
	t.Helper()
	root := t.TempDir()
	kimRoot := filepath.Join(root, "kim")
	manager, err := kim.NewOnDiskManager(kimRoot, nil)
	require.NoError(t, err)

	p, err := New(context.Background(), Config{
		SlotCount:      4,
		KeyMaterialDir: filepath.Join(root, "keys"),
	}, manager, kimRoot, nil)
	require.NoError(t, err)
	return p, manager, kimRoot
}

// Happy-path RSA sign/verify round trip.
func TestHappyPathRSASign(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	_, status := p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.Success, status)

	hash32 := repeatByte(0x00, 32)

	signRes, status := p.SignHash(ctx, testApp, provider.SignHashOperation{
		Name: "k1",
		Alg:  provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
		Hash: hash32,
	})
	require.Equal(t, provider.Success, status)
	require.Len(t, signRes.Signature, 128) // 1024-bit RSA signature

	_, status = p.VerifyHash(ctx, testApp, provider.VerifyHashOperation{
		Name:      "k1",
		Alg:       provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
		Hash:      hash32,
		Signature: signRes.Signature,
	})
	require.Equal(t, provider.Success, status)
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// A sign request for an algorithm outside the key's permitted set must
// fail before the backend is ever touched.
func TestWrongAlgorithmIsNotPermitted(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	_, status := p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.Success, status)

	_, status = p.SignHash(ctx, testApp, provider.SignHashOperation{
		Name: "k1",
		Alg:  provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha512},
		Hash: repeatByte(0x00, 64),
	})
	require.Equal(t, provider.PsaErrorNotPermitted, status)
}

// Create idempotence: generating the same triple twice must not allocate
// a second backend key.
func TestGenerateTwiceAlreadyExists(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	_, status := p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.Success, status)

	before := p.ids.Len()
	_, status = p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.PsaErrorAlreadyExists, status)
	require.Equal(t, before, p.ids.Len())
}

// Export round trip: the exported public half decodes as a well-formed
// SubjectPublicKeyInfo, and importing it back as a public-key object
// yields a key that verifies signatures produced by the original pair.
func TestExportPublicKeyRoundTrip(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	_, status := p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.Success, status)

	exportRes, status := p.ExportPublicKey(ctx, testApp, provider.ExportPublicKeyOperation{Name: "k1"})
	require.Equal(t, provider.Success, status)

	pub, err := x509.ParsePKIXPublicKey(exportRes.KeyBytes)
	require.NoError(t, err)
	require.IsType(t, &rsa.PublicKey{}, pub)

	hash := repeatByte(0x00, 32)
	signRes, status := p.SignHash(ctx, testApp, provider.SignHashOperation{
		Name: "k1",
		Alg:  provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
		Hash: hash,
	})
	require.Equal(t, provider.Success, status)

	_, status = p.ImportKey(ctx, testApp, provider.ImportKeyOperation{
		Name: "k1-pub",
		Attrs: provider.KeyAttributes{
			Lifetime: provider.Persistent,
			Type:     provider.RsaPublicKey,
			Bits:     1024,
			Policy: provider.Policy{
				Usage:     provider.UsageVerifyHash,
				Permitted: provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
			},
		},
		KeyBytes: exportRes.KeyBytes,
	})
	require.Equal(t, provider.Success, status)

	_, status = p.VerifyHash(ctx, testApp, provider.VerifyHashOperation{
		Name:      "k1-pub",
		Alg:       provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
		Hash:      hash,
		Signature: signRes.Signature,
	})
	require.Equal(t, provider.Success, status)
}

// Destroy idempotence, and monotone id allocation:
// generate-destroy-generate must allocate a different backend id the
// second time.
func TestDestroyIdempotenceAndMonotoneIDs(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	_, status := p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.Success, status)
	triple := p.triple(testApp, "k1")
	info1, err := p.kim.Get(triple)
	require.NoError(t, err)

	_, status = p.DestroyKey(ctx, testApp, provider.DestroyKeyOperation{Name: "k1"})
	require.Equal(t, provider.Success, status)

	_, status = p.DestroyKey(ctx, testApp, provider.DestroyKeyOperation{Name: "k1"})
	require.Equal(t, provider.PsaErrorDoesNotExist, status)

	_, status = p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.Success, status)
	info2, err := p.kim.Get(triple)
	require.NoError(t, err)

	require.NotEqual(t, info1.BackendID, info2.BackendID)
}

// Restart reconciliation. Removing a backend key file out
// from under a running provider must be reflected after the next
// provider construction (startup reconciliation), without disturbing
// other keys.
func TestRestartReconciliation(t *testing.T) {
	root := t.TempDir()
	kimRoot := filepath.Join(root, "kim")
	keyDir := filepath.Join(root, "keys")
	manager, err := kim.NewOnDiskManager(kimRoot, nil)
	require.NoError(t, err)

	p, err := New(context.Background(), Config{SlotCount: 4, KeyMaterialDir: keyDir}, manager, kimRoot, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"k1", "k2", "k3"} {
		_, status := p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: name, Attrs: rsaSignAttrs()})
		require.Equal(t, provider.Success, status)
	}

	info, err := manager.Get(p.triple(testApp, "k2"))
	require.NoError(t, err)
	id, err := decodeID(info.BackendID)
	require.NoError(t, err)
	require.NoError(t, p.store.delete(id))

	// Restart: a fresh Provider must reconcile k2 away.
	p2, err := New(ctx, Config{SlotCount: 4, KeyMaterialDir: keyDir}, manager, kimRoot, nil)
	require.NoError(t, err)

	triples, err := manager.GetAll(provider.MbedCrypto)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, tr := range triples {
		names[tr.Name] = true
	}
	require.Equal(t, map[string]bool{"k1": true, "k3": true}, names)

	// The local id store and KIM must mirror each other exactly after
	// reconciliation.
	require.Equal(t, len(triples), p2.ids.Len())
	for _, tr := range triples {
		info, err := manager.Get(tr)
		require.NoError(t, err)
		require.True(t, p2.ids.Has(info.BackendID))
	}

	hash := repeatByte(0x00, 32)
	signRes, status := p2.SignHash(ctx, testApp, provider.SignHashOperation{
		Name: "k1",
		Alg:  provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
		Hash: hash,
	})
	require.Equal(t, provider.Success, status)
	require.NotEmpty(t, signRes.Signature)
}

// failingInsertManager wraps a real Manager and fails the Nth Insert call,
// simulating a crash between the backend key being created and KIM
// recording it.
type failingInsertManager struct {
	kim.Manager
	failNth int32
	calls   int32
}

func (m *failingInsertManager) Insert(triple provider.KeyTriple, info provider.KeyInfo) error {
	n := atomic.AddInt32(&m.calls, 1)
	if n == m.failNth {
		return trace.Errorf("injected KIM insert failure")
	}
	return m.Manager.Insert(triple, info)
}

func TestGenerateRollsBackOnKIMInsertFailure(t *testing.T) {
	root := t.TempDir()
	kimRoot := filepath.Join(root, "kim")
	real, err := kim.NewOnDiskManager(kimRoot, nil)
	require.NoError(t, err)
	failing := &failingInsertManager{Manager: real, failNth: 1}

	p, err := New(context.Background(), Config{SlotCount: 4, KeyMaterialDir: filepath.Join(root, "keys")}, failing, kimRoot, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, status := p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.PsaErrorGenericError, status)
	require.False(t, real.Exists(p.triple(testApp, "k1")))

	// The next generate on the same triple must succeed with a fresh id,
	// and must not leak the rolled-back backend key.
	_, status = p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.Success, status)
	require.Equal(t, p.ids.Len(), 1)
}

// Slot-bound stress. With SlotCount small and many concurrent signers,
// peak open-slot count must never exceed SlotCount.
func TestSlotBoundUnderConcurrency(t *testing.T) {
	const slotCount = 4
	const numKeys = slotCount + 3
	const numWorkers = numKeys * 4

	root := t.TempDir()
	kimRoot := filepath.Join(root, "kim")
	manager, err := kim.NewOnDiskManager(kimRoot, nil)
	require.NoError(t, err)
	p, err := New(context.Background(), Config{SlotCount: slotCount, KeyMaterialDir: filepath.Join(root, "keys")}, manager, kimRoot, nil)
	require.NoError(t, err)
	ctx := context.Background()

	names := make([]string, numKeys)
	for i := range names {
		names[i] = string(rune('a' + i))
		_, status := p.GenerateKey(ctx, testApp, provider.GenerateKeyOperation{Name: names[i], Attrs: rsaSignAttrs()})
		require.Equal(t, provider.Success, status)
	}

	var peak int32
	var violations int32
	var wg sync.WaitGroup
	stop := make(chan struct{})
	hash := repeatByte(0x00, 32)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			name := names[worker%numKeys]
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Each call gets its own recorder so a lock-order
				// violation in openKeyHandle/Close fails this test
				// in addition to the peak-slot-count check below.
				callCtx := lockorder.WithRecorder(ctx)
				_, status := p.SignHash(callCtx, testApp, provider.SignHashOperation{
					Name: name,
					Alg:  provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
					Hash: hash,
				})
				if status != provider.Success {
					atomic.AddInt32(&violations, 1)
				}
				if cur := int32(p.OpenSlots()); cur > atomic.LoadInt32(&peak) {
					atomic.StoreInt32(&peak, cur)
				}
			}
		}(w)
	}

	time.Sleep(300 * time.Millisecond)
	close(stop)
	wg.Wait()

	require.Equal(t, int32(0), atomic.LoadInt32(&violations), "sign operations failed during stress run")
	require.LessOrEqual(t, int(atomic.LoadInt32(&peak)), slotCount)
}

// Cross-provider isolation of same-named keys is exercised in lib/kim's
// TestCrossProviderIsolation, since it is a KIM-level guarantee rather
// than something specific to the software provider.
