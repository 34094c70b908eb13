package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/SilvaMatteus/parsec/lib/kim"
	"github.com/SilvaMatteus/parsec/lib/provider"
	"github.com/SilvaMatteus/parsec/lib/provider/software"
)

const dispatchTestApp provider.ApplicationName = "dispatch-test-app"

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	root := t.TempDir()
	kimRoot := filepath.Join(root, "kim")
	manager, err := kim.NewOnDiskManager(kimRoot, nil)
	require.NoError(t, err)

	sw, err := software.New(context.Background(), software.Config{
		KeyMaterialDir: filepath.Join(root, "swkeys"),
	}, manager, kimRoot, nil)
	require.NoError(t, err)
	t.Cleanup(sw.Close)

	return NewDispatcher(map[provider.ID]provider.Provider{
		provider.MbedCrypto: sw,
	})
}

func rsaSignAttrs() provider.KeyAttributes {
	return provider.KeyAttributes{
		Lifetime: provider.Persistent,
		Type:     provider.RsaKeyPair,
		Bits:     2048,
		Policy: provider.Policy{
			Usage:     provider.UsageSignHash | provider.UsageVerifyHash,
			Permitted: provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
		},
	}
}

func TestDispatcherRoutesToRegisteredProvider(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, status := d.GenerateKey(ctx, provider.MbedCrypto, dispatchTestApp, provider.GenerateKeyOperation{
		Name: "k1", Attrs: rsaSignAttrs(),
	})
	require.Equal(t, provider.Success, status)

	hash := make([]byte, 32)
	signRes, status := d.SignHash(ctx, provider.MbedCrypto, dispatchTestApp, provider.SignHashOperation{
		Name: "k1",
		Alg:  provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
		Hash: hash,
	})
	require.Equal(t, provider.Success, status)
	require.NotEmpty(t, signRes.Signature)
}

func TestDispatcherUnknownProviderID(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	status := d.Ping(ctx, provider.Tpm)
	require.Equal(t, provider.ProviderNotRegistered, status)

	_, status = d.GenerateKey(ctx, provider.Tpm, dispatchTestApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.ProviderNotRegistered, status)
}

func TestDispatcherMissingOpcodeSupport(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	// CoreProvider never supports key operations.
	_, status := d.GenerateKey(ctx, provider.Core, dispatchTestApp, provider.GenerateKeyOperation{Name: "k1", Attrs: rsaSignAttrs()})
	require.Equal(t, provider.PsaErrorNotSupported, status)
}

func TestDispatcherListProvidersIncludesCoreAndBackends(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	infos, status := d.ListProviders(ctx)
	require.Equal(t, provider.Success, status)
	require.Len(t, infos, 2)
	require.Equal(t, provider.Core, infos[0].ID)
	require.Equal(t, provider.MbedCrypto, infos[1].ID)
}

func TestDispatcherListOpcodesForBackend(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	ops, status := d.ListOpcodes(ctx, provider.MbedCrypto)
	require.Equal(t, provider.Success, status)
	require.Contains(t, ops, provider.PsaGenerateKey)
	require.Contains(t, ops, provider.PsaSignHash)

	_, status = d.ListOpcodes(ctx, provider.Tpm)
	require.Equal(t, provider.ProviderNotRegistered, status)
}

func TestDispatcherPingCore(t *testing.T) {
	d := newTestDispatcher(t)
	require.Equal(t, provider.Success, d.Ping(context.Background(), provider.Core))
}

// failingPingProvider stands in for a backend whose device has gone away.
type failingPingProvider struct {
	provider.Unimplemented
}

func (failingPingProvider) Describe() (provider.ProviderInfo, map[provider.Opcode]struct{}) {
	return provider.ProviderInfo{ID: provider.Tpm}, map[provider.Opcode]struct{}{provider.Ping: {}}
}

func (failingPingProvider) Ping(context.Context) error {
	return trace.ConnectionProblem(nil, "backend unreachable")
}

// Pinging the core probes every registered backend, so one unreachable
// backend fails the daemon-wide ping while its own ping fails too.
func TestDispatcherPingCoreProbesBackends(t *testing.T) {
	d := NewDispatcher(map[provider.ID]provider.Provider{
		provider.Tpm: failingPingProvider{},
	})
	ctx := context.Background()

	require.NotEqual(t, provider.Success, d.Ping(ctx, provider.Tpm))
	require.NotEqual(t, provider.Success, d.Ping(ctx, provider.Core))
}
