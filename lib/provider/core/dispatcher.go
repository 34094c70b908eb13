package core

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// Dispatcher routes a request's provider_id/opcode pair to the backend
// that serves it. It is built once at boot from a fixed provider set and
// is stateless and safe for concurrent use thereafter.
type Dispatcher struct {
	providers map[provider.ID]provider.Provider
	core      *Provider
}

// NewDispatcher builds a Dispatcher over backends, plus a CoreProvider
// bound to the same set (so list_providers can describe every backend
// including itself). backends must not include an entry for provider.Core;
// Dispatcher installs CoreProvider there itself.
func NewDispatcher(backends map[provider.ID]provider.Provider) *Dispatcher {
	d := &Dispatcher{providers: make(map[provider.ID]provider.Provider, len(backends)+1)}
	for id, p := range backends {
		d.providers[id] = p
	}
	d.core = New(d)
	d.providers[provider.Core] = d.core
	return d
}

// Providers implements Registry for CoreProvider's list_providers/
// list_opcodes.
func (d *Dispatcher) Providers() map[provider.ID]provider.Provider {
	return d.providers
}

func (d *Dispatcher) lookup(id provider.ID) (provider.Provider, error) {
	p, ok := d.providers[id]
	if !ok {
		return nil, trace.NotFound("provider %s not registered", id)
	}
	return p, nil
}

func (d *Dispatcher) opcodeSupported(id provider.ID, op provider.Opcode) bool {
	p, ok := d.providers[id]
	if !ok {
		return false
	}
	_, ops := p.Describe()
	_, ok = ops[op]
	return ok
}

// checkRoute maps a provider lookup/opcode failure to a wire status
// without touching the backend.
func (d *Dispatcher) checkRoute(id provider.ID, op provider.Opcode) provider.Status {
	if _, err := d.lookup(id); err != nil {
		return provider.ProviderNotRegistered
	}
	if !d.opcodeSupported(id, op) {
		return provider.PsaErrorNotSupported
	}
	return provider.Success
}

func (d *Dispatcher) Ping(ctx context.Context, id provider.ID) provider.Status {
	if s := d.checkRoute(id, provider.Ping); s != provider.Success {
		return s
	}
	p, _ := d.lookup(id)
	if err := p.Ping(ctx); err != nil {
		return provider.StatusFromError(err)
	}
	return provider.Success
}

func (d *Dispatcher) GenerateKey(ctx context.Context, id provider.ID, app provider.ApplicationName, op provider.GenerateKeyOperation) (provider.GenerateKeyResult, provider.Status) {
	if s := d.checkRoute(id, provider.PsaGenerateKey); s != provider.Success {
		return provider.GenerateKeyResult{}, s
	}
	p, _ := d.lookup(id)
	return p.GenerateKey(ctx, app, op)
}

func (d *Dispatcher) ImportKey(ctx context.Context, id provider.ID, app provider.ApplicationName, op provider.ImportKeyOperation) (provider.ImportKeyResult, provider.Status) {
	if s := d.checkRoute(id, provider.PsaImportKey); s != provider.Success {
		return provider.ImportKeyResult{}, s
	}
	p, _ := d.lookup(id)
	return p.ImportKey(ctx, app, op)
}

func (d *Dispatcher) ExportPublicKey(ctx context.Context, id provider.ID, app provider.ApplicationName, op provider.ExportPublicKeyOperation) (provider.ExportPublicKeyResult, provider.Status) {
	if s := d.checkRoute(id, provider.PsaExportPublicKey); s != provider.Success {
		return provider.ExportPublicKeyResult{}, s
	}
	p, _ := d.lookup(id)
	return p.ExportPublicKey(ctx, app, op)
}

func (d *Dispatcher) DestroyKey(ctx context.Context, id provider.ID, app provider.ApplicationName, op provider.DestroyKeyOperation) (provider.DestroyKeyResult, provider.Status) {
	if s := d.checkRoute(id, provider.PsaDestroyKey); s != provider.Success {
		return provider.DestroyKeyResult{}, s
	}
	p, _ := d.lookup(id)
	return p.DestroyKey(ctx, app, op)
}

func (d *Dispatcher) SignHash(ctx context.Context, id provider.ID, app provider.ApplicationName, op provider.SignHashOperation) (provider.SignHashResult, provider.Status) {
	if s := d.checkRoute(id, provider.PsaSignHash); s != provider.Success {
		return provider.SignHashResult{}, s
	}
	p, _ := d.lookup(id)
	return p.SignHash(ctx, app, op)
}

func (d *Dispatcher) VerifyHash(ctx context.Context, id provider.ID, app provider.ApplicationName, op provider.VerifyHashOperation) (provider.VerifyHashResult, provider.Status) {
	if s := d.checkRoute(id, provider.PsaVerifyHash); s != provider.Success {
		return provider.VerifyHashResult{}, s
	}
	p, _ := d.lookup(id)
	return p.VerifyHash(ctx, app, op)
}

// ListProviders serves provider_id=Core, opcode=ListProviders.
func (d *Dispatcher) ListProviders(ctx context.Context) ([]provider.ProviderInfo, provider.Status) {
	if s := d.checkRoute(provider.Core, provider.ListProviders); s != provider.Success {
		return nil, s
	}
	return d.core.ListProviders(), provider.Success
}

// ListOpcodes serves provider_id=Core, opcode=ListOpcodes; target names
// the provider whose supported opcode set is being queried.
func (d *Dispatcher) ListOpcodes(ctx context.Context, target provider.ID) ([]provider.Opcode, provider.Status) {
	if s := d.checkRoute(provider.Core, provider.ListOpcodes); s != provider.Success {
		return nil, s
	}
	ops, ok := d.core.ListOpcodes(target)
	if !ok {
		return nil, provider.ProviderNotRegistered
	}
	return ops, provider.Success
}
