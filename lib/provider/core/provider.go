// Package core implements the meta-operations backend every daemon
// installs at provider_id Core, plus the stateless Dispatcher that
// routes a wire request to the right backend.
package core

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// coreUUID is the fixed identity of the core provider across every
// deployment. uuid.MustParse validates the literal is well-formed at
// package init rather than trusting a bare string constant.
var coreUUID = uuid.MustParse("47049873-2a43-4845-9d72-831eab668784").String()

// Registry is anything the core can enumerate: a live backend plus the
// provider_id it answers to.
type Registry interface {
	Providers() map[provider.ID]provider.Provider
}

// Provider implements the meta ops (Ping, ListProviders, ListOpcodes).
// All key operations return PsaErrorNotSupported via Unimplemented.
type Provider struct {
	provider.Unimplemented
	registry Registry
}

// New constructs CoreProvider bound to registry, which must include this
// same Provider under provider.Core so list_providers can describe itself.
func New(registry Registry) *Provider {
	return &Provider{registry: registry}
}

func (p *Provider) Describe() (provider.ProviderInfo, map[provider.Opcode]struct{}) {
	info := provider.ProviderInfo{
		UUID:        coreUUID,
		Description: "Core meta-operations provider",
		Vendor:      "parsec",
		Version:     "1.0.0",
		ID:          provider.Core,
	}
	ops := map[provider.Opcode]struct{}{
		provider.Ping:          {},
		provider.ListProviders: {},
		provider.ListOpcodes:   {},
	}
	return info, ops
}

// Ping probes every registered backend, so pinging the core reports on
// the daemon as a whole rather than answering unconditionally.
func (p *Provider) Ping(ctx context.Context) error {
	for id, backend := range p.registry.Providers() {
		if id == provider.Core {
			continue
		}
		if err := backend.Ping(ctx); err != nil {
			return trace.Wrap(err, "provider %s failed ping", id)
		}
	}
	return nil
}

// ListProviders aggregates describe() from every registered provider,
// in a stable order (ascending provider_id).
func (p *Provider) ListProviders() []provider.ProviderInfo {
	providers := p.registry.Providers()
	ids := make([]provider.ID, 0, len(providers))
	for id := range providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	infos := make([]provider.ProviderInfo, 0, len(ids))
	for _, id := range ids {
		info, _ := providers[id].Describe()
		infos = append(infos, info)
	}
	return infos
}

// ListOpcodes returns the opcode set describe() reports for providerID,
// or (nil, false) if providerID isn't registered.
func (p *Provider) ListOpcodes(providerID provider.ID) ([]provider.Opcode, bool) {
	providers := p.registry.Providers()
	target, ok := providers[providerID]
	if !ok {
		return nil, false
	}
	_, ops := target.Describe()
	out := make([]provider.Opcode, 0, len(ops))
	for op := range ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, true
}

var _ provider.Provider = (*Provider)(nil)
