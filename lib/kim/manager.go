package kim

import "github.com/SilvaMatteus/parsec/lib/provider"

// Manager is the KeyInfoManager contract. Implementations must be safe
// for concurrent use and must make insert/remove durable before
// returning success.
type Manager interface {
	// Get returns the stored KeyInfo for triple, or a trace.NotFound error.
	Get(triple provider.KeyTriple) (provider.KeyInfo, error)

	// Insert adds a new mapping. Returns trace.AlreadyExists if triple is
	// already present.
	Insert(triple provider.KeyTriple, info provider.KeyInfo) error

	// Remove deletes a mapping. Returns trace.NotFound if it wasn't present.
	Remove(triple provider.KeyTriple) error

	// Exists reports whether triple has a mapping, without erroring.
	Exists(triple provider.KeyTriple) bool

	// GetAll lists every triple currently mapped for a given provider.
	GetAll(id provider.ID) ([]provider.KeyTriple, error)
}
