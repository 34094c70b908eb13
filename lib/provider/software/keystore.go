// Package software implements the in-process reference PSA Crypto
// backend, backed by crypto/rsa and crypto/ecdsa standing in for a
// native crypto library: raw algorithms are delegated, never
// re-implemented here.
package software

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// keyMaterialStore is the backend's own persistent storage, keyed by the
// 32-bit backend-native id — distinct from KIM, which only ever sees that
// id plus attributes. A real embedded crypto library would keep this in
// its own flash region; here it's a plain directory of DER files, so that
// a restart can genuinely reconcile against live backend state instead
// of starting from nothing.
type keyMaterialStore struct {
	dir string
}

func newKeyMaterialStore(dir string) (*keyMaterialStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trace.Wrap(err)
	}
	return &keyMaterialStore{dir: dir}, nil
}

func (s *keyMaterialStore) path(id uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%08x.der", id))
}

// save writes der as the key material for id, atomically.
func (s *keyMaterialStore) save(id uint32, der []byte) error {
	path := s.path(id)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return trace.Wrap(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(der); err != nil {
		tmp.Close()
		return trace.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return trace.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(os.Rename(tmpName, path))
}

// load returns the DER key material for id, or trace.NotFound if no such
// backend id exists. This is the "open" half of the KeyHandle scope.
func (s *keyMaterialStore) load(id uint32) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("backend key %08x does not exist", id)
		}
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// delete removes id's key material. Deleting an id that is already gone
// is treated as success by the caller (destroy idempotence), not here.
func (s *keyMaterialStore) delete(id uint32) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return trace.NotFound("backend key %08x does not exist", id)
		}
		return trace.Wrap(err)
	}
	return nil
}
