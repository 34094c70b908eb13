package kim

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// OnDiskManager is the reference KeyInfoManager storage backend: a
// directory keyed by sha256(application)/sha256(name), written with
// write-temp + fsync + rename so a single leaf file is always atomic.
//
// SHA-256 hashing the path components means the directory tree alone
// cannot answer GetAll (the original strings aren't recoverable from
// their digest), so each leaf additionally carries the plaintext
// application and key name ahead of the provider id, backend id, and
// attributes: everything GetAll needs to reconstruct full KeyTriples
// lives in the leaf, not the path.
type OnDiskManager struct {
	root string
	log  *slog.Logger

	// mu serializes writers; readers may proceed concurrently. This is
	// the KIM lock in the daemon's fixed lock acquisition order.
	mu sync.RWMutex
}

// NewOnDiskManager opens (creating if necessary) a KIM rooted at dir.
func NewOnDiskManager(dir string, log *slog.Logger) (*OnDiskManager, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, wrapIO(err)
	}
	return &OnDiskManager{root: dir, log: log}, nil
}

func hashComponent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (m *OnDiskManager) leafPath(triple provider.KeyTriple) (dir, leaf string) {
	dir = filepath.Join(m.root, hashComponent(string(triple.Application)))
	leaf = filepath.Join(dir, hashComponent(triple.Name))
	return dir, leaf
}

type leafRecord struct {
	Application string
	Name        string
	ProviderID  provider.ID
	BackendID   []byte
	Attrs       provider.KeyAttributes
}

func encodeLeaf(r leafRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeLenPrefixed(&buf, []byte(r.Application)); err != nil {
		return nil, err
	}
	if err := writeLenPrefixed(&buf, []byte(r.Name)); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(byte(r.ProviderID)); err != nil {
		return nil, err
	}
	if err := writeLenPrefixed(&buf, r.BackendID); err != nil {
		return nil, err
	}
	var attrsBuf bytes.Buffer
	if err := gob.NewEncoder(&attrsBuf).Encode(r.Attrs); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := writeLenPrefixed(&buf, attrsBuf.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeLeaf(data []byte) (leafRecord, error) {
	r := bytes.NewReader(data)
	app, err := readLenPrefixed(r)
	if err != nil {
		return leafRecord{}, err
	}
	name, err := readLenPrefixed(r)
	if err != nil {
		return leafRecord{}, err
	}
	idByte, err := r.ReadByte()
	if err != nil {
		return leafRecord{}, trace.Wrap(err)
	}
	backendID, err := readLenPrefixed(r)
	if err != nil {
		return leafRecord{}, err
	}
	attrsBytes, err := readLenPrefixed(r)
	if err != nil {
		return leafRecord{}, err
	}
	var attrs provider.KeyAttributes
	if err := gob.NewDecoder(bytes.NewReader(attrsBytes)).Decode(&attrs); err != nil {
		return leafRecord{}, trace.Wrap(err)
	}
	return leafRecord{
		Application: string(app),
		Name:        string(name),
		ProviderID:  provider.ID(idByte),
		BackendID:   backendID,
		Attrs:       attrs,
	}, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) error {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(b)))
	buf.Write(lenBytes[:])
	buf.Write(b)
	return nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, trace.Wrap(err)
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// writeAtomic writes data to path via write-temp + fsync + rename, so a
// reader never observes a partially written leaf.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return wrapIO(err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return wrapIO(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return wrapIO(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return wrapIO(err)
	}
	if err := tmp.Close(); err != nil {
		return wrapIO(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return wrapIO(err)
	}
	return nil
}

func (m *OnDiskManager) readLeaf(leaf string) (leafRecord, bool, error) {
	data, err := os.ReadFile(leaf)
	if err != nil {
		if os.IsNotExist(err) {
			return leafRecord{}, false, nil
		}
		return leafRecord{}, false, wrapIO(err)
	}
	rec, err := decodeLeaf(data)
	if err != nil {
		// Partially written file from a crash mid-write: the rename in
		// writeAtomic means this should only happen for a file that was
		// never successfully committed. Discard with a warning rather
		// than fail the caller.
		m.log.Warn("discarding malformed KIM leaf file", "path", leaf, "error", err)
		_ = os.Remove(leaf)
		return leafRecord{}, false, nil
	}
	return rec, true, nil
}

func (m *OnDiskManager) Get(triple provider.KeyTriple) (provider.KeyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, leaf := m.leafPath(triple)
	rec, ok, err := m.readLeaf(leaf)
	if err != nil {
		return provider.KeyInfo{}, err
	}
	if !ok || rec.ProviderID != triple.Provider {
		return provider.KeyInfo{}, trace.NotFound("key %s not found", triple)
	}
	return provider.KeyInfo{BackendID: rec.BackendID, Attrs: rec.Attrs}, nil
}

func (m *OnDiskManager) Exists(triple provider.KeyTriple) bool {
	_, err := m.Get(triple)
	return err == nil
}

func (m *OnDiskManager) Insert(triple provider.KeyTriple, info provider.KeyInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, leaf := m.leafPath(triple)
	if rec, ok, err := m.readLeaf(leaf); err != nil {
		return err
	} else if ok {
		// Either the same triple already exists, or a different
		// provider's key collided on this KIM's (app,name) path. Both are
		// treated as AlreadyExists, since this KIM instance cannot host
		// two live entries at the same path regardless of cause.
		_ = rec
		return trace.AlreadyExists("key %s already exists", triple)
	}

	data, err := encodeLeaf(leafRecord{
		Application: string(triple.Application),
		Name:        triple.Name,
		ProviderID:  triple.Provider,
		BackendID:   info.BackendID,
		Attrs:       info.Attrs,
	})
	if err != nil {
		return err
	}
	return writeAtomic(leaf, data)
}

func (m *OnDiskManager) Remove(triple provider.KeyTriple) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, leaf := m.leafPath(triple)
	rec, ok, err := m.readLeaf(leaf)
	if err != nil {
		return err
	}
	if !ok || rec.ProviderID != triple.Provider {
		return trace.NotFound("key %s not found", triple)
	}
	if err := os.Remove(leaf); err != nil {
		return wrapIO(err)
	}
	return nil
}

func (m *OnDiskManager) GetAll(id provider.ID) ([]provider.KeyTriple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []provider.KeyTriple
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapIO(err)
	}
	for _, appDir := range entries {
		if !appDir.IsDir() {
			continue
		}
		appDirPath := filepath.Join(m.root, appDir.Name())
		leaves, err := os.ReadDir(appDirPath)
		if err != nil {
			return nil, wrapIO(err)
		}
		for _, leaf := range leaves {
			if leaf.IsDir() {
				continue
			}
			rec, ok, err := m.readLeaf(filepath.Join(appDirPath, leaf.Name()))
			if err != nil {
				return nil, err
			}
			if !ok || rec.ProviderID != id {
				continue
			}
			out = append(out, provider.KeyTriple{
				Application: provider.ApplicationName(rec.Application),
				Name:        rec.Name,
				Provider:    rec.ProviderID,
			})
		}
	}
	return out, nil
}
