package kim

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// Counter is a persisted, monotonically increasing backend-id allocator:
// once an id is handed out it is never reused, even across restarts.
type Counter struct {
	mu   sync.Mutex
	path string
}

// NewCounter opens (or creates, starting at 0) the counter file for a
// given provider under a KIM root.
func NewCounter(kimRoot string, id provider.ID) (*Counter, error) {
	path := filepath.Join(kimRoot, counterFileName(id))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeAtomic(path, encodeCounter(0)); err != nil {
			return nil, err
		}
	}
	return &Counter{path: path}, nil
}

func counterFileName(id provider.ID) string {
	return ".counter-" + id.String()
}

func encodeCounter(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func decodeCounter(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Next allocates and persists the next id before returning it, so a crash
// immediately after this call can never result in the same id being
// handed out twice.
func (c *Counter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0, wrapIO(err)
	}
	next := decodeCounter(data) + 1
	if err := writeAtomic(c.path, encodeCounter(next)); err != nil {
		return 0, err
	}
	return next, nil
}
