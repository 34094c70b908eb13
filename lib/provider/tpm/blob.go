package tpm

import (
	"os"
	"path/filepath"

	"github.com/google/go-tpm/tpm2"
	"github.com/gravitational/trace"
)

// keyBlob is what this provider persists on disk for a TPM-resident key:
// the TPM2B_PUBLIC/TPM2B_PRIVATE pair Create() returned under the daemon's
// owner-hierarchy primary. Neither half is usable outside this TPM, so the
// file is not itself sensitive key material the way the software
// provider's PKCS#8 blobs are.
type keyBlob struct {
	Public  tpm2.TPM2BPublic
	Private tpm2.TPM2BPrivate
}

// blobStore persists keyBlobs by backend id, one file per key, mirroring
// the software provider's keyMaterialStore layout.
type blobStore struct {
	dir string
}

func newBlobStore(dir string) (*blobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trace.Wrap(err)
	}
	return &blobStore{dir: dir}, nil
}

func (s *blobStore) path(id uint32) string {
	return filepath.Join(s.dir, blobFileName(id))
}

func blobFileName(id uint32) string {
	return "tpmkey-" + fmtID(id) + ".blob"
}

func fmtID(id uint32) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hex[id&0xf]
		id >>= 4
	}
	return string(b)
}

// save persists a blob via write-temp + fsync + rename: a blob that has
// been reported created must survive a crash, or the next reconciliation
// would drop the key's KIM entry.
func (s *blobStore) save(id uint32, blob keyBlob) error {
	data, err := encodeBlob(blob)
	if err != nil {
		return trace.Wrap(err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return trace.Wrap(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
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
	return trace.Wrap(os.Rename(tmpName, s.path(id)))
}

func (s *blobStore) load(id uint32) (keyBlob, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return keyBlob{}, trace.NotFound("TPM key blob %d not found", id)
		}
		return keyBlob{}, trace.Wrap(err)
	}
	return decodeBlob(data)
}

func (s *blobStore) delete(id uint32) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return trace.NotFound("TPM key blob %d not found", id)
		}
		return trace.Wrap(err)
	}
	return nil
}

// encodeBlob serializes a keyBlob as the two TPM marshaled buffers,
// each length-prefixed.
func encodeBlob(blob keyBlob) ([]byte, error) {
	pubBytes := tpm2.Marshal(blob.Public)
	privBytes := tpm2.Marshal(blob.Private)

	out := make([]byte, 0, 4+len(pubBytes)+4+len(privBytes))
	out = appendLenPrefixed(out, pubBytes)
	out = appendLenPrefixed(out, privBytes)
	return out, nil
}

func appendLenPrefixed(out, data []byte) []byte {
	var lenBuf [4]byte
	lenBuf[0] = byte(len(data) >> 24)
	lenBuf[1] = byte(len(data) >> 16)
	lenBuf[2] = byte(len(data) >> 8)
	lenBuf[3] = byte(len(data))
	out = append(out, lenBuf[:]...)
	return append(out, data...)
}

func readLenPrefixed(data []byte) (chunk, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, trace.BadParameter("truncated TPM blob")
	}
	n := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	data = data[4:]
	if len(data) < n {
		return nil, nil, trace.BadParameter("truncated TPM blob")
	}
	return data[:n], data[n:], nil
}

func decodeBlob(data []byte) (keyBlob, error) {
	pubBytes, rest, err := readLenPrefixed(data)
	if err != nil {
		return keyBlob{}, err
	}
	privBytes, _, err := readLenPrefixed(rest)
	if err != nil {
		return keyBlob{}, err
	}

	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return keyBlob{}, trace.Wrap(err)
	}
	priv, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](privBytes)
	if err != nil {
		return keyBlob{}, trace.Wrap(err)
	}
	return keyBlob{Public: *pub, Private: *priv}, nil
}
