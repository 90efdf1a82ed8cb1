package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Open when the key names no object.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
	// MD5 is the hex digest of the stored bytes; it doubles as the file's content key.
	MD5 string
}

// ObjectStore provides access to object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)
	URL(ctx context.Context, key string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// BuildKey returns a fresh storage key of the form <userID>/<name>_<uuid>.
func BuildKey(userID, filename string) string {
	name := sanitizeFilename(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	if name == "" || name == "." {
		name = "file"
	}
	if len(name) > 128 {
		name = name[:128]
	}
	return userID + "/" + name + "_" + uuid.NewString()
}

// OwnedBy reports whether key lives under the user's prefix.
func OwnedBy(key, userID string) bool {
	if userID == "" || !strings.HasPrefix(key, userID+"/") {
		return false
	}
	rest := strings.TrimPrefix(key, userID+"/")
	if rest == "" || strings.Contains(rest, "/") {
		return false
	}
	return path.Clean(key) == key
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// hashingReader counts and digests the bytes that pass through it.
type hashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: md5.New()}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

func (h *hashingReader) info(key string) ObjectInfo {
	return ObjectInfo{Key: key, Size: h.n, MD5: hex.EncodeToString(h.h.Sum(nil))}
}
