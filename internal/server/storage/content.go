package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"path"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/texcouncil/internal/common"
)

// ContentStore stores file bytes by content hash. Identical bytes always map
// to the same locator, so storing them twice writes one object.
type ContentStore struct {
	backend BlobStore
	prefix  string
}

func NewContentStore(backend BlobStore, prefix string) *ContentStore {
	return &ContentStore{backend: backend, prefix: strings.Trim(prefix, "/")}
}

// Hash returns the git blob object id of data: the lowercase hex SHA-1 of
// "blob <len>\x00" followed by the bytes. Git hosts report the same value for
// every file of a tree, so local records and fork listings compare directly.
func Hash(data []byte) string {
	h := sha1.New()
	h.Write([]byte("blob " + strconv.Itoa(len(data)) + "\x00"))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash is a convenience for the package-level Hash.
func (s *ContentStore) Hash(data []byte) string {
	return Hash(data)
}

// Locator returns the storage key of a hash.
func (s *ContentStore) Locator(hash string) string {
	if len(hash) < 2 {
		return path.Join(s.prefix, hash)
	}
	return path.Join(s.prefix, hash[:2], hash)
}

// Store writes data and returns its locator and hash. The suggested name only
// influences the stored content type. Backend failures wrap common.ErrStorage.
func (s *ContentStore) Store(ctx context.Context, data []byte, suggestedName string) (locator, hash string, err error) {
	hash = Hash(data)
	locator = s.Locator(hash)

	contentType := mime.TypeByExtension(path.Ext(suggestedName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := s.backend.Put(ctx, locator, data, contentType); err != nil {
		return "", "", fmt.Errorf("%w: put %s: %v", common.ErrStorage, locator, err)
	}
	return locator, hash, nil
}

// Read returns the bytes stored at locator.
func (s *ContentStore) Read(ctx context.Context, locator string) ([]byte, error) {
	data, err := s.backend.Get(ctx, locator)
	if err != nil {
		if errors.Is(err, errBlobNotFound) {
			return nil, fmt.Errorf("%w: %s", common.ErrNotFound, locator)
		}
		return nil, fmt.Errorf("%w: get %s: %v", common.ErrStorage, locator, err)
	}
	return data, nil
}

// Remove deletes the object at locator. A missing object counts as removed.
func (s *ContentStore) Remove(ctx context.Context, locator string) error {
	if err := s.backend.Delete(ctx, locator); err != nil && !errors.Is(err, errBlobNotFound) {
		return fmt.Errorf("%w: delete %s: %v", common.ErrStorage, locator, err)
	}
	return nil
}
