// Package blob provides the opaque file-store seam for receipt proofs.
//
// The receipts folder is flat; files are named "{pledgeId} - {original}".
// Copies are idempotent by filename prefix: re-copying the same proof for
// the same pledge overwrites rather than duplicates.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "pledgeledger/pkg/errors"
)

// Handle identifies a stored blob.
type Handle string

// Store is the blob-store contract.
type Store interface {
	// Save stores data under filename and returns its handle.
	Save(ctx context.Context, filename string, data []byte) (Handle, error)

	// CopyForPledge copies an existing blob into the receipts folder
	// under "{pledgeId} - {originalFilename}".
	CopyForPledge(ctx context.Context, src Handle, pledgeID string) (Handle, error)

	// Get retrieves a blob's bytes.
	Get(ctx context.Context, h Handle) ([]byte, error)

	// FolderLink returns a human-followable link to the receipts folder,
	// used in email bodies when attachments overflow the size cap.
	FolderLink() string
}

// PledgeFilename builds the canonical receipts-folder name.
func PledgeFilename(pledgeID, original string) string {
	return fmt.Sprintf("%s - %s", pledgeID, original)
}

// MemStore is the in-memory Store for tests and dry runs.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[Handle][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[Handle][]byte)}
}

// Save implements Store.
func (s *MemStore) Save(_ context.Context, filename string, data []byte) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Handle(filename)
	s.blobs[h] = append([]byte(nil), data...)
	return h, nil
}

// CopyForPledge implements Store.
func (s *MemStore) CopyForPledge(_ context.Context, src Handle, pledgeID string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[src]
	if !ok {
		return "", fmt.Errorf("blob %s: %w", src, pkgerrors.ErrNotFound)
	}
	h := Handle(PledgeFilename(pledgeID, filepath.Base(string(src))))
	s.blobs[h] = append([]byte(nil), data...)
	return h, nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, h Handle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[h]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", h, pkgerrors.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// FolderLink implements Store.
func (s *MemStore) FolderLink() string {
	return "mem://receipts"
}

// DirStore stores blobs in a flat directory on disk.
type DirStore struct {
	dir string
}

// NewDirStore ensures dir exists and returns the store.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create receipts dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

// Save implements Store.
func (s *DirStore) Save(_ context.Context, filename string, data []byte) (Handle, error) {
	path := filepath.Join(s.dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save blob: %w", err)
	}
	return Handle(filepath.Base(filename)), nil
}

// CopyForPledge implements Store.
func (s *DirStore) CopyForPledge(ctx context.Context, src Handle, pledgeID string) (Handle, error) {
	data, err := s.Get(ctx, src)
	if err != nil {
		return "", err
	}
	return s.Save(ctx, PledgeFilename(pledgeID, filepath.Base(string(src))), data)
}

// Get implements Store.
func (s *DirStore) Get(_ context.Context, h Handle) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(string(h))))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", h, pkgerrors.ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// FolderLink implements Store.
func (s *DirStore) FolderLink() string {
	return "file://" + s.dir
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*DirStore)(nil)
)
