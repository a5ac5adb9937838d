// Package blobstore implements the Raw Blob Store (spec §4.A): a
// content-addressed, sha256-keyed byte store sharded on disk by hash
// prefix, with crash-atomic writes.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Get when the hash has no corresponding blob.
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is a sha256-addressed blob store rooted at a directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// New opens (and creates, if absent) a blob store rooted at dir.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", dir, err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// path returns the sharded on-disk path for a hex sha256 hash:
// <root>/<first two hex chars>/<full hash>.
func (s *Store) path(hash string) string {
	shard := hash
	if len(shard) > 2 {
		shard = hash[:2]
	}
	return filepath.Join(s.root, shard, hash)
}

// Save writes bytes under a hash-sharded path, atomically, and returns the
// hex sha256 of the content. If a blob with that hash already exists, the
// write is skipped. Concurrent Save of identical bytes is safe: the final
// rename is atomic and the content is equivalent by construction.
func (s *Store) Save(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	final := s.path(hash)
	if _, err := os.Stat(final); err == nil {
		return hash, nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create shard dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+hash+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("fsync temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp blob: %w", err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		// Another writer may have completed the rename first with
		// equivalent content; that's fine.
		if _, statErr := os.Stat(final); statErr == nil {
			return hash, nil
		}
		return "", fmt.Errorf("rename temp blob into place: %w", err)
	}

	return hash, nil
}

// Get reads the blob for hash, or returns ErrNotFound.
func (s *Store) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}

// Exists reports whether a blob with this hash is present.
func (s *Store) Exists(hash string) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// PruneRepo is the subset of the State Repository that PruneProcessed needs:
// the set of hashes that are still referenced by an active blob-dependent
// record, versus the set eligible for removal by status.
type PruneRepo interface {
	// ProcessedHashes returns raw_hash values whose seen_file rows are no
	// longer pending and are not referenced by any active record of a
	// blob-dependent format.
	ProcessedHashes() ([]string, error)
}

// PruneProcessed removes blob files whose hash is reported eligible by repo,
// then removes any shard directories left empty. Returns the count removed.
func (s *Store) PruneProcessed(repo PruneRepo) (int, error) {
	hashes, err := repo.ProcessedHashes()
	if err != nil {
		return 0, fmt.Errorf("list processed hashes: %w", err)
	}

	removed := 0
	touchedShards := make(map[string]struct{})
	for _, hash := range hashes {
		p := s.path(hash)
		if err := os.Remove(p); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("blobstore.prune.remove_failed", "hash", hash, "err", err)
			}
			continue
		}
		removed++
		touchedShards[filepath.Dir(p)] = struct{}{}
	}

	for shard := range touchedShards {
		entries, err := os.ReadDir(shard)
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			_ = os.Remove(shard)
		}
	}

	s.logger.Info("blobstore.prune.complete", "removed", removed)
	return removed, nil
}
