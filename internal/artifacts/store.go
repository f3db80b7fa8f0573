package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Store is the domain-facing artifact store: content addressing, the
// immutability rule and the hash index live here, above whichever Backend
// the deployment selected.
type Store struct {
	backend Backend
	logger  *observability.Logger

	mu      sync.Mutex
	digests map[string]string // key -> hex digest, write-through cache
}

// NewStore wraps a backend.
func NewStore(backend Backend, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		digests: make(map[string]string),
	}
}

// New builds the store over the backend selected by cfg.
func New(ctx context.Context, cfg config.ArtifactsConfig, logger *observability.Logger) (*Store, error) {
	switch cfg.Backend {
	case "", "local":
		backend, err := NewLocal(cfg.Root)
		if err != nil {
			return nil, err
		}
		return NewStore(backend, logger), nil
	case "s3":
		backend, err := NewS3(ctx, S3Options{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			Prefix:       cfg.S3.Prefix,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return NewStore(backend, logger), nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// Put stores data under key and indexes it by content hash. Rewriting a key
// with identical bytes returns the existing artifact; different bytes are
// rejected with ErrContentConflict.
func (s *Store) Put(ctx context.Context, key string, data []byte) (*Artifact, error) {
	if err := validateKey(key); err != nil {
		return nil, fault.Classify(models.KindInvalidInput, "artifacts.put", err)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	artifact := &Artifact{
		Key:  key,
		Hash: "sha256:" + digest,
		Size: int64(len(data)),
	}

	existing, err := s.digestOf(ctx, key)
	switch {
	case err == nil:
		if existing == digest {
			return artifact, nil
		}
		return nil, fmt.Errorf("put %s: %w", key, ErrContentConflict)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := s.backend.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	s.remember(key, digest)

	// Index the blob. First writer wins: a hash already indexed keeps its
	// original key, and GetByHash serves the same bytes either way.
	alias := blobKey(digest)
	if _, err := s.backend.Stat(ctx, alias); errors.Is(err, ErrNotFound) {
		if err := s.backend.Put(ctx, alias, strings.NewReader(key)); err != nil {
			return nil, fmt.Errorf("index %s: %w", artifact.Hash, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("index %s: %w", artifact.Hash, err)
	}

	return artifact, nil
}

// PutJSON marshals v and stores it under key.
func (s *Store) PutJSON(ctx context.Context, key string, v any) (*Artifact, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fault.E(models.KindInvalidInput, "artifacts.put_json", "unserialisable value", err)
	}
	return s.Put(ctx, key, data)
}

// AppendJSONL marshals v and appends it as one line to a .jsonl stream.
// Streams are exempt from the immutability rule, so only .jsonl keys are
// accepted here.
func (s *Store) AppendJSONL(ctx context.Context, key string, v any) error {
	if err := validateKey(key); err != nil {
		return fault.Classify(models.KindInvalidInput, "artifacts.append", err)
	}
	if !strings.HasSuffix(key, ".jsonl") {
		return fault.Errorf(models.KindInvalidInput, "artifacts.append", "append requires a .jsonl key, got %q", key)
	}

	line, err := json.Marshal(v)
	if err != nil {
		return fault.E(models.KindInvalidInput, "artifacts.append", "unserialisable value", err)
	}
	line = append(line, '\n')

	if err := s.backend.Append(ctx, key, line); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	s.forget(key)
	return nil
}

// Get opens the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, fault.Classify(models.KindInvalidInput, "artifacts.get", err)
	}
	return s.backend.Get(ctx, key)
}

// GetByHash opens a blob by its content hash. Accepts "sha256:<hex>" or the
// bare hex digest.
func (s *Store) GetByHash(ctx context.Context, hash string) (io.ReadCloser, error) {
	digest := strings.TrimPrefix(hash, "sha256:")
	if digest == "" || strings.ContainsAny(digest, "/\\") {
		return nil, fault.Errorf(models.KindInvalidInput, "artifacts.get_by_hash", "malformed hash %q", hash)
	}

	rc, err := s.backend.Get(ctx, blobKey(digest))
	if err != nil {
		return nil, err
	}
	keyBytes, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read blob index %s: %w", digest, err)
	}

	return s.backend.Get(ctx, strings.TrimSpace(string(keyBytes)))
}

// Stat reports size and modification time for key.
func (s *Store) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, fault.Classify(models.KindInvalidInput, "artifacts.stat", err)
	}
	return s.backend.Stat(ctx, key)
}

// PruneOlderThan deletes run, worker and index objects last modified before
// cutoff. The scheduler drives this on the retention schedule; live runs are
// protected by their recent modification times.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for _, prefix := range []string{"runs", "workers", "blobs"} {
		infos, err := s.backend.List(ctx, prefix)
		if err != nil {
			return removed, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, info := range infos {
			if !info.ModTime.Before(cutoff) {
				continue
			}
			if err := s.backend.Delete(ctx, info.Key); err != nil {
				s.logger.Warn(ctx, "artifact prune failed",
					"key", info.Key,
					"error", err,
				)
				continue
			}
			s.forget(info.Key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info(ctx, "artifacts pruned",
			"removed", removed,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return removed, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// digestOf returns the hex digest of the blob at key, reading and hashing
// the stored bytes on a cache miss so the immutability check survives
// restarts.
func (s *Store) digestOf(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	digest, ok := s.digests[key]
	s.mu.Unlock()
	if ok {
		return digest, nil
	}

	rc, err := s.backend.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("hash %s: %w", key, err)
	}
	digest = hex.EncodeToString(h.Sum(nil))
	s.remember(key, digest)
	return digest, nil
}

func (s *Store) remember(key, digest string) {
	s.mu.Lock()
	s.digests[key] = digest
	s.mu.Unlock()
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	delete(s.digests, key)
	s.mu.Unlock()
}
