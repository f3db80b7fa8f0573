// Package artifacts stores worker and tool outputs out-of-band of the event
// log. Events carry capped previews; the full bytes land here under
// deterministic keys, content-addressed by SHA-256 so replays and clients
// can fetch exactly what a preview was cut from.
//
// Layout:
//
//	workers/<worker_id>/{thread.jsonl,result.txt,metadata.json,metrics.jsonl,diff.patch}
//	workers/<worker_id>/tool_calls/<tool_call_id>.json
//	runs/<run_public_id>/tool_calls/<tool_call_id>.json
//	blobs/sha256/<hex>                                  (hash -> key index)
//
// Stored artifacts are immutable: rewriting a key with identical bytes is a
// no-op, rewriting with different bytes is an error. The .jsonl streams are
// the one exception — they are single-writer append-only logs.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for keys and hashes with no stored blob.
	ErrNotFound = errors.New("artifact not found")

	// ErrContentConflict is returned when a key is rewritten with
	// different bytes.
	ErrContentConflict = errors.New("artifact exists with different content")
)

// Standard file names of the per-worker tree.
const (
	FileThread   = "thread.jsonl"
	FileResult   = "result.txt"
	FileMetadata = "metadata.json"
	FileMetrics  = "metrics.jsonl"
	FileDiff     = "diff.patch"
)

// Artifact describes one stored blob.
type Artifact struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// ObjectInfo is backend metadata for one stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is the raw object layer under the Store. Keys are slash-separated
// relative paths, validated by the Store before they reach a backend.
type Backend interface {
	// Put writes the object atomically; readers never observe partial
	// content under the key.
	Put(ctx context.Context, key string, data io.Reader) error

	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Append adds bytes to the end of the object, creating it if absent.
	// Only meaningful for single-writer streams.
	Append(ctx context.Context, key string, data []byte) error

	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes the object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns every object under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	Close() error
}

// WorkerKey names one of the standard files in a worker's tree.
func WorkerKey(workerID, name string) string {
	return path.Join("workers", sanitizeComponent(workerID), sanitizeComponent(name))
}

// WorkerToolCallKey names a worker's per-call tool output.
func WorkerToolCallKey(workerID, toolCallID string) string {
	return path.Join("workers", sanitizeComponent(workerID), "tool_calls", sanitizeComponent(toolCallID)+".json")
}

// RunToolCallKey names a supervisor tool output scoped to the run.
func RunToolCallKey(runPublicID, toolCallID string) string {
	return path.Join("runs", sanitizeComponent(runPublicID), "tool_calls", sanitizeComponent(toolCallID)+".json")
}

func blobKey(hexDigest string) string {
	return path.Join("blobs", "sha256", hexDigest)
}

// sanitizeComponent maps an external identifier onto a single safe path
// segment. Tool call ids come from the LLM and cannot be trusted to be
// filesystem-clean.
func sanitizeComponent(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("artifact key is empty")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("artifact key %q must be a relative slash path", key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("artifact key %q is not canonical", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("artifact key %q contains an invalid segment", key)
		}
	}
	return nil
}
