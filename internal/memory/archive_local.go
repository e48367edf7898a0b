package memory

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/models"
)

// ErrNotFound is returned when a requested archive key does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// LocalArchive is the default L4 driver: one blob file plus a JSON
// metadata sidecar per key under a base directory. Objects are
// immutable; a second Put for the same key returns the stored URI
// without rewriting anything.
type LocalArchive struct {
	basePath string
	compress bool
}

// NewLocalArchive creates a file-based archive. If basePath is empty,
// it defaults to "~/.loom/archive".
func NewLocalArchive(basePath string, compress bool) *LocalArchive {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/loom/archive"
		} else {
			basePath = filepath.Join(home, ".loom", "archive")
		}
	}
	return &LocalArchive{basePath: basePath, compress: compress}
}

func (a *LocalArchive) Kind() string { return "local" }

// archiveName maps a key to a stable filename: a sanitized prefix for
// humans, a hash suffix so distinct keys never collide after cleanup.
func archiveName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return sanitizeKey(key) + "-" + hex.EncodeToString(sum[:])[:12]
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" {
		s = "blob"
	}
	return s
}

func (a *LocalArchive) dataPath(key string) string {
	name := archiveName(key) + ".bin"
	if a.compress {
		name += ".gz"
	}
	return filepath.Join(a.basePath, name)
}

func (a *LocalArchive) metaPath(key string) string {
	return filepath.Join(a.basePath, archiveName(key)+".meta.json")
}

func (a *LocalArchive) Put(_ context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	fpath := a.dataPath(key)
	if _, err := os.Stat(fpath); err == nil {
		// Already archived under this key.
		return "file://" + fpath, nil
	}

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		w = gw
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("write archive file: %w", err)
	}

	meta := map[string]string{}
	for k, v := range metadata {
		meta[k] = v
	}
	meta["key"] = key
	meta["size"] = strconv.Itoa(len(data))
	meta["archived_at"] = models.FormatTime(models.UTCNow())

	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode archive metadata: %w", err)
	}
	if err := os.WriteFile(a.metaPath(key), raw, 0o644); err != nil {
		return "", fmt.Errorf("write archive metadata: %w", err)
	}

	log.Debug().Str("key", key).Int("size", len(data)).Msg("archived object to local file")
	return "file://" + fpath, nil
}

func (a *LocalArchive) Get(_ context.Context, key string) ([]byte, map[string]string, error) {
	fpath := a.dataPath(key)
	f, err := os.Open(fpath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &ErrNotFound{Entity: "archive object", Key: key}
		}
		return nil, nil, fmt.Errorf("open archive file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if a.compress {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("open archive gzip: %w", err)
		}
		defer gr.Close()
		r = gr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read archive file: %w", err)
	}

	meta := map[string]string{}
	if raw, err := os.ReadFile(a.metaPath(key)); err == nil {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, nil, fmt.Errorf("decode archive metadata: %w", err)
		}
	}
	return data, meta, nil
}

// DeleteBySource removes objects whose metadata source_uri matches.
// Only hard purges reach the archive tier.
func (a *LocalArchive) DeleteBySource(_ context.Context, sourceURI string) (int, error) {
	entries, err := os.ReadDir(a.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read archive dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		mpath := filepath.Join(a.basePath, e.Name())
		raw, err := os.ReadFile(mpath)
		if err != nil {
			continue
		}
		meta := map[string]string{}
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		if meta["source_uri"] != sourceURI {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".meta.json")
		dname := base + ".bin"
		if a.compress {
			dname += ".gz"
		}
		if err := os.Remove(filepath.Join(a.basePath, dname)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove archive file: %w", err)
		}
		if err := os.Remove(mpath); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove archive metadata: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (a *LocalArchive) HealthCheck(_ context.Context) error {
	// Verify we can write to the base path
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}

func (a *LocalArchive) Close() error { return nil }
