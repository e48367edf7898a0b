package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/models"
)

var (
	bucketBlobs = []byte("blobs")
	bucketMeta  = []byte("meta")
)

// BoltArchive stores L4 objects in a single BoltDB file. Suits
// single-node deployments that want durable archives without a blob
// store. Objects are immutable once written, same as the local driver.
type BoltArchive struct {
	db   *bolt.DB
	path string
}

// NewBoltArchive opens (creating if needed) the archive database.
func NewBoltArchive(path string) (*BoltArchive, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			path = "/tmp/loom/archive.db"
		} else {
			path = filepath.Join(home, ".loom", "archive.db")
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlobs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("bolt archive opened")
	return &BoltArchive{db: db, path: path}, nil
}

func (a *BoltArchive) Kind() string { return "bolt" }

func (a *BoltArchive) uri(key string) string {
	return "bolt://" + a.path + "#" + key
}

func (a *BoltArchive) Put(_ context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	err := a.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		if blobs.Get([]byte(key)) != nil {
			// Already archived under this key.
			return nil
		}
		if err := blobs.Put([]byte(key), data); err != nil {
			return fmt.Errorf("put blob: %w", err)
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
			return fmt.Errorf("encode metadata: %w", err)
		}
		return tx.Bucket(bucketMeta).Put([]byte(key), raw)
	})
	if err != nil {
		return "", err
	}
	return a.uri(key), nil
}

func (a *BoltArchive) Get(_ context.Context, key string) ([]byte, map[string]string, error) {
	var (
		data []byte
		meta map[string]string
	)
	err := a.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlobs).Get([]byte(key))
		if raw == nil {
			return &ErrNotFound{Entity: "archive object", Key: key}
		}
		// Bolt memory is only valid inside the transaction.
		data = append([]byte(nil), raw...)

		meta = map[string]string{}
		if mraw := tx.Bucket(bucketMeta).Get([]byte(key)); mraw != nil {
			if err := json.Unmarshal(mraw, &meta); err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

func (a *BoltArchive) DeleteBySource(_ context.Context, sourceURI string) (int, error) {
	removed := 0
	err := a.db.Update(func(tx *bolt.Tx) error {
		metas := tx.Bucket(bucketMeta)
		var victims [][]byte
		err := metas.ForEach(func(k, v []byte) error {
			meta := map[string]string{}
			if err := json.Unmarshal(v, &meta); err != nil {
				return nil
			}
			if meta["source_uri"] == sourceURI {
				victims = append(victims, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		blobs := tx.Bucket(bucketBlobs)
		for _, k := range victims {
			if err := blobs.Delete(k); err != nil {
				return fmt.Errorf("delete blob: %w", err)
			}
			if err := metas.Delete(k); err != nil {
				return fmt.Errorf("delete metadata: %w", err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (a *BoltArchive) HealthCheck(_ context.Context) error {
	return a.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBlobs) == nil {
			return fmt.Errorf("archive db missing blobs bucket")
		}
		return nil
	})
}

func (a *BoltArchive) Close() error {
	return a.db.Close()
}
