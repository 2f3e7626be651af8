package cachemanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/utils"
)

// DiskRecord is the on-disk form of a cached handler result.
type DiskRecord struct {
	ContentHash string        `json:"content_hash"`
	CachedAt    time.Time     `json:"cached_at"`
	Result      models.Result `json:"result"`
}

// WalkFunc is called for every entry in a ColdStore. rec is nil and err wraps
// ErrCorruptEntry when the entry could not be decoded.
type WalkFunc func(hash string, rec *DiskRecord, err error) error

// ColdStore is the persistent tier behind the content cache.
type ColdStore interface {
	Get(hash string) (*DiskRecord, error)
	Set(rec *DiskRecord) error
	Delete(hash string) error
	Walk(fn WalkFunc) error
	Usage() (files int, bytes int64, err error)
}

// DiskStore keeps one JSON file per entry at <root>/<hash[:2]>/<hash>.json.
//
// Writes go through a temp file and rename, so a concurrent reader sees
// either the old or the new record.
type DiskStore struct {
	root string
}

// NewDiskStore creates root if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("disk store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", root, err)
	}
	return &DiskStore{root: root}, nil
}

// Root returns the store directory.
func (d *DiskStore) Root() string {
	return d.root
}

// Get reads the record for hash.
func (d *DiskStore) Get(hash string) (*DiskRecord, error) {
	path, err := utils.ShardPath(d.root, hash)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(data)
}

// Set writes rec atomically.
func (d *DiskStore) Set(rec *DiskRecord) error {
	if rec == nil {
		return errors.New("cannot store nil record")
	}
	path, err := utils.ShardPath(d.root, rec.ContentHash)
	if err != nil {
		return err
	}
	return utils.WriteJSONAtomic(path, rec, 0o644)
}

// Delete removes the record for hash. A missing record is not an error.
func (d *DiskStore) Delete(hash string) error {
	path, err := utils.ShardPath(d.root, hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Walk visits every record file. Files whose names are not content hashes
// are skipped.
func (d *DiskStore) Walk(fn WalkFunc) error {
	return d.walkFiles(func(hash, path string, _ fs.FileInfo) error {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fn(hash, nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err))
		}
		rec, err := decodeRecord(data)
		return fn(hash, rec, err)
	})
}

// Usage counts record files and their total size.
func (d *DiskStore) Usage() (int, int64, error) {
	files := 0
	var total int64
	err := d.walkFiles(func(_, _ string, info fs.FileInfo) error {
		files++
		total += info.Size()
		return nil
	})
	return files, total, err
}

func (d *DiskStore) walkFiles(fn func(hash, path string, info fs.FileInfo) error) error {
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			return nil
		}
		hash := strings.TrimSuffix(name, ".json")
		if !utils.ValidHash(hash) || filepath.Base(filepath.Dir(path)) != hash[:2] {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(hash, path, info)
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache dir %s: %w", d.root, err)
	}
	return nil
}

func decodeRecord(data []byte) (*DiskRecord, error) {
	var rec DiskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if rec.ContentHash == "" || rec.CachedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing content_hash or cached_at", ErrCorruptEntry)
	}
	return &rec, nil
}

// normalizeResult returns result as it reads back from a DiskRecord:
// numbers become float64, nested objects map[string]any and arrays []any.
func normalizeResult(result models.Result) (models.Result, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	var out models.Result
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return out, nil
}
