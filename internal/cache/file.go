// Package cache implements the durable tier cache: a single JSON entry under
// the data directory that survives restarts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
)

const (
	// Key names the single cache entry.
	Key = "subscription_cache"
	// FormatVersion is written with every entry.
	FormatVersion = "1.0"

	privateDirPerm  = 0o700
	privateFilePerm = 0o600
	maxEntrySize    = 4096
)

var errUnsafePath = errors.New("unsafe cache path")

// Entry is the on-disk shape. Timestamp is epoch milliseconds.
type Entry struct {
	Tier      tier.Tier `json:"tier"`
	Timestamp int64     `json:"timestamp"`
	Version   string    `json:"version"`
}

// File stores the entry at <dir>/subscription_cache.json.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a cache rooted at dir. The directory is created lazily.
func NewFile(dir string) (*File, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("cache directory cannot be empty")
	}
	return &File{path: filepath.Join(dir, Key+".json")}, nil
}

// Path returns the cache file location.
func (f *File) Path() string { return f.path }

// ReadEntry returns (nil, nil) when no entry exists.
func (f *File) ReadEntry(ctx context.Context) (*tier.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := readBoundedRegularFile(f.path, maxEntrySize)
	if err != nil {
		if isMissingPathError(err) {
			return nil, nil
		}
		return nil, serrors.New(serrors.KindCache, "read_cache", f.path, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, serrors.New(serrors.KindCache, "decode_cache", f.path, err)
	}
	if !entry.Tier.Valid() || entry.Timestamp <= 0 {
		return nil, serrors.New(serrors.KindCache, "decode_cache", f.path,
			fmt.Errorf("malformed entry (tier=%q timestamp=%d)", entry.Tier, entry.Timestamp))
	}
	if entry.Version != FormatVersion {
		log.Debug().Str("version", entry.Version).Msg("Reading cache entry with unexpected version")
	}

	return &tier.Record{Tier: entry.Tier, Timestamp: time.UnixMilli(entry.Timestamp)}, nil
}

// WriteEntry replaces the stored entry atomically.
func (f *File) WriteEntry(ctx context.Context, rec tier.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !rec.Tier.Valid() {
		return serrors.New(serrors.KindValidation, "write_cache", f.path, tier.ErrUnknownTier)
	}
	data, err := json.Marshal(Entry{
		Tier:      rec.Tier,
		Timestamp: rec.Timestamp.UnixMilli(),
		Version:   FormatVersion,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeOwnerOnlyFileAtomic(f.path, data); err != nil {
		return serrors.New(serrors.KindCache, "write_cache", f.path, err)
	}
	return nil
}

// Clear removes the entry. A missing file is not an error.
func (f *File) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !isMissingPathError(err) {
		return serrors.New(serrors.KindCache, "clear_cache", f.path, err)
	}
	return nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafePath, path, info.Size())
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	data, err := io.ReadAll(io.LimitReader(fh, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeded size limit while reading", errUnsafePath, path)
	}
	return data, nil
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}

	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(privateFilePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
