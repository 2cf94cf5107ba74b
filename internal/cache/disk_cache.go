package cache

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
)

const diskSuffix = ".bin"

// Ensure DiskCache implements GenericCache
var _ GenericCache = (*DiskCache)(nil)

// DiskCache implements GenericCache on a billy filesystem
type DiskCache struct {
	root string
	fs   billy.Filesystem
}

// NewDisk creates a disk cache rooted at cacheDir
func NewDisk(cacheDir string) *DiskCache {
	return &DiskCache{
		root: cacheDir,
		fs:   osfs.New(cacheDir),
	}
}

// NewMemFS creates a disk cache backed by an in-memory filesystem
func NewMemFS() *DiskCache {
	return &DiskCache{fs: memfs.New()}
}

func (d *DiskCache) filename(key string) string {
	return normalizeKey(key) + diskSuffix
}

// Init ensures the cache directory exists
func (d *DiskCache) Init() error {
	if d.root == "" {
		return nil
	}
	return os.MkdirAll(d.root, 0755)
}

// Get reads a stored blob
func (d *DiskCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := d.fs.Open(d.filename(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.CodeDatabase, "opening %s", key)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "reading %s", key)
	}
	return data, nil
}

// Set writes to a temp file and renames it over the target
func (d *DiskCache) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := d.filename(key)
	dir := path.Dir(name)
	if err := d.fs.MkdirAll(dir, 0755); err != nil {
		return d.writeError(key, err)
	}

	tmp, err := d.fs.TempFile(dir, ".tmp-")
	if err != nil {
		return d.writeError(key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = d.fs.Remove(tmpName)
		return d.writeError(key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = d.fs.Remove(tmpName)
		return d.writeError(key, err)
	}

	if err := d.fs.Rename(tmpName, name); err != nil {
		// some filesystems refuse to rename over an existing file
		_ = d.fs.Remove(name)
		if err := d.fs.Rename(tmpName, name); err != nil {
			_ = d.fs.Remove(tmpName)
			return d.writeError(key, err)
		}
	}

	logrus.Debugf("Stored blob: %s", name)
	return nil
}

func (d *DiskCache) writeError(key string, err error) error {
	if stderrors.Is(err, syscall.ENOSPC) || stderrors.Is(err, syscall.EDQUOT) {
		return cacheerr.StorageQuotaExceeded(key, err)
	}
	return errors.Wrapf(err, errors.CodeDatabase, "writing %s", key)
}

// Delete removes a stored blob
func (d *DiskCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.fs.Remove(d.filename(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.CodeDatabase, "removing %s", key)
	}
	return nil
}

// Keys walks the directory matching prefix
func (d *DiskCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	if err := d.walk(strings.TrimSuffix(normalizePrefix(prefix), "/"), &keys); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "listing %s", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DiskCache) walk(dir string, keys *[]string) error {
	listDir := dir
	if listDir == "" {
		listDir = "/"
	}
	infos, err := d.fs.ReadDir(listDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, info := range infos {
		name := info.Name()
		full := name
		if dir != "" {
			full = dir + "/" + name
		}
		if info.IsDir() {
			if err := d.walk(full, keys); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, diskSuffix) {
			continue
		}
		*keys = append(*keys, strings.TrimSuffix(full, diskSuffix))
	}
	return nil
}

// DeletePrefix removes the whole directory under prefix
func (d *DiskCache) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := strings.TrimSuffix(normalizePrefix(prefix), "/")
	if dir == "" {
		return errors.New(errors.CodeInvalidInput, "refusing to delete the cache root")
	}
	if err := util.RemoveAll(d.fs, dir); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.CodeDatabase, "removing %s", prefix)
	}
	return nil
}

// Close is a no-op for filesystems
func (d *DiskCache) Close() error {
	return nil
}
