/*
Copyright © 2019 the cubegen authors.
This file is part of cubegen.

cubegen is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

cubegen is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with cubegen.  If not, see <http://www.gnu.org/licenses/>.
*/

package cubegen

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/groupcache/lru"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/cubegen/internal/hash"
)

// OpenFunc opens the dataset at path.
type OpenFunc func(path string) (Dataset, error)

// DatasetCache holds open datasets keyed by file path. Datasets are opened
// lazily on first access and stay open until they are closed explicitly.
// Keys ending in ".gz" are decompressed into the cache directory before
// they are opened, and the decompressed copy is reused.
//
// The cache does not decide when a dataset is no longer needed; its user
// closes keys that it will not access again.
type DatasetCache struct {
	// Retries is the number of times a failed open is retried with
	// exponential backoff.
	Retries uint64

	Log logrus.FieldLogger

	dir    string
	open   OpenFunc
	cache  *lru.Cache
	opened int
	closed int
}

// NewDatasetCache creates a dataset cache that opens files with open and
// decompresses files into dir. If dir is empty a directory within the
// system temporary directory is used.
func NewDatasetCache(dir string, open OpenFunc) *DatasetCache {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "cubegen-cache")
	}
	c := &DatasetCache{
		Retries: 2,
		Log:     logrus.StandardLogger(),
		dir:     dir,
		open:    open,
		cache:   lru.New(0),
	}
	c.cache.OnEvicted = func(key lru.Key, value interface{}) {
		c.closed++
		if err := value.(Dataset).Close(); err != nil {
			c.Log.WithFields(logrus.Fields{"file": key}).WithError(err).Warn("closing dataset")
		}
		c.Log.WithFields(logrus.Fields{"file": key}).Debug("closed dataset")
	}
	return c
}

// Get returns the dataset for key, opening it if it is not already open.
func (c *DatasetCache) Get(key string) (Dataset, error) {
	if ds, ok := c.cache.Get(key); ok {
		return ds.(Dataset), nil
	}
	path := key
	if strings.HasSuffix(key, ".gz") {
		var err error
		if path, err = c.decompress(key); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cubegen: opening dataset: %v", err)
	}
	var ds Dataset
	op := func() error {
		var err error
		ds, err = c.open(path)
		return err
	}
	notify := func(err error, _ time.Duration) {
		c.Log.WithFields(logrus.Fields{"file": key}).WithError(err).Info("retrying dataset open")
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.Retries)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("cubegen: opening dataset %s: %v", key, err)
	}
	c.opened++
	c.cache.Add(key, ds)
	c.Log.WithFields(logrus.Fields{"file": key}).Debug("opened dataset")
	return ds, nil
}

// decompress writes a decompressed copy of the gzip file at key into the
// cache directory, if one does not already exist, and returns its path.
// Copies are named after the modification time and size of the source, so
// a source that is replaced is decompressed again.
func (c *DatasetCache) decompress(key string) (string, error) {
	fi, err := os.Stat(key)
	if err != nil {
		return "", fmt.Errorf("cubegen: decompressing dataset: %v", err)
	}
	path := filepath.Join(c.dir, hash.FileName(key, strings.TrimSuffix(filepath.Base(key), ".gz"), fi.ModTime().UnixNano(), fi.Size()))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(c.dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("cubegen: creating cache directory: %v", err)
	}
	src, err := os.Open(key)
	if err != nil {
		return "", fmt.Errorf("cubegen: decompressing dataset: %v", err)
	}
	defer src.Close()
	gz, err := gzip.NewReader(src)
	if err != nil {
		return "", fmt.Errorf("cubegen: decompressing dataset %s: %v", key, err)
	}
	defer gz.Close()
	tmp, err := os.CreateTemp(c.dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("cubegen: decompressing dataset: %v", err)
	}
	if _, err := io.Copy(tmp, gz); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("cubegen: decompressing dataset %s: %v", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("cubegen: decompressing dataset %s: %v", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("cubegen: decompressing dataset %s: %v", key, err)
	}
	c.Log.WithFields(logrus.Fields{"file": key, "copy": path}).Debug("decompressed dataset")
	return path, nil
}

// Close closes the dataset for key. It does nothing if the dataset is not
// open.
func (c *DatasetCache) Close(key string) {
	c.cache.Remove(key)
}

// CloseAll closes all open datasets.
func (c *DatasetCache) CloseAll() {
	for c.cache.Len() > 0 {
		c.cache.RemoveOldest()
	}
}

// Len returns the number of open datasets.
func (c *DatasetCache) Len() int { return c.cache.Len() }

// Opened returns the number of times a dataset has been opened.
func (c *DatasetCache) Opened() int { return c.opened }

// Closed returns the number of times a dataset has been closed.
func (c *DatasetCache) Closed() int { return c.closed }
