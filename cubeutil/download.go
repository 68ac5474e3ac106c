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

package cubeutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cenkalti/backoff"
	"github.com/google/go-cloud/blob"
	"github.com/google/go-cloud/blob/fileblob"
	"github.com/google/go-cloud/blob/gcsblob"
	"github.com/google/go-cloud/blob/s3blob"
	"github.com/google/go-cloud/gcp"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/cubegen/internal/hash"
)

// Downloader makes remote source files available locally. Downloaded files
// are kept in Dir and are not downloaded again.
type Downloader struct {
	Dir string

	// Retries is the number of times a failed download is retried.
	Retries uint64

	Log logrus.FieldLogger

	ctx    context.Context
	client *http.Client
}

// NewDownloader returns a downloader that stores files in dir.
func NewDownloader(ctx context.Context, dir string) *Downloader {
	return &Downloader{
		Dir:     dir,
		Retries: 3,
		Log:     logrus.StandardLogger(),
		ctx:     ctx,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// IsRemote returns whether the given path is a URL
// (i.e., if it starts with `http://`, `https://`, `gs://`, `s3://`, or `file://`).
func IsRemote(path string) bool {
	return isHTTP(path) || IsBlob(path)
}

func isHTTP(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// IsBlob returns whether the given filename represents a blob.
// (i.e., if it starts with `gs://`, 's3://', or 'file://').
func IsBlob(path string) bool {
	return strings.HasPrefix(path, "gs://") || strings.HasPrefix(path, "s3://") || strings.HasPrefix(path, "file://")
}

// Fetch returns the local path of the file at p, downloading it first
// if it is remote. Local paths are returned unchanged. Fetch can be used
// as a cubegen.FetchFunc.
func (d *Downloader) Fetch(p string) (string, error) {
	if !IsRemote(p) {
		return p, nil
	}
	u, err := url.Parse(p)
	if err != nil {
		return "", fmt.Errorf("cubeutil: parsing source URL: %v", err)
	}
	dst := filepath.Join(d.Dir, hash.FileName(p, path.Base(u.Path)))
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := os.MkdirAll(d.Dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("cubeutil: creating download directory: %v", err)
	}

	var get func(w io.Writer) error
	if isHTTP(p) {
		get = func(w io.Writer) error { return d.getHTTP(p, w) }
	} else {
		bucket, err := OpenBucket(d.ctx, u.Scheme+"://"+u.Host)
		if err != nil {
			return "", err
		}
		key := strings.TrimPrefix(u.Path, "/")
		get = func(w io.Writer) error { return d.getBlob(bucket, key, w) }
	}

	op := func() error {
		f, err := os.CreateTemp(d.Dir, ".download-")
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := get(f); err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return err
		}
		return os.Rename(f.Name(), dst)
	}
	notify := func(err error, wait time.Duration) {
		d.Log.WithFields(logrus.Fields{"url": p, "wait": wait}).WithError(err).Info("retrying download")
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.Retries), d.ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", fmt.Errorf("cubeutil: downloading %s: %v", p, err)
	}
	d.Log.WithFields(logrus.Fields{"url": p, "file": dst}).Info("downloaded source file")
	return dst, nil
}

// getHTTP copies the body at url to w. Client errors are not retried.
func (d *Downloader) getHTTP(url string, w io.Writer) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := d.client.Do(req.WithContext(d.ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s", resp.Status)
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// getBlob copies the blob at key to w. Failures to open the blob, which
// are usually because it doesn't exist, are not retried.
func (d *Downloader) getBlob(bucket *blob.Bucket, key string, w io.Writer) error {
	r, err := bucket.NewReader(d.ctx, key)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}

// OpenBucket returns the blob storage bucket specified by bucketName,
// where bucketName must be in the format 'provider://name' where provider
// is the name of the storage provider and name is the name of the bucket.
// The currently accepted storage providers are "file" for the local filesystem
// (e.g., for testing; the name is then a directory), "gs" for Google Cloud
// Storage, and "s3" for AWS S3.
func OpenBucket(ctx context.Context, bucketName string) (*blob.Bucket, error) {
	url, err := url.Parse(bucketName)
	if err != nil {
		return nil, fmt.Errorf("cubeutil.OpenBucket: %v", err)
	}
	switch url.Scheme {
	case "file":
		dir := url.Hostname()
		if dir == "" {
			dir = "/" // file:///absolute/path
		}
		return fileblob.NewBucket(dir)
	case "gs":
		return gsBucket(ctx, url.Hostname())
	case "s3":
		return s3Bucket(ctx, url.Hostname())
	default:
		return nil, fmt.Errorf("cubeutil.OpenBucket: invalid provider %s", url.Scheme)
	}
}

func gsBucket(ctx context.Context, name string) (*blob.Bucket, error) {
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	return gcsblob.OpenBucket(ctx, name, c)
}

// s3Bucket opens an s3 storage bucket. It assumes the following
// environment variables are set: AWS_REGION, AWS_ACCESS_KEY_ID, and
// AWS_SECRET_ACCESS_KEY.
func s3Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-2"
	}
	c := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewEnvCredentials(),
	}
	s, err := session.NewSession(c)
	if err != nil {
		return nil, fmt.Errorf("cubeutil: creating AWS session: %v", err)
	}
	return s3blob.OpenBucket(ctx, s, name)
}
