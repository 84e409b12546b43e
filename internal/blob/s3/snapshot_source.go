package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/routecache/internal/domain"
)

// snapshotPartSize is the ranged-GET size used when downloading snapshots.
// Large chains are fetched in parallel parts.
const snapshotPartSize = 8 * 1024 * 1024

// objectGetter is the single S3 call SnapshotSource makes.
type objectGetter = manager.DownloadAPIClient

// SnapshotSource implements domain.PoolSource by reading a JSON array of pools
// from {prefix}/{chain}/latest.json. An external indexer keeps the object
// current.
type SnapshotSource struct {
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewSnapshotSource creates a SnapshotSource on c's bucket.
func NewSnapshotSource(c *Client, prefix string) *SnapshotSource {
	return newSnapshotSource(c.S3(), c.Bucket(), prefix)
}

func newSnapshotSource(client objectGetter, bucket, prefix string) *SnapshotSource {
	return &SnapshotSource{
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = snapshotPartSize
			d.Concurrency = 4
		}),
		bucket: bucket,
		prefix: prefix,
	}
}

// ObjectKey returns the snapshot location of chain.
func (s *SnapshotSource) ObjectKey(chain string) string {
	return path.Join(s.prefix, chain, "latest.json")
}

// FetchActive downloads and decodes the chain snapshot, returning the pools
// that carry liquidity.
func (s *SnapshotSource) FetchActive(ctx context.Context, chain string) ([]*domain.Pool, error) {
	key := s.ObjectKey(chain)
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", key, err)
	}

	var pools []*domain.Pool
	if err := json.Unmarshal(buf.Bytes(), &pools); err != nil {
		return nil, fmt.Errorf("s3blob: decode %s: %w", key, err)
	}

	active := pools[:0]
	for _, p := range pools {
		if p == nil || !p.HasLiquidity() {
			continue
		}
		p.Normalize()
		active = append(active, p)
	}
	return active, nil
}

// isNotFound reports whether err is an S3 missing-object error.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	// Some S3-compatible providers only report a bare 404.
	type httpResponseError interface {
		HTTPStatusCode() int
	}
	var httpErr httpResponseError
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 404
}

// Compile-time interface check.
var _ domain.PoolSource = (*SnapshotSource)(nil)
