package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Uploader stores image bytes remotely and returns a URL the providers can fetch.
type Uploader interface {
	Upload(ctx context.Context, fileName string, content []byte, mimeType string) (string, error)
	Delete(ctx context.Context, url string) error
}

// RemoteAsset is the uploaded counterpart of an UploadedAsset within one run.
type RemoteAsset struct {
	AssetID string `json:"assetId"`
	URL     string `json:"url"`
}

// AssetCache uploads each asset at most once per run. Concurrent resolves of
// the same asset share one upload.
type AssetCache struct {
	uploader Uploader
	cache    *gocache.Cache
	group    singleflight.Group
	uploads  atomic.Int64
}

func NewAssetCache(uploader Uploader, ttl time.Duration) *AssetCache {
	return &AssetCache{
		uploader: uploader,
		cache:    gocache.New(ttl, ttl/2),
	}
}

func assetKey(runID, assetID string) string {
	return runID + "/" + assetID
}

func (c *AssetCache) Lookup(runID, assetID string) (RemoteAsset, bool) {
	v, ok := c.cache.Get(assetKey(runID, assetID))
	if !ok {
		return RemoteAsset{}, false
	}
	return v.(RemoteAsset), true
}

// Resolve returns the remote form of asset for runID, uploading only on the first request.
func (c *AssetCache) Resolve(ctx context.Context, runID string, asset UploadedAsset) (RemoteAsset, error) {
	if asset.URL != "" {
		return RemoteAsset{AssetID: asset.ID, URL: asset.URL}, nil
	}
	if remote, ok := c.Lookup(runID, asset.ID); ok {
		return remote, nil
	}
	key := assetKey(runID, asset.ID)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if remote, ok := c.Lookup(runID, asset.ID); ok {
			return remote, nil
		}
		url, err := c.uploader.Upload(ctx, asset.Name, asset.Data, asset.MimeType)
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s image %q: %w", asset.Role, asset.Name, err)
		}
		c.uploads.Add(1)
		remote := RemoteAsset{AssetID: asset.ID, URL: url}
		c.cache.Set(key, remote, gocache.DefaultExpiration)
		return remote, nil
	})
	if err != nil {
		return RemoteAsset{}, err
	}
	return v.(RemoteAsset), nil
}

// ResolveAll uploads assets in parallel and returns them in input order.
func (c *AssetCache) ResolveAll(ctx context.Context, runID string, assets []UploadedAsset) ([]RemoteAsset, error) {
	out := make([]RemoteAsset, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		g.Go(func() error {
			remote, err := c.Resolve(gctx, runID, asset)
			if err != nil {
				return err
			}
			out[i] = remote
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Forget drops every remote copy of assetID and deletes the stored objects.
func (c *AssetCache) Forget(ctx context.Context, assetID string) int {
	removed := 0
	suffix := "/" + assetID
	for key, item := range c.cache.Items() {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		c.cache.Delete(key)
		remote := item.Object.(RemoteAsset)
		if err := c.uploader.Delete(ctx, remote.URL); err != nil {
			log.Warn().Err(err).Str("url", remote.URL).Msg("failed to delete remote asset")
		}
		removed++
	}
	return removed
}

// Uploads reports how many uploads actually reached the store.
func (c *AssetCache) Uploads() int64 {
	return c.uploads.Load()
}

func remoteURLs(remotes []RemoteAsset) []string {
	urls := make([]string, len(remotes))
	for i, r := range remotes {
		urls[i] = r.URL
	}
	return urls
}
