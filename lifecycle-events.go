package offlineproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/offline-proxy/cache"
	"github.com/always-cache/offline-proxy/lifecycle"

	"golang.org/x/sync/errgroup"
)

var _ lifecycle.Worker = (*Proxy)(nil)

// Install opens the cache of this version and pre-caches the asset manifest.
// Every asset is fetched on its own: a failing asset is logged and skipped,
// and install completes once all attempts have settled.
// Install never fails; a cache that cannot be opened is logged and left alone.
func (p *Proxy) Install(ctx context.Context, host lifecycle.Host) error {
	// activate as soon as install is done, whatever the outcome
	defer host.SkipWaiting()

	c, err := p.storage.Open(p.version)
	if err != nil {
		p.log.Error().Err(err).Msg("Could not open cache")
		return nil
	}
	p.cacheMutex.Lock()
	p.cache = c
	p.cacheMutex.Unlock()

	assets, err := p.assets.Resolve(p.keyer.Origin)
	if err != nil {
		p.log.Error().Err(err).Msg("Could not resolve asset manifest")
		return nil
	}

	p.log.Info().Int("assets", len(assets)).Msg("Pre-caching assets")
	g := &errgroup.Group{}
	g.SetLimit(p.installConcurrency)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			err := p.precache(ctx, c, asset)
			if err != nil {
				p.log.Debug().Err(err).Str("asset", asset.String()).Msg("Could not pre-cache asset")
			}
			p.metrics.Precache(p.version, err == nil)
			// failures must not cancel the other attempts
			return nil
		})
	}
	g.Wait()
	p.log.Info().Msg("Install done")
	return nil
}

// precache fetches a single asset and stores it, if the response is ok.
func (p *Proxy) precache(ctx context.Context, c cache.Cache, asset *url.URL) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.String(), nil)
	if err != nil {
		return err
	}
	if p.network.originHost != "" && p.keyer.SameOrigin(asset) {
		req.Host = p.network.originHost
	}
	res, err := p.network.fetcher.Fetch(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("bad status %d", res.StatusCode)
	}
	// the request of the response is the final one after redirects, key on the asset
	res.Request = req
	return p.put(c, p.keyer.Key(http.MethodGet, asset), res)
}

// Activate deletes the caches of every other version and takes control.
// Deletion failures are logged only.
func (p *Proxy) Activate(ctx context.Context, host lifecycle.Host) error {
	defer host.Claim()

	names, err := p.storage.Keys()
	if err != nil {
		p.log.Error().Err(err).Msg("Could not list caches")
		return nil
	}
	g, _ := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == p.version {
			continue
		}
		name := name
		g.Go(func() error {
			p.log.Debug().Str("cache", name).Msg("Deleting old cache")
			if deleted, err := p.storage.Delete(name); err != nil {
				p.log.Warn().Err(err).Str("cache", name).Msg("Could not delete old cache")
			} else if deleted {
				p.metrics.CacheDeleted()
			}
			return nil
		})
	}
	g.Wait()
	return nil
}
