package offlineproxy

import (
	"bufio"
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/always-cache/offline-proxy/cache"
	"github.com/always-cache/offline-proxy/metrics"
	manifest "github.com/always-cache/offline-proxy/pkg/asset-manifest"
	requestkey "github.com/always-cache/offline-proxy/pkg/request-key"
	serializer "github.com/always-cache/offline-proxy/pkg/response-serializer"
	tee "github.com/always-cache/offline-proxy/pkg/response-writer-tee"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultInstallConcurrency = 4

var errNoCache = errors.New("cache of this version was not opened")

type Config struct {
	// Storage for the named caches.
	Storage cache.CacheStorage
	// Network fetch primitive. An HTTPFetcher is used if nil.
	Fetcher Fetcher
	// URL of the application origin.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Version tag, which is also the name of the cache of this version.
	Version string
	// Assets to pre-cache on install.
	Assets manifest.Manifest
	// Path of the application's entry page, served when the network is unreachable.
	// Defaults to "/".
	RootDocument string
	// Maximum number of assets fetched at the same time on install.
	InstallConcurrency int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *metrics.Metrics
	// Tracks detached cache writes. Versions sharing one group can be
	// waited on together. Each proxy uses its own group if nil.
	Background *sync.WaitGroup
}

// Proxy is one version of the offline cache proxy.
// It implements lifecycle.Worker.
type Proxy struct {
	storage            cache.CacheStorage
	keyer              requestkey.Keyer
	network            *NetworkHandler
	version            string
	assets             manifest.Manifest
	rootDocument       string
	installConcurrency int
	log                zerolog.Logger
	metrics            *metrics.Metrics
	// cache opened on install
	cacheMutex sync.RWMutex
	cache      cache.Cache
	// detached cache writes
	background *sync.WaitGroup
}

// CreateProxy initializes the proxy for one version.
func CreateProxy(config Config) *Proxy {
	// use global logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("version", config.Version).
		Logger()

	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(config.OriginHost, config.Metrics)
	}
	rootDocument := config.RootDocument
	if rootDocument == "" {
		rootDocument = "/"
	}
	concurrency := config.InstallConcurrency
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}
	background := config.Background
	if background == nil {
		background = &sync.WaitGroup{}
	}

	return &Proxy{
		storage:            config.Storage,
		keyer:              requestkey.NewKeyer(&config.OriginURL),
		network:            NewNetworkHandler(fetcher, &config.OriginURL, config.OriginHost, &logger),
		version:            config.Version,
		assets:             config.Assets,
		rootDocument:       rootDocument,
		installConcurrency: concurrency,
		log:                logger,
		metrics:            config.Metrics,
		background:         background,
	}
}

func (p *Proxy) Version() string {
	return p.version
}

// Network returns the handler passing requests straight to the network.
func (p *Proxy) Network() *NetworkHandler {
	return p.network
}

// Wait blocks until all background cache writes have finished.
func (p *Proxy) Wait() {
	p.background.Wait()
}

// ServeHTTP implements the http.Handler interface.
// It is the fetch interception of the proxy.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer p.recover(w, r)
	p.handle(w, r)
}

// recover recovers from panics and sends the request to the escape hatch if needed.
func (p *Proxy) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			// the response was already under way, there is nothing to escape to
			panic(err)
		}
		p.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in proxy handler")
		p.network.ServeHTTP(w, r)
	}
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	var cs CacheStatus

	if r.Method != http.MethodGet {
		cs.Forward(CacheStatusFwdMethod)
		p.bypass(w, r, cs)
		return
	}
	target := p.keyer.Target(r)
	if !isHTTPScheme(target) {
		cs.Forward(CacheStatusFwdBypass)
		p.bypass(w, r, cs)
		return
	}

	key := p.keyer.Key(r.Method, target)
	log := p.log.With().Str("key", key).Logger()

	if sRes, ok := p.match(key); ok {
		log.Trace().Msg("Cache hit and serving")
		cs.Hit()
		p.metrics.Fetch(metrics.OutcomeHit)
		p.sendStored(w, sRes, cs)
		p.logRequest(r, cs)
		return
	}

	cs.Forward(CacheStatusFwdUriMiss)
	log.Trace().Msg("Forwarding to network")
	res, err := p.network.fetch(r)
	if err != nil {
		log.Debug().Err(err).Msg("Network fetch failed, falling back to root document")
		p.fallback(w, r, cs)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK || responseType(p.keyer, res) != ResponseTypeBasic {
		log.Trace().Int("status", res.StatusCode).Msg("Response not cacheable")
		p.metrics.Fetch(metrics.OutcomePassthrough)
		w.Header().Add("Cache-Status", cs.String())
		send(w, res, log)
		p.logRequest(r, cs)
		return
	}

	// set cache-status on underlying rw only (i.e. do not save to cache)
	// the header goes out before the body is known to be complete
	cs.Stored()
	w.Header().Add("Cache-Status", cs.String())
	rwtee := tee.NewResponseSaver(w)
	if err := send(rwtee, res, log); err != nil {
		log.Warn().Err(err).Msg("Response body incomplete, not storing")
		cs.stored = false
		p.metrics.Fetch(metrics.OutcomeIncomplete)
		p.logRequest(r, cs)
		return
	}
	if err := rwtee.ClientErr(); err != nil {
		log.Debug().Err(err).Msg("Client went away, storing response anyway")
	}
	p.metrics.Fetch(metrics.OutcomeStored)
	p.logRequest(r, cs)

	// save to cache in goroutine (do not slow down response)
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		if err := p.store(key, rwtee); err != nil {
			log.Warn().Err(err).Msg("Could not store response")
		}
	}()
}

// bypass passes the request through to the network without consulting the cache.
func (p *Proxy) bypass(w http.ResponseWriter, r *http.Request, cs CacheStatus) {
	p.metrics.Fetch(metrics.OutcomeBypass)
	w.Header().Add("Cache-Status", cs.String())
	p.network.ServeHTTP(w, r)
	p.logRequest(r, cs)
}

// fallback serves the cached root document when the network cannot be reached.
func (p *Proxy) fallback(w http.ResponseWriter, r *http.Request, cs CacheStatus) {
	rootURL := p.keyer.Origin.ResolveReference(&url.URL{Path: p.rootDocument})
	rootKey := p.keyer.Key(http.MethodGet, rootURL)
	sRes, ok := p.match(rootKey)
	if !ok {
		p.metrics.Fetch(metrics.OutcomeFailed)
		cs.Detail("offline")
		w.Header().Add("Cache-Status", cs.String())
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		p.logRequest(r, cs)
		return
	}
	p.metrics.Fetch(metrics.OutcomeFallback)
	cs.Detail("offline-fallback")
	p.sendStored(w, sRes, cs)
	p.logRequest(r, cs)
}

// match looks up the key in all caches.
// Corrupt entries are treated as misses.
func (p *Proxy) match(key string) (serializer.StoredResponse, bool) {
	b, ok, err := p.storage.Match(key)
	if err != nil {
		p.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return serializer.StoredResponse{}, false
	}
	if !ok {
		return serializer.StoredResponse{}, false
	}
	req, err := p.keyer.RequestFromKey(key)
	if err != nil {
		p.log.Error().Err(err).Msg("Could not get request from key")
		return serializer.StoredResponse{}, false
	}
	sRes, err := serializer.BytesToStoredResponse(b, req)
	if err != nil {
		p.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return serializer.StoredResponse{}, false
	}
	return sRes, true
}

func (p *Proxy) sendStored(w http.ResponseWriter, sRes serializer.StoredResponse, cs CacheStatus) {
	res := sRes.Response
	defer res.Body.Close()
	res.Header.Set("Age", strconv.Itoa(int(sRes.Age(time.Now()).Seconds())))
	w.Header().Add("Cache-Status", cs.String())
	send(w, res, p.log)
}

// store writes the response recorded by the tee to the cache of this version.
func (p *Proxy) store(key string, rwtee *tee.ResponseSaver) error {
	c := p.openedCache()
	if c == nil {
		return errNoCache
	}
	req, err := p.keyer.RequestFromKey(key)
	if err != nil {
		return err
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rwtee.Response())), req)
	if err != nil {
		return err
	}
	return p.put(c, key, res)
}

// put stores the response in the cache.
func (p *Proxy) put(c cache.Cache, key string, res *http.Response) error {
	b, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: time.Now(),
	})
	if err != nil {
		return err
	}
	p.log.Trace().Str("key", key).Str("cache", c.Name()).Msg("Writing to cache")
	return c.Put(key, b)
}

func (p *Proxy) openedCache() cache.Cache {
	p.cacheMutex.RLock()
	defer p.cacheMutex.RUnlock()
	return p.cache
}

func (p *Proxy) logRequest(r *http.Request, cs CacheStatus) {
	p.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("status", string(cs.status)).
		Str("fwd", string(cs.fwdReason)).
		Bool("stored", cs.stored).
		Str("detail", cs.detail).
		Msg("Sending response to client")
}
