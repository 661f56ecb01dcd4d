package offlineproxy

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/always-cache/offline-proxy/metrics"
	requestkey "github.com/always-cache/offline-proxy/pkg/request-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher is the network fetch primitive.
// It fails with an error only if no response could be obtained at all.
type Fetcher interface {
	Fetch(req *http.Request) (*http.Response, error)
}

// HTTPFetcher fetches requests with an http.Client.
type HTTPFetcher struct {
	client  *http.Client
	metrics *metrics.Metrics
}

// NewHTTPFetcher returns a fetcher for the network.
// If originHost is set, it is used for TLS negotiation,
// e.g. if the origin URL is just an IP address.
func NewHTTPFetcher(originHost string, m *metrics.Metrics) *HTTPFetcher {
	client := &http.Client{}
	if originHost != "" {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{
			ServerName: originHost,
		}
		client.Transport = transport
	}
	return &HTTPFetcher{client: client, metrics: m}
}

func (f *HTTPFetcher) Fetch(req *http.Request) (*http.Response, error) {
	res, err := f.client.Do(req)
	f.metrics.OnResponse(req, res)
	return res, err
}

// ResponseType classifies a network response relative to the application origin.
type ResponseType string

const (
	// Same-origin, readable response.
	ResponseTypeBasic ResponseType = "basic"
	// Cross-origin response that allows the application origin to read it.
	ResponseTypeCORS ResponseType = "cors"
	// Cross-origin response the application cannot read.
	ResponseTypeOpaque ResponseType = "opaque"
)

// responseType determines the type of the response based on where it ended up
// after redirects.
func responseType(keyer requestkey.Keyer, res *http.Response) ResponseType {
	var final *url.URL
	if res.Request != nil {
		final = res.Request.URL
	}
	if keyer.SameOrigin(final) {
		return ResponseTypeBasic
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		return ResponseTypeCORS
	}
	return ResponseTypeOpaque
}

// NetworkHandler passes requests through to the network without touching the cache.
type NetworkHandler struct {
	fetcher      Fetcher
	keyer        requestkey.Keyer
	originHost   string
	log          zerolog.Logger
	reverseproxy httputil.ReverseProxy
}

// fetcherTransport sends the requests of the reverse proxy through the handler's fetcher.
type fetcherTransport struct {
	n *NetworkHandler
}

func (t fetcherTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.n.fetcher.Fetch(req)
}

func NewNetworkHandler(fetcher Fetcher, originURL *url.URL, originHost string, logger *zerolog.Logger) *NetworkHandler {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	n := &NetworkHandler{
		fetcher:    fetcher,
		keyer:      requestkey.NewKeyer(originURL),
		originHost: originHost,
		log:        l,
	}
	n.reverseproxy = httputil.ReverseProxy{
		Rewrite:      n.rewrite,
		Transport:    fetcherTransport{n},
		ErrorHandler: n.errorHandler,
	}
	return n
}

// ServeHTTP passes the request through to the network and writes the response as is.
func (n *NetworkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.reverseproxy.ServeHTTP(w, r)
}

func (n *NetworkHandler) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL = n.keyer.Target(pr.In)
	pr.Out.RequestURI = ""
	pr.Out.Host = ""
	if n.originHost != "" && n.keyer.SameOrigin(pr.Out.URL) {
		pr.Out.Host = n.originHost
	}
}

func (n *NetworkHandler) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	n.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response from network")
	http.Error(w, "Error contacting origin", http.StatusBadGateway)
}

// fetch gets the response from the network, for the caller to inspect before sending.
func (n *NetworkHandler) fetch(r *http.Request) (*http.Response, error) {
	req, err := n.networkRequest(r)
	if err != nil {
		return nil, err
	}
	return n.fetcher.Fetch(req)
}

// networkRequest creates the outgoing request for an incoming one.
func (n *NetworkHandler) networkRequest(r *http.Request) (*http.Request, error) {
	target := n.keyer.Target(r)
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	if n.originHost != "" && n.keyer.SameOrigin(target) {
		req.Host = n.originHost
	}
	return req, nil
}

// send writes the response to the client.
// It returns the error reading the response body, if any;
// errors writing to the client are only logged.
func send(w http.ResponseWriter, res *http.Response, log zerolog.Logger) error {
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	body := &bodyReader{r: res.Body}
	if _, err := io.Copy(w, body); err != nil {
		log.Debug().Err(err).Msg("Could not write response body to client")
	}
	return body.err
}

// bodyReader remembers the first error reading the response body.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

var skipHeaders = map[string]bool{
	// this is a workaround to remove default headers sent by an upstream proxy
	// some servers do not like the presence of these headers in the downstream request
	"X-Forwarded-For":   true,
	"X-Forwarded-Proto": true,
	"X-Forwarded-Host":  true,
	// hop-by-hop
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeader(dst, src http.Header) {
	// headers named in Connection are hop-by-hop too
	connection := make(map[string]bool)
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connection[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for k, vv := range src {
		k = http.CanonicalHeaderKey(k)
		if skipHeaders[k] || connection[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHTTPScheme(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
