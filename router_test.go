package offlineproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/always-cache/offline-proxy/lifecycle"
	"github.com/always-cache/offline-proxy/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func newVersion(s testSetup, version string, m *metrics.Metrics) *Proxy {
	originURL, _ := url.Parse(s.origin.URL)
	return CreateProxy(Config{
		Storage:   s.storage,
		Fetcher:   s.fetcher,
		OriginURL: *originURL,
		Version:   version,
		Assets:    []string{"/", "/app.js"},
		Metrics:   m,
	})
}

func TestRouterUpgrade(t *testing.T) {
	s := startTestOrigin(t, "app-cache-v2.0", []string{"/", "/app.js"})
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics("test")
	m.Register(registry)

	reg := lifecycle.NewRegistration(s.proxy.Network(), nil)
	if err := reg.Register(context.Background(), s.proxy); err != nil {
		t.Fatal(err)
	}
	var next *Proxy
	router := Router(reg, func() lifecycle.Worker {
		next = newVersion(s, "app-cache-v2.1", m)
		return next
	}, s.storage, registry)

	// served from the pre-cache of the first version
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))
	if cs := rr.Header().Get("Cache-Status"); cs != "Offline-Proxy; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", AdminPrefix+"/update", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Update status is %d: %s", rr.Code, rr.Body.String())
	}
	var status lifecycle.Status
	json.NewDecoder(rr.Body).Decode(&status)
	if status.Active != "app-cache-v2.1" || status.ActiveState != "activated" || !status.Controlled {
		t.Fatalf("Status is %+v", status)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", AdminPrefix+"/caches", nil))
	var listing []cacheListing
	if err := json.NewDecoder(rr.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if len(listing) != 1 || listing[0].Name != "app-cache-v2.1" || len(listing[0].Keys) != 2 {
		t.Fatalf("Caches are %+v", listing)
	}

	// the new version stores into its own cache
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/new.js", nil))
	next.Wait()
	if _, ok, _ := s.storage.Match("GET " + s.origin.URL + "/new.js"); !ok {
		t.Fatal("Response not stored by the new version")
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "test_activate_caches_deleted_total 1") {
		t.Fatalf("Metrics are %s", rr.Body.String())
	}
}

func TestRouterStatusAndSkipWaiting(t *testing.T) {
	s := startTestOrigin(t, "v1", nil)
	reg := lifecycle.NewRegistration(s.proxy.Network(), nil)
	router := Router(reg, func() lifecycle.Worker { return newVersion(s, "v2", nil) }, s.storage, nil)

	// no worker yet: requests go to the network
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))
	if rr.Code != http.StatusOK || rr.Header().Get("Cache-Status") != "" {
		t.Fatalf("Status %d, Cache-Status %s", rr.Code, rr.Header().Get("Cache-Status"))
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", AdminPrefix+"/status", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"controlled":false`) {
		t.Fatalf("Status %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", AdminPrefix+"/skip-waiting", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("Skip waiting status is %d", rr.Code)
	}

	// without a gatherer /metrics is an ordinary application path
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "GET /metrics #1" {
		t.Fatalf("Metrics status is %d", rr.Code)
	}
}
