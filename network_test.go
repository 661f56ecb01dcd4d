package offlineproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestNetworkHandlerForwardsRequest(t *testing.T) {
	var got *http.Request
	var gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer origin.Close()
	originURL, _ := url.Parse(origin.URL)

	n := NewNetworkHandler(NewHTTPFetcher("", nil), originURL, "app.example", nil)
	req := httptest.NewRequest("PUT", "/items/1?draft=true", strings.NewReader("payload"))
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req.Header.Set("Authorization", "Bearer token")
	rr := httptest.NewRecorder()
	n.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted || rr.Header().Get("X-Origin") != "yes" {
		t.Fatalf("Response is %d %v", rr.Code, rr.Header())
	}
	if got.Method != "PUT" || got.URL.RequestURI() != "/items/1?draft=true" || gotBody != "payload" {
		t.Fatalf("Origin got %s %s %q", got.Method, got.URL.RequestURI(), gotBody)
	}
	if got.Host != "app.example" {
		t.Fatalf("Host is %s", got.Host)
	}
	if got.Header.Get("Authorization") != "Bearer token" || got.Header.Get("X-Forwarded-For") != "" {
		t.Fatalf("Headers are %v", got.Header)
	}
}

func TestNetworkHandlerHopByHopAndTrailers(t *testing.T) {
	var got *http.Request
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Trailer", "X-Checksum")
		io.WriteString(w, "body")
		w.Header().Set("X-Checksum", "abc")
	}))
	defer origin.Close()
	originURL, _ := url.Parse(origin.URL)

	n := NewNetworkHandler(NewHTTPFetcher("", nil), originURL, "", nil)
	req := httptest.NewRequest("GET", "/data", nil)
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "1")
	rr := httptest.NewRecorder()
	n.ServeHTTP(rr, req)

	if got.Header.Get("X-Hop") != "" {
		t.Fatalf("Headers are %v", got.Header)
	}
	res := rr.Result()
	if b, _ := io.ReadAll(res.Body); string(b) != "body" {
		t.Fatalf("Body is %s", b)
	}
	if res.Trailer.Get("X-Checksum") != "abc" {
		t.Fatalf("Trailers are %v", res.Trailer)
	}
}

func TestNetworkHandlerUnreachable(t *testing.T) {
	originURL, _ := url.Parse("http://127.0.0.1:1")
	n := NewNetworkHandler(NewHTTPFetcher("", nil), originURL, "", nil)
	rr := httptest.NewRecorder()
	n.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestCopyHeaderSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "close, X-Hop")
	src.Set("X-Hop", "1")
	src.Set("Transfer-Encoding", "chunked")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	dst := http.Header{}
	copyHeader(dst, src)
	if dst.Get("Connection") != "" || dst.Get("Transfer-Encoding") != "" || dst.Get("X-Hop") != "" {
		t.Fatalf("Hop-by-hop headers copied: %v", dst)
	}
	if len(dst.Values("Set-Cookie")) != 2 {
		t.Fatalf("Headers are %v", dst)
	}
}

func TestCacheStatusString(t *testing.T) {
	var cs CacheStatus
	cs.Hit()
	if cs.String() != "Offline-Proxy; hit" {
		t.Fatalf("Cache-Status is %s", cs.String())
	}
	cs = CacheStatus{}
	cs.Forward(CacheStatusFwdUriMiss)
	cs.Stored()
	cs.Detail("x")
	if cs.String() != "Offline-Proxy; fwd=uri-miss; stored; detail=x" {
		t.Fatalf("Cache-Status is %s", cs.String())
	}
}
