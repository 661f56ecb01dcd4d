package requestkey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrMalformedKey = errors.New("malformed request key")

const methodSeparator = " "

// Keyer derives request identities (method + absolute URL) for one application origin.
type Keyer struct {
	// Origin of the application, e.g. `https://app.example`.
	// Origins with paths are not supported.
	Origin *url.URL
}

func NewKeyer(origin *url.URL) Keyer {
	return Keyer{Origin: origin}
}

// Target returns the absolute URL the request is aimed at.
// Requests in origin-form (`GET /path`) are resolved against the origin,
// absolute-form requests (`GET http://host/path`) are kept as is.
func (k Keyer) Target(r *http.Request) *url.URL {
	var target *url.URL
	if r.URL.IsAbs() {
		u := *r.URL
		target = &u
	} else {
		target = k.Origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	}
	target.Fragment = ""
	target.RawFragment = ""
	return target
}

// SameOrigin reports whether the URL has the scheme and host of the application origin.
func (k Keyer) SameOrigin(u *url.URL) bool {
	return u != nil &&
		strings.EqualFold(u.Scheme, k.Origin.Scheme) &&
		strings.EqualFold(u.Host, k.Origin.Host)
}

// Key returns the request identity for the given method and absolute URL.
func (k Keyer) Key(method string, target *url.URL) string {
	u := *target
	u.Fragment = ""
	u.RawFragment = ""
	return strings.ToUpper(method) + methodSeparator + u.String()
}

// RequestFromKey generates a request equal to the one that resulted in the provided key.
func (k Keyer) RequestFromKey(key string) (*http.Request, error) {
	method, target, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || target == "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedKey, key, err)
	}
	return req, nil
}
