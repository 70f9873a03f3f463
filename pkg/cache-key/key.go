package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const (
	methodSeparator = ":"
	headerSeparator = "\t"
)

type CacheKeyer struct {
	// Request headers that take part in the key, lower-cased.
	// Requests that differ only in other headers share a key.
	Headers []string
}

func NewCacheKeyer(headers ...string) CacheKeyer {
	lower := make([]string, 0, len(headers))
	for _, h := range headers {
		if h = strings.TrimSpace(h); h != "" {
			lower = append(lower, strings.ToLower(h))
		}
	}
	return CacheKeyer{Headers: lower}
}

// GetKey returns the normalized request key: method, absolute URL without fragment,
// and the configured headers that are present on the request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	key := r.Method + methodSeparator + normalizeURL(r.URL) + headerSeparator
	for _, name := range c.Headers {
		if values := r.Header.Values(name); len(values) > 0 {
			key = key + "\n" + name + ": " + strings.Join(values, ", ")
		}
	}
	return key
}

// GetURLKey returns the key for a plain GET of the given URL.
// It is used for lookups that have no originating request, e.g. the offline shell.
func (c CacheKeyer) GetURLKey(u *url.URL) string {
	return http.MethodGet + methodSeparator + normalizeURL(u) + headerSeparator
}

// GetRequestFromKey generates a request that results in the provided key.
// This means it takes key headers into account.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	keyNoHeaders, _, found := strings.Cut(key, headerSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %q", key)
	}
	method, uri, found := strings.Cut(keyNoHeaders, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %q", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	req.Header = c.GetKeyHeaders(key)
	return req, nil
}

// GetKeyHeaders creates a http.Header instance containing all the headers included in a key.
func (c CacheKeyer) GetKeyHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, "\n")
	for i := 1; i < len(lines); i++ {
		entry := strings.SplitN(lines[i], ": ", 2)
		if len(entry) == 2 {
			header.Add(entry[0], entry[1])
		}
	}
	return header
}

func normalizeURL(u *url.URL) string {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if n.Path == "" {
		n.Path = "/"
	}
	return n.String()
}
