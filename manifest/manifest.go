// Package manifest holds the ordered list of assets that are fetched into the
// store when a new version is installed.
package manifest

import (
	"net/url"
	"strings"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

// Entry is a single manifest line as configured.
// In YAML it is either a plain URL string or a mapping with url and crossOrigin.
type Entry struct {
	URL         string `yaml:"url"`
	CrossOrigin bool   `yaml:"crossOrigin"`
}

func (e *Entry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&e.URL)
	}
	type plain Entry
	return value.Decode((*plain)(e))
}

type Manifest []Entry

// Asset is a resolved manifest entry.
type Asset struct {
	URL *url.URL
	// CrossOrigin assets are fetched best-effort and may be stored as opaque responses.
	CrossOrigin bool
}

// Resolve resolves every entry against the application scope, in order.
// Entries on another origin than the scope are cross-origin even when not marked.
// Duplicate URLs are kept once, at their first position.
func (m Manifest) Resolve(scope *url.URL) ([]Asset, error) {
	assets := make([]Asset, 0, len(m))
	seen := make(map[string]struct{}, len(m))
	for i, e := range m {
		raw := strings.TrimSpace(e.URL)
		if raw == "" {
			return nil, errors.WithContext(
				errors.New(errors.CodeInvalidConfig, "empty manifest url"), "index", i)
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, errors.WithContext(
				errors.Wrap(err, errors.CodeInvalidConfig, "invalid manifest url"), "index", i)
		}
		u := scope.ResolveReference(ref)
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, errors.WithContext(
				errors.Newf(errors.CodeInvalidConfig, "unsupported manifest url scheme %q", u.Scheme), "index", i)
		}
		u.Fragment = ""
		if _, dup := seen[u.String()]; dup {
			continue
		}
		seen[u.String()] = struct{}{}
		assets = append(assets, Asset{
			URL:         u,
			CrossOrigin: e.CrossOrigin || !SameOrigin(u, scope),
		})
	}
	return assets, nil
}

// SameOrigin reports whether both URLs share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(hostPort(a), hostPort(b))
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return u.Host + ":80"
	case "https":
		return u.Host + ":443"
	}
	return u.Host
}
